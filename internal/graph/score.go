package graph

import (
	"sort"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

// Score recomputes the exploitation table from a merged graph.
//
// A container's new level is the maximum of its previous level and the level
// of the highest phase on every edge targeting it, so levels never decrease.
// Evidence is the first quote of the highest phase that raised the level.
// Containers at or above the interesting threshold are added to the
// returned interesting set, which never shrinks.
func Score(g model.AttackGraph, prevExploitation []model.ExploitationEntry, containers []model.Container) ([]model.ExploitationEntry, []model.ServiceRef) {
	prev := indexEntries(prevExploitation)

	targeting := make(map[string][]model.Edge)
	for _, e := range g.Edges {
		targeting[e.To] = append(targeting[e.To], e)
	}

	interesting := make(map[model.ServiceRef]bool, len(g.Interesting))
	for _, ref := range g.Interesting {
		interesting[ref] = true
	}

	inventory := uniqueContainers(containers)
	entries := make([]model.ExploitationEntry, 0, len(inventory)+len(prevExploitation))

	for _, c := range inventory {
		levelPrev := baseline(prev[c.IP])
		levelNew := levelPrev
		evidence := []string{}

		for _, e := range targeting[c.IP] {
			rec, ok := e.Highest()
			if !ok {
				continue
			}
			if lvl := taxonomy.ExploitationLevel(rec.Phase); lvl > levelNew {
				levelNew = lvl
				evidence = firstQuote(rec)
			}
		}

		changed := levelNew != levelPrev
		if !changed {
			evidence = []string{}
		}

		if levelNew >= taxonomy.InterestingThreshold {
			interesting[model.ServiceRef{IP: c.IP, Service: c.Service}] = true
		}

		entries = append(entries, model.ExploitationEntry{
			IP:             c.IP,
			Service:        c.Service,
			LevelPrev:      levelPrev,
			LevelNew:       levelNew,
			Changed:        changed,
			EvidenceQuotes: evidence,
		})
	}

	entries = append(entries, retained(prevExploitation, inventory)...)

	return entries, sortRefs(interesting)
}

// RollForward carries every level over unchanged: level_prev becomes the
// previous level_new and nothing is marked changed.
func RollForward(prevExploitation []model.ExploitationEntry, containers []model.Container) []model.ExploitationEntry {
	prev := indexEntries(prevExploitation)
	inventory := uniqueContainers(containers)
	entries := make([]model.ExploitationEntry, 0, len(inventory)+len(prevExploitation))

	for _, c := range inventory {
		lvl := baseline(prev[c.IP])
		entries = append(entries, model.ExploitationEntry{
			IP:             c.IP,
			Service:        c.Service,
			LevelPrev:      lvl,
			LevelNew:       lvl,
			EvidenceQuotes: []string{},
		})
	}

	return append(entries, retained(prevExploitation, inventory)...)
}

// retained rolls forward entries for containers that left the inventory so
// their levels survive if they come back.
func retained(prevExploitation []model.ExploitationEntry, inventory []model.Container) []model.ExploitationEntry {
	known := make(map[string]bool, len(inventory))
	for _, c := range inventory {
		known[c.IP] = true
	}

	var out []model.ExploitationEntry
	for _, pe := range prevExploitation {
		if known[pe.IP] {
			continue
		}
		known[pe.IP] = true
		lvl := baseline(&pe)
		out = append(out, model.ExploitationEntry{
			IP:             pe.IP,
			Service:        pe.Service,
			LevelPrev:      lvl,
			LevelNew:       lvl,
			EvidenceQuotes: []string{},
		})
	}
	return out
}

func indexEntries(entries []model.ExploitationEntry) map[string]*model.ExploitationEntry {
	out := make(map[string]*model.ExploitationEntry, len(entries))
	for i := range entries {
		if _, ok := out[entries[i].IP]; !ok {
			out[entries[i].IP] = &entries[i]
		}
	}
	return out
}

func baseline(pe *model.ExploitationEntry) int {
	if pe == nil {
		return 0
	}
	return max(pe.LevelPrev, pe.LevelNew)
}

func uniqueContainers(containers []model.Container) []model.Container {
	seen := make(map[string]bool, len(containers))
	out := make([]model.Container, 0, len(containers))
	for _, c := range containers {
		if c.IP == "" || seen[c.IP] {
			continue
		}
		seen[c.IP] = true
		out = append(out, c)
	}
	return out
}

func firstQuote(rec model.PhaseRecord) []string {
	if len(rec.EvidenceQuotes) == 0 {
		return []string{}
	}
	return []string{rec.EvidenceQuotes[0]}
}

func sortRefs(set map[model.ServiceRef]bool) []model.ServiceRef {
	out := make([]model.ServiceRef, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Service < out[j].Service
	})
	return out
}

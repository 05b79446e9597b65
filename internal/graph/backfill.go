package graph

import (
	"sort"
	"strings"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

// InferredPrefix tags evidence synthesized for a phase implied by a later one
const InferredPrefix = "inferred from later phase: "

type quoteKey struct {
	phase taxonomy.Phase
	quote string
}

// Backfill canonicalizes a delta proposal against the previous graph.
//
// Updates for the same edge are coalesced. On every edge, each proposed phase
// gets all lower-ranked phases that are missing from the previous graph,
// synthesized from the first quote of the phase that required them. Phases
// are deduplicated by (phase, normalized quote) and ordered by rank, and the
// edge updates are ordered by (to, from). Inputs are never modified.
func Backfill(delta model.DeltaOutput, prev model.AttackGraph) model.DeltaOutput {
	out := model.DeltaOutput{
		Reasoning:   delta.Reasoning,
		EdgeUpdates: make([]model.EdgeUpdate, 0, len(delta.EdgeUpdates)),
	}

	for _, eu := range coalesce(delta.EdgeUpdates) {
		out.EdgeUpdates = append(out.EdgeUpdates, backfillEdge(eu, prev.PhasesOn(eu.From, eu.To)))
	}

	sort.SliceStable(out.EdgeUpdates, func(i, j int) bool {
		a, b := out.EdgeUpdates[i], out.EdgeUpdates[j]
		if a.To != b.To {
			return a.To < b.To
		}
		return a.From < b.From
	})

	return out
}

// coalesce folds updates that target the same (from, to) edge into the first one
func coalesce(updates []model.EdgeUpdate) []model.EdgeUpdate {
	merged := make([]model.EdgeUpdate, 0, len(updates))
	index := make(map[[2]string]int)

	for _, eu := range updates {
		key := [2]string{eu.From, eu.To}
		if i, ok := index[key]; ok {
			merged[i].NewPhases = append(merged[i].NewPhases, eu.NewPhases...)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, model.EdgeUpdate{
			From:      eu.From,
			To:        eu.To,
			NewPhases: append([]model.PhaseDelta(nil), eu.NewPhases...),
		})
	}
	return merged
}

func backfillEdge(eu model.EdgeUpdate, present map[taxonomy.Phase]bool) model.EdgeUpdate {
	proposed := make([]model.PhaseDelta, len(eu.NewPhases))
	copy(proposed, eu.NewPhases)
	sortByRank(proposed)

	patched := make([]model.PhaseDelta, 0, len(proposed))
	position := make(map[taxonomy.Phase]int)
	seen := make(map[quoteKey]bool)

	for _, pd := range proposed {
		base := ""
		if len(pd.EvidenceQuotes) > 0 {
			base = unifyNewlines(pd.EvidenceQuotes[0])
		}

		for _, lower := range taxonomy.Below(pd.Phase) {
			if present[lower] {
				continue
			}
			if _, emitted := position[lower]; emitted {
				continue
			}
			quote := tagInferred(base)
			position[lower] = len(patched)
			patched = append(patched, model.PhaseDelta{Phase: lower, EvidenceQuotes: []string{quote}})
			seen[quoteKey{lower, normalizeQuote(quote)}] = true
		}

		quotes := dedupeQuotes(pd.EvidenceQuotes)

		if i, emitted := position[pd.Phase]; emitted {
			for _, q := range quotes {
				k := quoteKey{pd.Phase, normalizeQuote(q)}
				if seen[k] {
					continue
				}
				seen[k] = true
				patched[i].EvidenceQuotes = append(patched[i].EvidenceQuotes, q)
			}
			continue
		}

		// Missing evidence is a protocol violation; keep a placeholder so the
		// merge rejects the batch instead of losing the phase silently.
		if len(quotes) == 0 {
			quotes = []string{""}
		}
		for _, q := range quotes {
			seen[quoteKey{pd.Phase, normalizeQuote(q)}] = true
		}
		position[pd.Phase] = len(patched)
		patched = append(patched, model.PhaseDelta{Phase: pd.Phase, EvidenceQuotes: quotes})
	}

	sortByRank(patched)

	return model.EdgeUpdate{From: eu.From, To: eu.To, NewPhases: patched}
}

func sortByRank(phases []model.PhaseDelta) {
	sort.SliceStable(phases, func(i, j int) bool {
		return taxonomy.Rank(phases[i].Phase) < taxonomy.Rank(phases[j].Phase)
	})
}

// dedupeQuotes drops quotes that normalize to one already kept, preserving order
func dedupeQuotes(quotes []string) []string {
	out := make([]string, 0, len(quotes))
	kept := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		n := normalizeQuote(q)
		if kept[n] {
			continue
		}
		kept[n] = true
		out = append(out, q)
	}
	return out
}

func unifyNewlines(q string) string {
	return strings.ReplaceAll(q, "\r\n", "\n")
}

func normalizeQuote(q string) string {
	return strings.ToLower(strings.TrimSpace(unifyNewlines(q)))
}

func tagInferred(q string) string {
	if strings.HasPrefix(q, InferredPrefix) {
		return q
	}
	return InferredPrefix + q
}

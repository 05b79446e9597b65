package registry

import (
	"sort"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// DefaultExhaustionEpochs is the no-progress streak that marks a container exhausted
const DefaultExhaustionEpochs = 3

// Standing summarizes a container's exposure state for the exposure decision
type Standing struct {
	IP          string `json:"ip"`
	Service     string `json:"service"`
	Level       int    `json:"level"`
	EverExposed bool   `json:"ever_exposed"`
	Streak      int    `json:"no_progress_streak"`
	Exhausted   bool   `json:"exhausted"`
}

// Complete reports whether the container has been fully exploited
func (s Standing) Complete() bool {
	return s.Level >= 100
}

// Settled reports whether the container must never be exposed again
func (s Standing) Settled() bool {
	return s.Complete() || s.Exhausted
}

// Assess derives the standing of every inventory container.
//
// An exposure at epoch e is judged by the exploitation recorded at the next
// epoch: progress resets the streak, otherwise it grows. Selecting another
// container breaks continuity and resets the streak. Reaching threshold
// marks the container exhausted for good. current is the exploitation table
// of the epoch in progress, which judges the last recorded exposure.
func Assess(history []model.Iteration, current []model.ExploitationEntry, containers []model.Container, threshold int) []Standing {
	if threshold <= 0 {
		threshold = DefaultExhaustionEpochs
	}

	ordered := make([]model.Iteration, len(history))
	copy(ordered, history)
	sort.SliceStable(ordered, func(i, j int) bool {
		return EpochOf(ordered[i]) < EpochOf(ordered[j])
	})

	exposed := make(map[string]bool)
	streak := make(map[string]int)
	exhausted := make(map[string]bool)
	pending := ""

	judge := func(entries []model.ExploitationEntry) {
		if pending == "" {
			return
		}
		if progressed(entries, pending) {
			streak[pending] = 0
			return
		}
		streak[pending]++
		if streak[pending] >= threshold {
			exhausted[pending] = true
		}
	}

	for _, it := range ordered {
		judge(it.ContainersExploitation)

		selected := ""
		if it.SelectedContainer != nil {
			selected = it.SelectedContainer.IP
		}
		if pending != "" && selected != pending {
			streak[pending] = 0
		}
		if selected != "" {
			exposed[selected] = true
		}
		pending = selected
	}
	if current != nil {
		judge(current)
	}

	levels := make(map[string]int)
	for _, e := range latestExploitation(ordered, current) {
		levels[e.IP] = max(e.LevelNew, e.LevelPrev)
	}

	seen := make(map[string]bool, len(containers))
	out := make([]Standing, 0, len(containers))
	for _, c := range containers {
		if c.IP == "" || seen[c.IP] {
			continue
		}
		seen[c.IP] = true
		out = append(out, Standing{
			IP:          c.IP,
			Service:     c.Service,
			Level:       levels[c.IP],
			EverExposed: exposed[c.IP],
			Streak:      streak[c.IP],
			Exhausted:   exhausted[c.IP],
		})
	}
	return out
}

// AllSettled reports whether every container is complete or exhausted.
// An empty inventory is never settled.
func AllSettled(standings []Standing) bool {
	if len(standings) == 0 {
		return false
	}
	for _, s := range standings {
		if !s.Settled() {
			return false
		}
	}
	return true
}

// Find returns the standing for ip
func Find(standings []Standing, ip string) (Standing, bool) {
	for _, s := range standings {
		if s.IP == ip {
			return s, true
		}
	}
	return Standing{}, false
}

func progressed(entries []model.ExploitationEntry, ip string) bool {
	for _, e := range entries {
		if e.IP == ip {
			return e.Changed && e.LevelNew > e.LevelPrev
		}
	}
	return false
}

func latestExploitation(ordered []model.Iteration, current []model.ExploitationEntry) []model.ExploitationEntry {
	if current != nil {
		return current
	}
	if len(ordered) == 0 {
		return nil
	}
	return ordered[len(ordered)-1].ContainersExploitation
}

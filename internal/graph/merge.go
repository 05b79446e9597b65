package graph

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

const (
	// AttackerSubnet holds every valid edge source
	AttackerSubnet = "192.168.100.0/24"
	// ContainerSubnet holds every valid edge destination
	ContainerSubnet = "172.20.0.0/24"
)

var (
	attackerPrefix  = netip.MustParsePrefix(AttackerSubnet)
	containerPrefix = netip.MustParsePrefix(ContainerSubnet)
)

// Result is the outcome of applying one epoch's deltas
type Result struct {
	Graph        model.AttackGraph
	Exploitation []model.ExploitationEntry
	AddedPhases  int
	NewEdges     int
}

// Merge validates a backfilled delta batch and applies it to a copy of prev.
//
// The batch is atomic: if any update fails validation, a *ValidationError
// wrapping ErrRejected is returned and neither prev nor prevExploitation is
// touched. Phases already present on an edge are skipped. An empty batch
// returns prev unchanged with the exploitation table rolled forward.
func Merge(prev model.AttackGraph, prevExploitation []model.ExploitationEntry, containers []model.Container, deltas model.DeltaOutput) (Result, error) {
	if err := CheckState(prev, prevExploitation); err != nil {
		return Result{}, err
	}

	if len(deltas.EdgeUpdates) == 0 {
		return Fallback(prev, prevExploitation, containers), nil
	}

	if err := Validate(deltas, containers); err != nil {
		return Result{}, err
	}

	g := prev.Clone()
	res := Result{}

	for _, eu := range deltas.EdgeUpdates {
		added, created := apply(&g, eu)
		res.AddedPhases += added
		if created {
			res.NewEdges++
		}
	}

	entries, interesting := Score(g, prevExploitation, containers)
	g.Interesting = interesting

	res.Graph = g
	res.Exploitation = entries
	return res, nil
}

// Fallback is the outcome used when a batch is rejected or absent: the graph
// is unchanged and every container's level is rolled forward.
func Fallback(prev model.AttackGraph, prevExploitation []model.ExploitationEntry, containers []model.Container) Result {
	return Result{
		Graph:        prev.Clone(),
		Exploitation: RollForward(prevExploitation, containers),
	}
}

// Validate checks every edge update of a batch. It stops at the first failure.
func Validate(deltas model.DeltaOutput, containers []model.Container) error {
	vulnerable := make(map[string]bool, len(containers))
	for _, c := range containers {
		vulnerable[c.IP] = true
	}

	for _, eu := range deltas.EdgeUpdates {
		if !inPrefix(eu.From, attackerPrefix) {
			return &ValidationError{Field: "from", Value: eu.From, Message: "not in attacker subnet " + AttackerSubnet}
		}
		if !inPrefix(eu.To, containerPrefix) {
			return &ValidationError{Field: "to", Value: eu.To, Message: "not in container subnet " + ContainerSubnet}
		}
		if !vulnerable[eu.To] {
			return &ValidationError{Field: "to", Value: eu.To, Message: "not a known vulnerable container"}
		}
		for _, pd := range eu.NewPhases {
			if !taxonomy.IsValid(pd.Phase) {
				return &ValidationError{Field: "phase", Value: string(pd.Phase), Message: "unknown phase"}
			}
			if len(pd.EvidenceQuotes) == 0 {
				return &ValidationError{Field: "evidence_quotes", Value: string(pd.Phase), Message: "evidence required"}
			}
			for _, q := range pd.EvidenceQuotes {
				if q == "" {
					return &ValidationError{Field: "evidence_quotes", Value: string(pd.Phase), Message: "empty evidence quote"}
				}
			}
		}
	}
	return nil
}

// CheckState rejects a previous graph or exploitation table that breaks the
// invariants the merge relies on.
func CheckState(prev model.AttackGraph, prevExploitation []model.ExploitationEntry) error {
	edges := make(map[[2]string]bool, len(prev.Edges))
	for _, e := range prev.Edges {
		key := [2]string{e.From, e.To}
		if edges[key] {
			return fmt.Errorf("%w: duplicate edge %s -> %s", ErrMalformedState, e.From, e.To)
		}
		edges[key] = true

		phases := make(map[taxonomy.Phase]bool, len(e.Phases))
		for _, rec := range e.Phases {
			if !taxonomy.IsValid(rec.Phase) {
				return fmt.Errorf("%w: edge %s -> %s has unknown phase %q", ErrMalformedState, e.From, e.To, rec.Phase)
			}
			if phases[rec.Phase] {
				return fmt.Errorf("%w: edge %s -> %s repeats phase %q", ErrMalformedState, e.From, e.To, rec.Phase)
			}
			phases[rec.Phase] = true
		}
	}

	for _, entry := range prevExploitation {
		if !taxonomy.IsLevel(entry.LevelPrev) || !taxonomy.IsLevel(entry.LevelNew) {
			return fmt.Errorf("%w: container %s has invalid level %d -> %d", ErrMalformedState, entry.IP, entry.LevelPrev, entry.LevelNew)
		}
	}
	return nil
}

// apply adds the update's phases to the matching edge, creating it when absent
func apply(g *model.AttackGraph, eu model.EdgeUpdate) (added int, created bool) {
	idx := g.FindEdge(eu.From, eu.To)
	if idx < 0 {
		g.Edges = append(g.Edges, model.Edge{From: eu.From, To: eu.To, Phases: []model.PhaseRecord{}})
		idx = len(g.Edges) - 1
		created = true
	}
	edge := &g.Edges[idx]

	for _, pd := range eu.NewPhases {
		if edge.HasPhase(pd.Phase) {
			continue
		}
		edge.Phases = append(edge.Phases, model.PhaseRecord{
			Phase:          pd.Phase,
			EvidenceQuotes: append([]string(nil), pd.EvidenceQuotes...),
		})
		added++
	}

	if added > 0 {
		sort.SliceStable(edge.Phases, func(i, j int) bool {
			return taxonomy.Rank(edge.Phases[i].Phase) < taxonomy.Rank(edge.Phases[j].Phase)
		})
		top := edge.Phases[len(edge.Phases)-1].Phase
		edge.CurrentPhase = top
		edge.Vector = top
	}
	return added, created
}

func inPrefix(ip string, prefix netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

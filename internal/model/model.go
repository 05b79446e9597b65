package model

import (
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

// PhaseRecord is a phase attached to an attack-graph edge together with the evidence backing it
type PhaseRecord struct {
	Phase          taxonomy.Phase `json:"phase"`
	EvidenceQuotes []string       `json:"evidence_quotes"`
}

// Edge is a directed relation from an attacker address to a container address
type Edge struct {
	From         string         `json:"from"`
	To           string         `json:"to"`
	Phases       []PhaseRecord  `json:"phases"`
	CurrentPhase taxonomy.Phase `json:"current_phase"` // empty when no phase recorded
	Vector       taxonomy.Phase `json:"vector"`        // mirrors CurrentPhase
}

// HasPhase reports whether the edge already records p
func (e *Edge) HasPhase(p taxonomy.Phase) bool {
	for _, rec := range e.Phases {
		if rec.Phase == p {
			return true
		}
	}
	return false
}

// Highest returns the highest-ranked phase record on the edge
func (e *Edge) Highest() (PhaseRecord, bool) {
	if len(e.Phases) == 0 {
		return PhaseRecord{}, false
	}
	best := e.Phases[0]
	for _, rec := range e.Phases[1:] {
		if taxonomy.Rank(rec.Phase) > taxonomy.Rank(best.Phase) {
			best = rec
		}
	}
	return best, true
}

// ServiceRef identifies a container by address and service name
type ServiceRef struct {
	IP      string `json:"ip"`
	Service string `json:"service"`
}

// AttackGraph is the running inferred attack graph, one snapshot per epoch
type AttackGraph struct {
	Edges       []Edge       `json:"edges"`
	Interesting []ServiceRef `json:"interesting"`
}

// Clone returns a deep copy of the graph. Nil slices stay nil.
func (g AttackGraph) Clone() AttackGraph {
	out := AttackGraph{}
	if g.Interesting != nil {
		out.Interesting = make([]ServiceRef, len(g.Interesting))
		copy(out.Interesting, g.Interesting)
	}
	if g.Edges == nil {
		return out
	}

	out.Edges = make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		ce := e
		if e.Phases != nil {
			ce.Phases = make([]PhaseRecord, len(e.Phases))
			for i, rec := range e.Phases {
				ce.Phases[i] = PhaseRecord{Phase: rec.Phase, EvidenceQuotes: cloneStrings(rec.EvidenceQuotes)}
			}
		}
		out.Edges = append(out.Edges, ce)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// FindEdge returns the index of the (from, to) edge, or -1
func (g *AttackGraph) FindEdge(from, to string) int {
	for i := range g.Edges {
		if g.Edges[i].From == from && g.Edges[i].To == to {
			return i
		}
	}
	return -1
}

// PhasesOn returns the set of phases recorded on the (from, to) edge
func (g *AttackGraph) PhasesOn(from, to string) map[taxonomy.Phase]bool {
	present := make(map[taxonomy.Phase]bool)
	if idx := g.FindEdge(from, to); idx >= 0 {
		for _, rec := range g.Edges[idx].Phases {
			present[rec.Phase] = true
		}
	}
	return present
}

// ExploitationEntry is the per-container exploitation level for one epoch
type ExploitationEntry struct {
	IP             string   `json:"ip"`
	Service        string   `json:"service"`
	LevelPrev      int      `json:"level_prev"`
	LevelNew       int      `json:"level_new"`
	Changed        bool     `json:"changed"`
	EvidenceQuotes []string `json:"evidence_quotes"`
}

// PhaseDelta is a proposed phase addition for one edge
type PhaseDelta struct {
	Phase          taxonomy.Phase `json:"phase"`
	EvidenceQuotes []string       `json:"evidence_quotes"`
}

// EdgeUpdate is an untrusted proposal of new phases for one (from, to) edge
type EdgeUpdate struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	NewPhases []PhaseDelta `json:"new_phases"`
}

// DeltaOutput is the graph-inference collaborator's proposal for one epoch
type DeltaOutput struct {
	Reasoning   string       `json:"reasoning"`
	EdgeUpdates []EdgeUpdate `json:"edge_updates"`
}

// Container is a known vulnerable container from the inventory source
type Container struct {
	IP      string   `json:"ip" yaml:"ip"`
	Service string   `json:"service" yaml:"service"`
	Image   string   `json:"image" yaml:"image"`
	Ports   []string `json:"ports" yaml:"ports"`
}

// Alert is a single intrusion-detection record from the sensor
type Alert struct {
	DestIP    string    `json:"dest_ip"`
	DestPort  int       `json:"dest_port"`
	Proto     string    `json:"proto"`
	Signature string    `json:"signature"`
	Severity  int       `json:"severity"`
	SrcIP     string    `json:"src_ip"`
	SrcPort   int       `json:"src_port"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Indicator is a collapsed group of alerts against one host
type Indicator struct {
	Signature string `json:"signature"`
	DestPort  int    `json:"dest_port"`
	Count     int    `json:"count"`
	Severity  int    `json:"severity"`
	SrcIP     string `json:"src_ip"`
	SrcPorts  []int  `json:"src_ports"`
	Payload   string `json:"payload"`
	New       bool   `json:"new"`
}

// HostEvents groups the compromise indicators observed against one host
type HostEvents struct {
	IP                   string      `json:"ip"`
	Service              string      `json:"service"`
	CompromiseIndicators []Indicator `json:"compromise_indicators"`
}

// SelectedContainer is the container chosen for exposure in an epoch
type SelectedContainer struct {
	IP           string `json:"ip"`
	Service      string `json:"service"`
	CurrentLevel int    `json:"current_level"`
	Epoch        int    `json:"epoch,omitempty"`
}

// ExposureDecision is the exposure collaborator's output for one epoch
type ExposureDecision struct {
	Reasoning         string            `json:"reasoning"`
	SelectedContainer SelectedContainer `json:"selected_container"`
	Lockdown          bool              `json:"lockdown"`
}

// RegistryEntry is the exposure ledger for one container track
type RegistryEntry struct {
	Service       string `json:"service"`
	FirstEpoch    int    `json:"first_epoch"`
	LastEpoch     int    `json:"last_epoch"`
	EpochsExposed int    `json:"epochs_exposed"`
}

// ExposureRegistry maps a track key (IP or "ip|service") to its ledger entry
type ExposureRegistry map[string]RegistryEntry

// FirewallRule is one rule as reported by the firewall collaborator
type FirewallRule struct {
	Number      int    `json:"num"`
	Target      string `json:"target"`
	Protocol    string `json:"prot"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Options     string `json:"options,omitempty"`
}

// Iteration is the immutable record persisted at the end of every epoch
type Iteration struct {
	ID                     string              `json:"id"`
	Epoch                  int                 `json:"epoch"`
	SelectedContainer      *SelectedContainer  `json:"selected_container"`
	ExposureRegistry       ExposureRegistry    `json:"exposure_registry"`
	RulesAdded             []string            `json:"rules_added"`
	RulesRemoved           []string            `json:"rules_removed"`
	ContainersExploitation []ExploitationEntry `json:"containers_exploitation"`
	LockdownStatus         bool                `json:"lockdown_status"`
	InferredAttackGraph    AttackGraph         `json:"inferred_attack_graph"`
	SecurityEvents         []HostEvents        `json:"security_events"`
	SecurityEventsSummary  map[string]bool     `json:"security_events_summary,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
}

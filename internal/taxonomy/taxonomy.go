package taxonomy

// Phase is a named stage of attacker progress against a container
type Phase string

const (
	Scan                Phase = "scan"
	InitialAccess       Phase = "initial-access/rce"
	DataExfilUser       Phase = "data-exfil-user"
	PrivilegeEscalation Phase = "privilege-escalation"
	DataExfilRoot       Phase = "data-exfil-root"
)

// SentinelRank is returned by Rank for phases outside the taxonomy.
// It sorts after every known phase so unknown names never precede real ones.
const SentinelRank = 999

// InterestingThreshold is the exploitation level at which a container joins
// the attack graph's interesting set
const InterestingThreshold = 66

var ordered = []Phase{Scan, InitialAccess, DataExfilUser, PrivilegeEscalation, DataExfilRoot}

var ranks = map[Phase]int{
	Scan:                0,
	InitialAccess:       1,
	DataExfilUser:       2,
	PrivilegeEscalation: 3,
	DataExfilRoot:       4,
}

var levels = map[Phase]int{
	Scan:                25,
	InitialAccess:       50,
	DataExfilUser:       75,
	PrivilegeEscalation: 100,
	DataExfilRoot:       100,
}

// Phases returns the taxonomy in ascending rank order
func Phases() []Phase {
	out := make([]Phase, len(ordered))
	copy(out, ordered)
	return out
}

// Rank returns the numeric rank of a phase, or SentinelRank when unknown
func Rank(p Phase) int {
	if r, ok := ranks[p]; ok {
		return r
	}
	return SentinelRank
}

// IsValid reports whether p belongs to the taxonomy
func IsValid(p Phase) bool {
	_, ok := ranks[p]
	return ok
}

// ExploitationLevel maps a phase to its exploitation percentage (0 when unknown)
func ExploitationLevel(p Phase) int {
	return levels[p]
}

// Below returns every known phase ranked strictly below p, ascending.
// An unknown phase has no known predecessors.
func Below(p Phase) []Phase {
	r, ok := ranks[p]
	if !ok {
		return nil
	}
	return Phases()[:r]
}

// IsLevel reports whether v is one of the exploitation levels the taxonomy can produce
func IsLevel(v int) bool {
	switch v {
	case 0, 25, 50, 75, 100:
		return true
	}
	return false
}

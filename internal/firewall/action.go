package firewall

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ActionKind names a firewall action on the wire
type ActionKind string

const (
	KindRemove ActionKind = "RemoveFirewallRule"
	KindAllow  ActionKind = "AddAllowRule"
	KindBlock  ActionKind = "AddBlockRule"
)

// DefaultProtocol applies to allow and block rules that name none
const DefaultProtocol = "tcp"

// unknownPriority sorts unrecognized kinds after every known one
const unknownPriority = 99

var priority = map[ActionKind]int{
	KindRemove: 0,
	KindAllow:  1,
	KindBlock:  2,
}

// Priority returns the execution rank of a kind; lower runs first
func (k ActionKind) Priority() int {
	if p, ok := priority[k]; ok {
		return p
	}
	return unknownPriority
}

// Valid reports whether k is a known action kind
func (k ActionKind) Valid() bool {
	_, ok := priority[k]
	return ok
}

// Action is one firewall change. Allow and block use Source, Dest and
// Protocol; remove uses RuleNumbers.
type Action struct {
	Kind        ActionKind
	Source      string
	Dest        string
	Protocol    string
	RuleNumbers []int
}

// Allow builds an allow action
func Allow(source, dest, protocol string) Action {
	return Action{Kind: KindAllow, Source: source, Dest: dest, Protocol: protocol}
}

// Block builds a block action
func Block(source, dest, protocol string) Action {
	return Action{Kind: KindBlock, Source: source, Dest: dest, Protocol: protocol}
}

// Remove builds a remove action for the given rule numbers
func Remove(numbers ...int) Action {
	return Action{Kind: KindRemove, RuleNumbers: numbers}
}

// Proto returns the action protocol, defaulting to tcp
func (a Action) Proto() string {
	if a.Protocol == "" {
		return DefaultProtocol
	}
	return a.Protocol
}

func (a Action) String() string {
	switch a.Kind {
	case KindRemove:
		return fmt.Sprintf("%s(%v)", a.Kind, a.RuleNumbers)
	default:
		return fmt.Sprintf("%s(%s -> %s, %s)", a.Kind, a.Source, a.Dest, a.Proto())
	}
}

type wireAction struct {
	Type        ActionKind `json:"type"`
	SourceIP    string     `json:"source_ip,omitempty"`
	DestIP      string     `json:"dest_ip,omitempty"`
	Protocol    string     `json:"protocol,omitempty"`
	RuleNumbers []int      `json:"rule_numbers,omitempty"`
}

// MarshalJSON encodes the action in the tagged wire form
func (a Action) MarshalJSON() ([]byte, error) {
	w := wireAction{Type: a.Kind}
	if a.Kind == KindRemove {
		w.RuleNumbers = a.RuleNumbers
	} else {
		w.SourceIP = a.Source
		w.DestIP = a.Dest
		w.Protocol = a.Proto()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged wire form and rejects unknown kinds
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Type.Valid() {
		return fmt.Errorf("unknown firewall action type %q", w.Type)
	}

	*a = Action{Kind: w.Type}
	if w.Type == KindRemove {
		a.RuleNumbers = w.RuleNumbers
		return nil
	}
	a.Source = w.SourceIP
	a.Dest = w.DestIP
	a.Protocol = w.Protocol
	if a.Protocol == "" {
		a.Protocol = DefaultProtocol
	}
	return nil
}

// Sequence returns the actions ordered remove, allow, block. The sort is
// stable so actions of the same kind keep their relative order.
func Sequence(actions []Action) []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind.Priority() < out[j].Kind.Priority()
	})
	return out
}

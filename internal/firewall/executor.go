package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// ErrUnavailable means the firewall collaborator cannot be reached. It aborts
// the whole batch rather than a single action.
var ErrUnavailable = errors.New("firewall unavailable")

// Firewall is the rule-management collaborator. Each mutating call returns
// the collaborator's description of the change.
type Firewall interface {
	AddAllowRule(ctx context.Context, source, dest, protocol string) (string, error)
	AddBlockRule(ctx context.Context, source, dest, protocol string) (string, error)
	RemoveRules(ctx context.Context, numbers []int) (string, error)
	Rules(ctx context.Context) ([]model.FirewallRule, error)
}

// Applied reports what an action batch changed
type Applied struct {
	Added   []string `json:"rules_added"`
	Removed []string `json:"rules_removed"`
}

// Executor applies sequenced action batches to a Firewall
type Executor struct {
	fw        Firewall
	protected int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewExecutor creates an executor. Rule numbers up to protected belong to the
// baseline posture and are never removed.
func NewExecutor(fw Firewall, protected int, m *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		fw:        fw,
		protected: protected,
		metrics:   m,
		logger:    logger,
	}
}

// Apply dispatches the actions in sequence order, one at a time. All
// removals in the batch are merged into a single call.
//
// A failed action is logged and skipped. If the collaborator becomes
// unavailable or ctx ends, the batch aborts and reports nothing applied.
func (e *Executor) Apply(ctx context.Context, actions []Action) (Applied, error) {
	applied := Applied{Added: []string{}, Removed: []string{}}

	for _, action := range mergeRemovals(Sequence(actions)) {
		if err := ctx.Err(); err != nil {
			return Applied{Added: []string{}, Removed: []string{}}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if action.Kind == KindRemove {
			numbers := e.removable(action.RuleNumbers)
			if len(numbers) == 0 {
				e.logger.Debug("Remove action has no removable rules", "requested", action.RuleNumbers)
				continue
			}
			action.RuleNumbers = numbers
		}

		resp, err := e.dispatch(ctx, action)
		if err != nil {
			if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
				e.logger.Error("Firewall unavailable, aborting action batch", "action", action.String(), "error", err)
				return Applied{Added: []string{}, Removed: []string{}}, err
			}
			e.logger.Warn("Firewall action failed", "action", action.String(), "error", err)
			if e.metrics != nil {
				e.metrics.IncFirewallFailed(string(action.Kind))
			}
			continue
		}
		// an empty body still means the change was accepted
		if resp == "" {
			resp = action.String()
		}

		if action.Kind == KindRemove {
			applied.Removed = append(applied.Removed, resp)
		} else {
			applied.Added = append(applied.Added, resp)
		}
		if e.metrics != nil {
			e.metrics.IncFirewallApplied(string(action.Kind))
		}
		e.logger.Info("Firewall action applied", "action", action.String(), "result", resp)
	}

	return applied, nil
}

func (e *Executor) dispatch(ctx context.Context, a Action) (string, error) {
	switch a.Kind {
	case KindAllow:
		if a.Source == "" || a.Dest == "" {
			return "", fmt.Errorf("allow rule needs source and destination")
		}
		return e.fw.AddAllowRule(ctx, a.Source, a.Dest, a.Proto())
	case KindBlock:
		if a.Source == "" || a.Dest == "" {
			return "", fmt.Errorf("block rule needs source and destination")
		}
		return e.fw.AddBlockRule(ctx, a.Source, a.Dest, a.Proto())
	case KindRemove:
		return e.fw.RemoveRules(ctx, a.RuleNumbers)
	default:
		return "", fmt.Errorf("unknown action type %q", a.Kind)
	}
}

// mergeRemovals folds every remove action into the position of the first
// one. Separate removals would otherwise renumber each other's targets.
func mergeRemovals(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	first := -1
	for _, a := range actions {
		if a.Kind != KindRemove {
			out = append(out, a)
			continue
		}
		if first < 0 {
			first = len(out)
			out = append(out, Remove())
		}
		out[first].RuleNumbers = append(out[first].RuleNumbers, a.RuleNumbers...)
	}
	return out
}

// removable drops baseline and duplicate numbers and orders the rest
// highest first so earlier removals do not renumber later ones.
func (e *Executor) removable(numbers []int) []int {
	seen := make(map[int]bool, len(numbers))
	out := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if n <= e.protected || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

package reasoning

import (
	"context"
	"fmt"
	"sort"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/firewall"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/graph"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
)

// StaticInferer always proposes the same deltas
type StaticInferer struct {
	Output model.DeltaOutput
	Err    error
}

// Infer returns the fixed output
func (s StaticInferer) Infer(context.Context, InferenceInput) (model.DeltaOutput, error) {
	return s.Output, s.Err
}

// StaticDecider always returns the same decision
type StaticDecider struct {
	Decision model.ExposureDecision
	Err      error
}

// Decide returns the fixed decision
func (s StaticDecider) Decide(context.Context, ExposureInput) (model.ExposureDecision, error) {
	return s.Decision, s.Err
}

// StaticPlanner always returns the same plan
type StaticPlanner struct {
	Output FirewallPlan
	Err    error
}

// Plan returns the fixed plan
func (s StaticPlanner) Plan(context.Context, FirewallInput) (FirewallPlan, error) {
	return s.Output, s.Err
}

// minimumWindow is how many no-progress epochs a freshly exposed container
// is kept before rotating
const minimumWindow = 2

// PolicyDecider applies the exposure selection policy without an LLM.
//
// The current container is kept while it is open and has fewer than two
// consecutive no-progress epochs. Otherwise the next open container is
// chosen, never-exposed first, then by level and IP. With nothing open the
// decision is lockdown.
type PolicyDecider struct{}

// Decide picks the next exposure from the standings
func (PolicyDecider) Decide(ctx context.Context, in ExposureInput) (model.ExposureDecision, error) {
	if err := ctx.Err(); err != nil {
		return model.ExposureDecision{}, err
	}
	if registry.AllSettled(in.Standings) {
		return model.ExposureDecision{Reasoning: "every container is complete or exhausted", Lockdown: true}, nil
	}

	var current *registry.Standing
	if in.Current != nil {
		if s, ok := registry.Find(in.Standings, in.Current.IP); ok && !s.Settled() {
			current = &s
		}
	}
	if current != nil && current.Streak < minimumWindow {
		return decision(*current, fmt.Sprintf("keeping %s exposed: %d epochs without progress", current.IP, current.Streak)), nil
	}

	var open []registry.Standing
	for _, s := range in.Standings {
		if s.Settled() || (current != nil && s.IP == current.IP) {
			continue
		}
		open = append(open, s)
	}
	if len(open) == 0 {
		if current != nil {
			return decision(*current, fmt.Sprintf("keeping %s exposed: no other open container", current.IP)), nil
		}
		return model.ExposureDecision{Reasoning: "no open container", Lockdown: true}, nil
	}

	sort.SliceStable(open, func(i, j int) bool {
		if open[i].EverExposed != open[j].EverExposed {
			return !open[i].EverExposed
		}
		if open[i].Level != open[j].Level {
			return open[i].Level < open[j].Level
		}
		return open[i].IP < open[j].IP
	})
	next := open[0]
	reason := fmt.Sprintf("rotating to %s at level %d", next.IP, next.Level)
	if !next.EverExposed {
		reason = fmt.Sprintf("rotating to %s: never exposed", next.IP)
	}
	return decision(next, reason), nil
}

func decision(s registry.Standing, reason string) model.ExposureDecision {
	return model.ExposureDecision{
		Reasoning: reason,
		SelectedContainer: model.SelectedContainer{
			IP:           s.IP,
			Service:      s.Service,
			CurrentLevel: s.Level,
		},
	}
}

// RulePlanner plans the minimal firewall change set without an LLM
type RulePlanner struct {
	Attacker string
	Baseline int
}

// NewRulePlanner creates a planner exposing containers to the attacker subnet
func NewRulePlanner(baseline int) RulePlanner {
	if baseline <= 0 {
		baseline = firewall.DefaultBaselineRules
	}
	return RulePlanner{Attacker: graph.AttackerSubnet, Baseline: baseline}
}

// Plan computes the actions with firewall.PlanExposure
func (p RulePlanner) Plan(ctx context.Context, in FirewallInput) (FirewallPlan, error) {
	if err := ctx.Err(); err != nil {
		return FirewallPlan{}, err
	}

	actions := firewall.PlanExposure(in.Rules, in.Selected, in.Lockdown, p.Attacker, p.Baseline)
	reason := "exposure already enforced"
	switch {
	case in.Lockdown:
		reason = "lockdown: removing every non-baseline allow rule"
	case len(actions) > 0 && in.Selected != nil:
		reason = fmt.Sprintf("exposing %s to %s", in.Selected.IP, p.Attacker)
	}
	return FirewallPlan{Reasoning: reason, Actions: actions}, nil
}

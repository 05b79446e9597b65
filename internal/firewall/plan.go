package firewall

import (
	"strings"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// DefaultBaselineRules is the number of leading rules that form the
// baseline posture: established traffic, icmp, intra-container traffic, the
// two subnet drops and the drop log.
const DefaultBaselineRules = 6

const targetAccept = "ACCEPT"

// PlanExposure computes the smallest action list that leaves only the
// selected container reachable from attacker, in both directions.
//
// With lockdown or no selection every non-baseline allow rule is removed.
// Rules already enforcing the exposure are kept, so an enforced plan
// yields no actions.
func PlanExposure(rules []model.FirewallRule, selected *model.SelectedContainer, lockdown bool, attacker string, baseline int) []Action {
	target := ""
	if selected != nil && !lockdown {
		target = selected.IP
	}

	var stale []int
	inbound, outbound := false, false

	for _, r := range rules {
		if r.Number <= baseline || !strings.EqualFold(r.Target, targetAccept) {
			continue
		}
		src, dst := host(r.Source), host(r.Destination)
		switch {
		case target != "" && src == attacker && dst == target:
			inbound = true
		case target != "" && src == target && dst == attacker:
			outbound = true
		default:
			stale = append(stale, r.Number)
		}
	}

	var actions []Action
	if len(stale) > 0 {
		actions = append(actions, Remove(stale...))
	}
	if target == "" {
		return actions
	}
	if !inbound {
		actions = append(actions, Allow(attacker, target, DefaultProtocol))
	}
	if !outbound {
		actions = append(actions, Allow(target, attacker, DefaultProtocol))
	}
	return actions
}

// host strips a single-host prefix length so "172.20.0.5/32" matches "172.20.0.5"
func host(addr string) string {
	return strings.TrimSuffix(strings.TrimSpace(addr), "/32")
}

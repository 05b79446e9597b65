package reasoning

import (
	"context"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/firewall"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
)

// InferenceInput is the context given to the graph-inference collaborator
type InferenceInput struct {
	Epoch        int                       `json:"epoch"`
	Graph        model.AttackGraph         `json:"attack_graph"`
	Exploitation []model.ExploitationEntry `json:"containers_exploitation"`
	Events       []model.HostEvents        `json:"security_events"`
	Containers   []model.Container         `json:"vulnerable_containers"`
}

// ExposureInput is the context given to the exposure collaborator
type ExposureInput struct {
	Epoch        int                       `json:"epoch"`
	Containers   []model.Container         `json:"vulnerable_containers"`
	Exploitation []model.ExploitationEntry `json:"containers_exploitation"`
	Registry     model.ExposureRegistry    `json:"exposure_registry"`
	Standings    []registry.Standing       `json:"standings"`
	Current      *model.SelectedContainer  `json:"currently_exposed,omitempty"`
}

// FirewallInput is the context given to the firewall collaborator
type FirewallInput struct {
	Selected   *model.SelectedContainer `json:"selected_container"`
	Lockdown   bool                     `json:"lockdown"`
	Rules      []model.FirewallRule     `json:"firewall_config"`
	Containers []model.Container        `json:"vulnerable_containers"`
}

// FirewallPlan is the firewall collaborator's output
type FirewallPlan struct {
	Reasoning string            `json:"reasoning"`
	Actions   []firewall.Action `json:"action"`
}

// GraphInferer proposes attack-graph phase additions for an epoch
type GraphInferer interface {
	Infer(ctx context.Context, in InferenceInput) (model.DeltaOutput, error)
}

// ExposureDecider picks the container to expose next
type ExposureDecider interface {
	Decide(ctx context.Context, in ExposureInput) (model.ExposureDecision, error)
}

// FirewallPlanner turns an exposure decision into firewall actions
type FirewallPlanner interface {
	Plan(ctx context.Context, in FirewallInput) (FirewallPlan, error)
}

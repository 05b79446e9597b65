package reasoning

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// LLMInferer proposes attack-graph deltas with an LLM
type LLMInferer struct {
	gen structured
}

// NewLLMInferer creates an LLM-backed graph inferer
func NewLLMInferer(client LLMClient, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *LLMInferer {
	return &LLMInferer{gen: structured{
		role:        RoleInference,
		client:      client,
		schema:      deltaValidator,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}}
}

// Infer renders the inference prompt and decodes the validated response
func (a *LLMInferer) Infer(ctx context.Context, in InferenceInput) (model.DeltaOutput, error) {
	prompt, err := InferencePrompt(in)
	if err != nil {
		return model.DeltaOutput{}, err
	}
	var out model.DeltaOutput
	if err := a.gen.generate(ctx, prompt, &out); err != nil {
		return model.DeltaOutput{}, err
	}
	return out, nil
}

// LLMDecider selects the container to expose with an LLM
type LLMDecider struct {
	gen structured
}

// NewLLMDecider creates an LLM-backed exposure decider
func NewLLMDecider(client LLMClient, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *LLMDecider {
	return &LLMDecider{gen: structured{
		role:        RoleExposure,
		client:      client,
		schema:      exposureValidator,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}}
}

// Decide renders the exposure prompt and decodes the validated response
func (a *LLMDecider) Decide(ctx context.Context, in ExposureInput) (model.ExposureDecision, error) {
	prompt, err := ExposurePrompt(in)
	if err != nil {
		return model.ExposureDecision{}, err
	}
	var out model.ExposureDecision
	if err := a.gen.generate(ctx, prompt, &out); err != nil {
		return model.ExposureDecision{}, err
	}
	return out, nil
}

// LLMPlanner plans firewall actions with an LLM
type LLMPlanner struct {
	gen structured
}

// NewLLMPlanner creates an LLM-backed firewall planner
func NewLLMPlanner(client LLMClient, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *LLMPlanner {
	return &LLMPlanner{gen: structured{
		role:        RoleFirewall,
		client:      client,
		schema:      firewallValidator,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}}
}

// Plan renders the firewall prompt and decodes the validated response
func (a *LLMPlanner) Plan(ctx context.Context, in FirewallInput) (FirewallPlan, error) {
	prompt, err := FirewallPrompt(in)
	if err != nil {
		return FirewallPlan{}, err
	}
	var out FirewallPlan
	if err := a.gen.generate(ctx, prompt, &out); err != nil {
		return FirewallPlan{}, err
	}
	return out, nil
}

// Collaborators bundles the three reasoning roles
type Collaborators struct {
	Inferer GraphInferer
	Decider ExposureDecider
	Planner FirewallPlanner
}

// NewLLMCollaborators resolves a client per role from router
func NewLLMCollaborators(router *Router, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) (Collaborators, error) {
	inference, err := router.ClientFor(RoleInference)
	if err != nil {
		return Collaborators{}, fmt.Errorf("failed to get client for role %s: %w", RoleInference, err)
	}
	exposure, err := router.ClientFor(RoleExposure)
	if err != nil {
		return Collaborators{}, fmt.Errorf("failed to get client for role %s: %w", RoleExposure, err)
	}
	fw, err := router.ClientFor(RoleFirewall)
	if err != nil {
		return Collaborators{}, fmt.Errorf("failed to get client for role %s: %w", RoleFirewall, err)
	}

	return Collaborators{
		Inferer: NewLLMInferer(inference, maxAttempts, m, logger),
		Decider: NewLLMDecider(exposure, maxAttempts, m, logger),
		Planner: NewLLMPlanner(fw, maxAttempts, m, logger),
	}, nil
}

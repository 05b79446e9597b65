package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/config"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/events"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/firewall"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/graph"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/reasoning"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/sensor"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/store"
)

// Step names used for logging and metrics
const (
	StepGather   = "gather"
	StepInfer    = "infer"
	StepDecide   = "decide"
	StepFirewall = "firewall"
	StepPersist  = "persist"
)

// ConfigSource returns the run configuration in effect
type ConfigSource interface {
	Current() *config.Snapshot
}

// Components are the collaborators one epoch runs against
type Components struct {
	Alerts    sensor.AlertSource
	Inventory sensor.InventorySource
	Firewall  firewall.Firewall
	Store     store.Store
	Inferer   reasoning.GraphInferer
	Decider   reasoning.ExposureDecider
	Planner   reasoning.FirewallPlanner
	Config    ConfigSource
}

// Pipeline runs the steps of one epoch strictly in sequence
type Pipeline struct {
	c               Components
	fallbackDecider reasoning.ExposureDecider
	guardrail       *reasoning.Guardrail
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// NewPipeline creates a pipeline. Decisions rejected by the guardrail fall
// back to the policy decider, and failed firewall plans to the rule planner.
func NewPipeline(c Components, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		c:               c,
		fallbackDecider: reasoning.PolicyDecider{},
		guardrail:       reasoning.NewGuardrail(logger),
		metrics:         m,
		logger:          logger,
	}
}

// gathered is everything the gather step collects
type gathered struct {
	history    []model.Iteration
	prev       *model.Iteration
	containers []model.Container
	rules      []model.FirewallRule
	rulesKnown bool
	alerts     []model.Alert
	events     []model.HostEvents
	summary    events.Snapshot
}

// Run executes one epoch and returns the persisted iteration.
//
// Reasoning and firewall failures degrade to no state change for that step.
// Failing to read history or inventory, or to persist, fails the epoch.
func (p *Pipeline) Run(ctx context.Context, epoch int) (model.Iteration, error) {
	cfg := p.c.Config.Current()
	logger := p.logger.With("epoch", epoch)
	logger.Info("Starting epoch")

	start := time.Now()
	g, err := p.gather(ctx, cfg, logger)
	p.observe(StepGather, start)
	if err != nil {
		p.fail(StepGather)
		return model.Iteration{}, fmt.Errorf("gather: %w", err)
	}

	start = time.Now()
	res := p.infer(ctx, epoch, g, logger)
	p.observe(StepInfer, start)

	start = time.Now()
	decision := p.decide(ctx, epoch, cfg, g, res, logger)
	p.observe(StepDecide, start)

	start = time.Now()
	applied := p.enforce(ctx, cfg, g, decision, logger)
	p.observe(StepFirewall, start)

	var selected *model.SelectedContainer
	if !decision.Lockdown && decision.SelectedContainer.IP != "" {
		sc := decision.SelectedContainer
		sc.Epoch = epoch
		selected = &sc
	}

	it := model.Iteration{
		Epoch:                  epoch,
		SelectedContainer:      selected,
		ExposureRegistry:       registry.Build(g.history, selected, epoch, cfg.KeyMode()),
		RulesAdded:             applied.Added,
		RulesRemoved:           applied.Removed,
		ContainersExploitation: res.Exploitation,
		LockdownStatus:         decision.Lockdown,
		InferredAttackGraph:    res.Graph,
		SecurityEvents:         g.events,
		SecurityEventsSummary:  g.summary,
	}

	start = time.Now()
	id, err := p.c.Store.SaveIteration(ctx, it)
	p.observe(StepPersist, start)
	if err != nil {
		p.fail(StepPersist)
		return model.Iteration{}, fmt.Errorf("persist: %w", err)
	}
	it.ID = id

	if p.metrics != nil {
		p.metrics.IncEpochs()
		p.metrics.SetLockdown(it.LockdownStatus)
	}
	logger.Info("Epoch completed",
		"iteration_id", id,
		"selected_ip", ipOf(selected),
		"lockdown", it.LockdownStatus,
		"rules_added", len(applied.Added),
		"rules_removed", len(applied.Removed))
	return it, nil
}

func (p *Pipeline) gather(ctx context.Context, cfg *config.Snapshot, logger *slog.Logger) (gathered, error) {
	var g gathered

	history, err := p.c.Store.AllIterations(ctx)
	if err != nil {
		return g, fmt.Errorf("failed to load history: %w", err)
	}
	g.history = history
	if len(history) > 0 {
		g.prev = &history[len(history)-1]
	}

	g.containers, err = p.c.Inventory.Containers(ctx)
	if err != nil {
		return g, fmt.Errorf("failed to load inventory: %w", err)
	}

	g.alerts, err = p.c.Alerts.Alerts(ctx, cfg.AlertWindow())
	if err != nil {
		logger.Warn("Failed to fetch alerts, continuing without", "error", err)
		p.fail(StepGather)
		g.alerts = nil
	}

	g.rules, err = p.c.Firewall.Rules(ctx)
	if err != nil {
		logger.Warn("Failed to fetch firewall rules, firewall step will be skipped", "error", err)
		p.fail(StepGather)
	} else {
		g.rulesKnown = true
	}

	var previous events.Snapshot
	var lastExposed *model.SelectedContainer
	if g.prev != nil {
		previous = g.prev.SecurityEventsSummary
		if !g.prev.LockdownStatus {
			lastExposed = g.prev.SelectedContainer
		}
	}
	g.events = events.Summarize(g.alerts, g.containers, previous, lastExposed)
	g.summary = events.SnapshotOf(g.alerts)

	logger.Info("Gathered epoch inputs",
		"history", len(g.history),
		"containers", len(g.containers),
		"alerts", len(g.alerts),
		"rules", len(g.rules),
		"hosts_with_events", len(g.events))
	return g, nil
}

func (p *Pipeline) infer(ctx context.Context, epoch int, g gathered, logger *slog.Logger) graph.Result {
	var prevGraph model.AttackGraph
	var prevExpl []model.ExploitationEntry
	if g.prev != nil {
		prevGraph = g.prev.InferredAttackGraph
		prevExpl = g.prev.ContainersExploitation
	}

	deltas, err := p.c.Inferer.Infer(ctx, reasoning.InferenceInput{
		Epoch:        epoch,
		Graph:        prevGraph,
		Exploitation: prevExpl,
		Events:       g.events,
		Containers:   g.containers,
	})
	if err != nil {
		logger.Warn("Graph inference failed, keeping previous graph", "error", err)
		p.fail(StepInfer)
		return p.score(graph.Fallback(prevGraph, prevExpl, g.containers))
	}

	res, err := graph.Merge(prevGraph, prevExpl, g.containers, graph.Backfill(deltas, prevGraph))
	switch {
	case errors.Is(err, graph.ErrRejected):
		logger.Warn("Delta batch rejected, keeping previous graph", "error", err)
		if p.metrics != nil {
			p.metrics.IncMergeRejections()
		}
		return p.score(graph.Fallback(prevGraph, prevExpl, g.containers))
	case err != nil:
		logger.Error("Stored attack graph is malformed, keeping it unchanged", "error", err)
		p.fail(StepInfer)
		return p.score(graph.Fallback(prevGraph, prevExpl, g.containers))
	}

	if p.metrics != nil {
		p.metrics.AddBackfilledPhases(res.AddedPhases)
	}
	logger.Info("Merged attack graph",
		"added_phases", res.AddedPhases,
		"new_edges", res.NewEdges,
		"edges", len(res.Graph.Edges))
	return p.score(res)
}

// score publishes the exploitation gauges of res
func (p *Pipeline) score(res graph.Result) graph.Result {
	if p.metrics != nil {
		for _, e := range res.Exploitation {
			p.metrics.SetExploitation(e.IP, e.Service, e.LevelNew)
		}
	}
	return res
}

func (p *Pipeline) decide(ctx context.Context, epoch int, cfg *config.Snapshot, g gathered, res graph.Result, logger *slog.Logger) model.ExposureDecision {
	in := reasoning.ExposureInput{
		Epoch:        epoch,
		Containers:   g.containers,
		Exploitation: res.Exploitation,
		Registry:     recentRegistry(g.history, cfg.HistoryLimit),
		Standings:    registry.Assess(g.history, res.Exploitation, g.containers, cfg.ExhaustionEpochs),
	}
	if g.prev != nil && !g.prev.LockdownStatus {
		in.Current = g.prev.SelectedContainer
	}

	d, err := p.c.Decider.Decide(ctx, in)
	if err == nil {
		checked, cerr := p.guardrail.Check(d, in.Standings)
		if cerr == nil {
			return checked
		}
		err = cerr
	}
	logger.Warn("Exposure decision unusable, applying selection policy", "error", err)
	p.fail(StepDecide)

	d, err = p.fallbackDecider.Decide(ctx, in)
	if err == nil {
		checked, cerr := p.guardrail.Check(d, in.Standings)
		if cerr == nil {
			return checked
		}
		err = cerr
	}
	logger.Error("Selection policy failed, keeping previous exposure", "error", err)
	return keepPrevious(g.prev)
}

func (p *Pipeline) enforce(ctx context.Context, cfg *config.Snapshot, g gathered, d model.ExposureDecision, logger *slog.Logger) firewall.Applied {
	none := firewall.Applied{Added: []string{}, Removed: []string{}}
	if !g.rulesKnown {
		p.fail(StepFirewall)
		return none
	}

	in := reasoning.FirewallInput{
		Lockdown:   d.Lockdown,
		Rules:      g.rules,
		Containers: g.containers,
	}
	if !d.Lockdown && d.SelectedContainer.IP != "" {
		sc := d.SelectedContainer
		in.Selected = &sc
	}

	plan, err := p.c.Planner.Plan(ctx, in)
	if err != nil {
		logger.Warn("Firewall planning failed, using rule planner", "error", err)
		p.fail(StepFirewall)
		plan, err = reasoning.NewRulePlanner(cfg.BaselineRules).Plan(ctx, in)
		if err != nil {
			return none
		}
	}

	executor := firewall.NewExecutor(p.c.Firewall, cfg.BaselineRules, p.metrics, logger)
	applied, err := executor.Apply(ctx, plan.Actions)
	if err != nil {
		logger.Error("Firewall unavailable, no rules applied", "error", err)
		p.fail(StepFirewall)
		return none
	}
	return applied
}

func (p *Pipeline) observe(step string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveStep(step, time.Since(start).Seconds())
	}
}

func (p *Pipeline) fail(step string) {
	if p.metrics != nil {
		p.metrics.IncStepFailure(step)
	}
}

// recentRegistry merges the registries persisted by the last limit iterations
func recentRegistry(history []model.Iteration, limit int) model.ExposureRegistry {
	recent := history
	if limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	regs := make([]model.ExposureRegistry, 0, len(recent))
	for _, it := range recent {
		regs = append(regs, it.ExposureRegistry)
	}
	return registry.Merge(regs...)
}

// keepPrevious repeats the previous epoch's exposure
func keepPrevious(prev *model.Iteration) model.ExposureDecision {
	d := model.ExposureDecision{Reasoning: "no usable decision, keeping previous exposure"}
	if prev == nil {
		return d
	}
	d.Lockdown = prev.LockdownStatus
	if prev.SelectedContainer != nil && !prev.LockdownStatus {
		d.SelectedContainer = *prev.SelectedContainer
		d.SelectedContainer.Epoch = 0
	}
	return d
}

func ipOf(sc *model.SelectedContainer) string {
	if sc == nil {
		return ""
	}
	return sc.IP
}

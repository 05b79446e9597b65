package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/config"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/firewall"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/reasoning"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/sensor"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/store"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

const (
	attacker = "192.168.100.5"
	web      = "172.20.0.5"
	db       = "172.20.0.6"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixedConfig struct {
	snapshot *config.Snapshot
}

func (f fixedConfig) Current() *config.Snapshot {
	s := *f.snapshot
	return &s
}

type fakeAlerts struct {
	alerts []model.Alert
	err    error
}

func (f fakeAlerts) Alerts(context.Context, time.Duration) ([]model.Alert, error) {
	return f.alerts, f.err
}

type failingInventory struct{}

func (failingInventory) Containers(context.Context) ([]model.Container, error) {
	return nil, errors.New("docker unreachable")
}

// fakeFirewall renumbers rules after removal like iptables does
type fakeFirewall struct {
	mu       sync.Mutex
	rules    []model.FirewallRule
	rulesErr error
	applyErr error
}

func newFakeFirewall() *fakeFirewall {
	f := &fakeFirewall{}
	for i := 1; i <= firewall.DefaultBaselineRules; i++ {
		f.rules = append(f.rules, model.FirewallRule{Number: i, Target: "ACCEPT", Protocol: "all", Source: "0.0.0.0/0", Destination: "0.0.0.0/0"})
	}
	return f
}

func (f *fakeFirewall) add(target, src, dst, proto string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.rules = append(f.rules, model.FirewallRule{Number: len(f.rules) + 1, Target: target, Protocol: proto, Source: src, Destination: dst})
	return fmt.Sprintf("%s %s -> %s", target, src, dst), nil
}

func (f *fakeFirewall) AddAllowRule(_ context.Context, src, dst, proto string) (string, error) {
	return f.add("ACCEPT", src, dst, proto)
}

func (f *fakeFirewall) AddBlockRule(_ context.Context, src, dst, proto string) (string, error) {
	return f.add("DROP", src, dst, proto)
}

func (f *fakeFirewall) RemoveRules(_ context.Context, numbers []int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	drop := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		drop[n] = true
	}
	var kept []model.FirewallRule
	for _, r := range f.rules {
		if !drop[r.Number] {
			r.Number = len(kept) + 1
			kept = append(kept, r)
		}
	}
	f.rules = kept
	sorted := append([]int(nil), numbers...)
	sort.Ints(sorted)
	return fmt.Sprintf("removed %v", sorted), nil
}

func (f *fakeFirewall) Rules(context.Context) ([]model.FirewallRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return append([]model.FirewallRule(nil), f.rules...), nil
}

func (f *fakeFirewall) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules)
}

func inventory() sensor.StaticInventory {
	return sensor.StaticInventory{
		{IP: web, Service: "web-1", Image: "vulhub/bash:4.3", Ports: []string{"80/tcp"}},
		{IP: db, Service: "db-1", Image: "mysql:5.5", Ports: []string{"3306/tcp"}},
	}
}

func scanAlert() model.Alert {
	return model.Alert{
		DestIP: web, DestPort: 80, Proto: "tcp", Signature: "ET SCAN nmap", Severity: 2,
		SrcIP: attacker, SrcPort: 40000, Timestamp: time.Now(),
	}
}

func deltaOn(to string, phase taxonomy.Phase, quote string) model.DeltaOutput {
	return model.DeltaOutput{EdgeUpdates: []model.EdgeUpdate{{
		From:      attacker,
		To:        to,
		NewPhases: []model.PhaseDelta{{Phase: phase, EvidenceQuotes: []string{quote}}},
	}}}
}

type harness struct {
	fw       *fakeFirewall
	store    *store.MemoryStore
	metrics  *metrics.Metrics
	comp     Components
	pipeline *Pipeline
}

func newHarness(t *testing.T, mutate func(*Components)) *harness {
	t.Helper()

	h := &harness{
		fw:      newFakeFirewall(),
		store:   store.NewMemoryStore(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	h.comp = Components{
		Alerts:    fakeAlerts{alerts: []model.Alert{scanAlert()}},
		Inventory: inventory(),
		Firewall:  h.fw,
		Store:     h.store,
		Inferer:   reasoning.StaticInferer{Output: deltaOn(web, taxonomy.Scan, "ET SCAN nmap")},
		Decider:   reasoning.StaticDecider{Decision: model.ExposureDecision{SelectedContainer: model.SelectedContainer{IP: web}}},
		Planner:   reasoning.NewRulePlanner(0),
		Config:    fixedConfig{snapshot: config.Defaults()},
	}
	if mutate != nil {
		mutate(&h.comp)
	}
	h.pipeline = NewPipeline(h.comp, h.metrics, testLogger())
	return h
}

func entryFor(it model.Iteration, ip string) model.ExploitationEntry {
	for _, e := range it.ContainersExploitation {
		if e.IP == ip {
			return e
		}
	}
	return model.ExploitationEntry{}
}

func TestPipeline_ExposesAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	it, err := h.pipeline.Run(ctx, 1)
	require.NoError(t, err)

	assert.NotEmpty(t, it.ID)
	assert.Equal(t, 1, it.Epoch)
	require.NotNil(t, it.SelectedContainer)
	assert.Equal(t, model.SelectedContainer{IP: web, Service: "web-1", CurrentLevel: 25, Epoch: 1}, *it.SelectedContainer)
	assert.False(t, it.LockdownStatus)

	assert.Equal(t, 25, entryFor(it, web).LevelNew)
	assert.True(t, entryFor(it, web).Changed)
	assert.Equal(t, 0, entryFor(it, db).LevelNew)

	require.Len(t, it.InferredAttackGraph.Edges, 1)
	assert.Equal(t, web, it.InferredAttackGraph.Edges[0].To)

	assert.Len(t, it.RulesAdded, 2)
	assert.Empty(t, it.RulesRemoved)
	assert.Equal(t, 8, h.fw.count())

	require.NotEmpty(t, it.SecurityEvents)
	assert.Equal(t, web, it.SecurityEvents[0].IP)
	assert.NotEmpty(t, it.SecurityEventsSummary)
	assert.Equal(t, model.RegistryEntry{Service: "web-1", FirstEpoch: 1, LastEpoch: 1, EpochsExposed: 1}, it.ExposureRegistry[web])

	n, err := h.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EpochsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BackfilledPhases))

	second, err := h.pipeline.Run(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, second.RulesAdded, "exposure already enforced")
	assert.Equal(t, 8, h.fw.count())
	assert.Equal(t, 25, entryFor(second, web).LevelPrev)
	assert.False(t, entryFor(second, web).Changed)
	assert.Equal(t, 2, second.ExposureRegistry[web].EpochsExposed)
	for _, ind := range second.SecurityEvents[0].CompromiseIndicators {
		assert.False(t, ind.New, "indicator was already seen last epoch")
	}
}

func TestPipeline_RejectedDeltasKeepState(t *testing.T) {
	h := newHarness(t, func(c *Components) {
		bad := deltaOn(web, taxonomy.Scan, "nmap")
		bad.EdgeUpdates[0].From = "10.0.0.1"
		c.Inferer = reasoning.StaticInferer{Output: bad}
	})

	it, err := h.pipeline.Run(context.Background(), 1)
	require.NoError(t, err)

	assert.Empty(t, it.InferredAttackGraph.Edges)
	assert.Equal(t, 0, entryFor(it, web).LevelNew)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MergeRejections))
}

func TestPipeline_InferenceFailureRollsForward(t *testing.T) {
	h := newHarness(t, func(c *Components) {
		c.Inferer = reasoning.StaticInferer{Err: reasoning.ErrSchemaViolation}
	})

	it, err := h.pipeline.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, it.InferredAttackGraph.Edges)
	assert.Len(t, it.ContainersExploitation, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EpochFailures.WithLabelValues(StepInfer)))
}

func TestPipeline_GuardrailFallsBackToPolicy(t *testing.T) {
	h := newHarness(t, func(c *Components) {
		c.Inferer = reasoning.StaticInferer{}
		c.Decider = reasoning.StaticDecider{Decision: model.ExposureDecision{
			SelectedContainer: model.SelectedContainer{IP: "172.20.0.99"},
		}}
	})

	it, err := h.pipeline.Run(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, it.SelectedContainer)
	assert.Equal(t, web, it.SelectedContainer.IP)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EpochFailures.WithLabelValues(StepDecide)))
}

func TestPipeline_LockdownWhenEverythingSettled(t *testing.T) {
	h := newHarness(t, func(c *Components) {
		c.Inventory = sensor.StaticInventory{{IP: web, Service: "web-1"}}
		c.Inferer = reasoning.StaticInferer{Output: deltaOn(web, taxonomy.PrivilegeEscalation, "uid=0(root)")}
	})
	_, err := h.fw.AddAllowRule(context.Background(), "192.168.100.0/24", web, "tcp")
	require.NoError(t, err)

	it, err := h.pipeline.Run(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, it.LockdownStatus)
	assert.Nil(t, it.SelectedContainer)
	assert.Equal(t, 100, entryFor(it, web).LevelNew)
	assert.Len(t, it.RulesRemoved, 1)
	assert.Equal(t, firewall.DefaultBaselineRules, h.fw.count())
	assert.Empty(t, it.ExposureRegistry)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LockdownActive))

	edge := it.InferredAttackGraph.Edges[0]
	assert.Len(t, edge.Phases, 4, "lower phases are backfilled")
}

func TestPipeline_FirewallFailuresDegrade(t *testing.T) {
	t.Run("rules unavailable", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fw.rulesErr = errors.New("agent down")

		it, err := h.pipeline.Run(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, it.RulesAdded)
		assert.Equal(t, firewall.DefaultBaselineRules, h.fw.count())
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EpochFailures.WithLabelValues(StepFirewall)))
	})

	t.Run("apply unavailable", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fw.applyErr = fmt.Errorf("%w: connection refused", firewall.ErrUnavailable)

		it, err := h.pipeline.Run(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, it.RulesAdded)
		assert.Empty(t, it.RulesRemoved)
		require.NotNil(t, it.SelectedContainer, "the decision is still recorded")
	})

	t.Run("planner failure uses rule planner", func(t *testing.T) {
		h := newHarness(t, func(c *Components) {
			c.Planner = reasoning.StaticPlanner{Err: errors.New("llm down")}
		})

		it, err := h.pipeline.Run(context.Background(), 1)
		require.NoError(t, err)
		assert.Len(t, it.RulesAdded, 2)
	})
}

func TestPipeline_AlertFailureContinues(t *testing.T) {
	h := newHarness(t, func(c *Components) {
		c.Alerts = fakeAlerts{err: errors.New("nats down")}
	})

	it, err := h.pipeline.Run(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, it.SecurityEvents, 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.EpochFailures.WithLabelValues(StepGather)))
}

func TestPipeline_InventoryFailureFailsEpoch(t *testing.T) {
	h := newHarness(t, func(c *Components) {
		c.Inventory = failingInventory{}
	})

	_, err := h.pipeline.Run(context.Background(), 1)
	require.Error(t, err)

	n, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type scriptedPipeline struct {
	mu       sync.Mutex
	epochs   []int
	lockdown map[int]bool
	fail     map[int]bool
	store    store.Store
}

func (s *scriptedPipeline) Run(ctx context.Context, epoch int) (model.Iteration, error) {
	s.mu.Lock()
	s.epochs = append(s.epochs, epoch)
	s.mu.Unlock()

	if s.fail[epoch] {
		return model.Iteration{}, errors.New("boom")
	}
	it := model.Iteration{Epoch: epoch, LockdownStatus: s.lockdown[epoch]}
	id, err := s.store.SaveIteration(ctx, it)
	it.ID = id
	return it, err
}

func newTestRunner(p *scriptedPipeline, s store.Store, cfg *config.Snapshot) (*Runner, *[]time.Duration) {
	r := NewRunner(p, s, fixedConfig{snapshot: cfg}, testLogger())
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return r, &waits
}

func TestRunner_StopsOnLockdown(t *testing.T) {
	s := store.NewMemoryStore()
	p := &scriptedPipeline{store: s, lockdown: map[int]bool{3: true}}
	cfg := config.Defaults()

	r, waits := newTestRunner(p, s, cfg)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, p.epochs)
	assert.Equal(t, Summary{Epochs: 3, LastEpoch: 3, Lockdown: true}, summary)
	assert.Equal(t, []time.Duration{
		cfg.FirewallUpdateWait(), cfg.AttackDuration(), cfg.MonitorAccumulationWait(), cfg.BetweenEpochWait(),
		cfg.FirewallUpdateWait(), cfg.AttackDuration(), cfg.MonitorAccumulationWait(), cfg.BetweenEpochWait(),
	}, *waits)
}

func TestRunner_MaxEpochsAndFailures(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.SaveIteration(context.Background(), model.Iteration{Epoch: 7})
	require.NoError(t, err)

	p := &scriptedPipeline{store: s, fail: map[int]bool{9: true}}
	cfg := config.Defaults()
	cfg.MaxEpochs = 3
	cfg.StopOnLockdown = false

	r, waits := newTestRunner(p, s, cfg)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	// epoch 9 failed without persisting, so the next run retries it
	assert.Equal(t, []int{8, 9, 9}, p.epochs)
	assert.Equal(t, 3, summary.Epochs)
	assert.Equal(t, 2, summary.Failures)
	assert.Equal(t, 8, summary.LastEpoch)
	assert.Len(t, *waits, 8, "no wait after the last epoch")
}

func TestRunner_CancelledDuringWait(t *testing.T) {
	s := store.NewMemoryStore()
	p := &scriptedPipeline{store: s}
	r := NewRunner(p, s, fixedConfig{snapshot: config.Defaults()}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Epochs)
}

func TestRunner_RunOnceBusy(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewRunner(&scriptedPipeline{store: s}, s, fixedConfig{snapshot: config.Defaults()}, testLogger())

	r.mu.Lock()
	_, err := r.RunOnce(context.Background())
	r.mu.Unlock()
	assert.ErrorIs(t, err, ErrBusy)

	it, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, it.Epoch)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), 0))
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

func TestScheduler(t *testing.T) {
	s := store.NewMemoryStore()
	p := &scriptedPipeline{store: s}
	r := NewRunner(p, s, fixedConfig{snapshot: config.Defaults()}, testLogger())
	sched := NewScheduler(r, testLogger())

	assert.Error(t, sched.Schedule(context.Background(), "not a cron"))
	require.NoError(t, sched.Schedule(context.Background(), "* * * * * *"))

	sched.trigger(context.Background())
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.mu.Lock()
	sched.trigger(context.Background())
	r.mu.Unlock()
	n, err = s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "overlapping trigger is skipped")

	sched.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(ctx))
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/epoch"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/store"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/taxonomy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubTrigger struct {
	it  model.Iteration
	err error
}

func (t stubTrigger) RunOnce(context.Context) (model.Iteration, error) {
	return t.it, t.err
}

func seeded(t *testing.T) (*store.MemoryStore, []string) {
	t.Helper()
	s := store.NewMemoryStore()

	var ids []string
	for n := 1; n <= 3; n++ {
		id, err := s.SaveIteration(context.Background(), model.Iteration{
			Epoch:             n,
			SelectedContainer: &model.SelectedContainer{IP: "172.20.0.5", Service: "web-1", CurrentLevel: 25, Epoch: n},
			ExposureRegistry: model.ExposureRegistry{
				"172.20.0.5": {Service: "web-1", FirstEpoch: 1, LastEpoch: n, EpochsExposed: n},
			},
			ContainersExploitation: []model.ExploitationEntry{
				{IP: "172.20.0.5", Service: "web-1", LevelPrev: 25, LevelNew: 25, EvidenceQuotes: []string{}},
			},
			InferredAttackGraph: model.AttackGraph{Edges: []model.Edge{{
				From: "192.168.100.5", To: "172.20.0.5",
				Phases:       []model.PhaseRecord{{Phase: taxonomy.Scan, EvidenceQuotes: []string{"nmap"}}},
				CurrentPhase: taxonomy.Scan, Vector: taxonomy.Scan,
			}}},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return s, ids
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), testLogger())

	rec, body := do(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_Ready(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		srv := NewServer(store.NewMemoryStore(), testLogger(),
			WithReadinessCheck("nats", func(context.Context) error { return nil }))

		rec, body := do(t, srv, http.MethodGet, "/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]interface{}{"store": "ok", "nats": "ok"}, body["checks"])
	})

	t.Run("dependency down", func(t *testing.T) {
		srv := NewServer(store.NewMemoryStore(), testLogger(),
			WithReadinessCheck("nats", func(context.Context) error { return errors.New("disconnected") }))

		rec, body := do(t, srv, http.MethodGet, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", body["status"])
	})
}

func TestServer_Iterations(t *testing.T) {
	s, ids := seeded(t)
	srv := NewServer(s, testLogger())

	tests := []struct {
		name   string
		target string
		code   int
		count  float64
	}{
		{name: "default limit", target: "/iterations", code: http.StatusOK, count: 3},
		{name: "limited", target: "/iterations?limit=2", code: http.StatusOK, count: 2},
		{name: "zero limit", target: "/iterations?limit=0", code: http.StatusBadRequest},
		{name: "garbage limit", target: "/iterations?limit=abc", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, srv, http.MethodGet, tt.target)
			require.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.count, body["count"])
				first := body["iterations"].([]interface{})[0].(map[string]interface{})
				assert.Equal(t, ids[2], first["id"], "newest first")
			}
		})
	}
}

func TestServer_IterationByID(t *testing.T) {
	s, ids := seeded(t)
	srv := NewServer(s, testLogger())

	rec, body := do(t, srv, http.MethodGet, "/iterations/"+ids[0])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["epoch"])

	rec, _ = do(t, srv, http.MethodGet, "/iterations/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, srv, http.MethodGet, "/iterations/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Iteration not found", body["error"])
}

func TestServer_LatestViews(t *testing.T) {
	s, _ := seeded(t)
	srv := NewServer(s, testLogger())

	rec, body := do(t, srv, http.MethodGet, "/graph")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["epoch"])
	edges := body["graph"].(map[string]interface{})["edges"].([]interface{})
	assert.Len(t, edges, 1)

	rec, body = do(t, srv, http.MethodGet, "/exploitation")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["containers"], 1)
	assert.Equal(t, false, body["lockdown"])

	rec, body = do(t, srv, http.MethodGet, "/registry")
	require.Equal(t, http.StatusOK, rec.Code)
	entry := body["registry"].(map[string]interface{})["172.20.0.5"].(map[string]interface{})
	assert.Equal(t, float64(3), entry["epochs_exposed"])
}

func TestServer_EmptyStore(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), testLogger())

	for _, target := range []string{"/iterations/latest", "/graph", "/exploitation", "/registry"} {
		rec, _ := do(t, srv, http.MethodGet, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestServer_RunEpoch(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		code    int
	}{
		{name: "disabled", code: http.StatusNotImplemented},
		{name: "busy", trigger: stubTrigger{err: epoch.ErrBusy}, code: http.StatusConflict},
		{name: "failed", trigger: stubTrigger{err: errors.New("inventory unavailable")}, code: http.StatusInternalServerError},
		{name: "ok", trigger: stubTrigger{it: model.Iteration{ID: "abc", Epoch: 4}}, code: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.trigger != nil {
				opts = append(opts, WithTrigger(tt.trigger))
			}
			srv := NewServer(store.NewMemoryStore(), testLogger(), opts...)

			rec, _ := do(t, srv, http.MethodPost, "/epochs")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.IncEpochs()

	srv := NewServer(store.NewMemoryStore(), testLogger(), WithGatherer(reg))
	rec, _ := do(t, srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "epochs_total 1")
}

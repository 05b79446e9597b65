package config

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	require.NoError(t, d.Validate())

	assert.Equal(t, 20, d.MaxEpochs)
	assert.Equal(t, 240*time.Second, d.AttackDuration())
	assert.Equal(t, 5*time.Second, d.MonitorAccumulationWait())
	assert.Equal(t, 2*time.Second, d.FirewallUpdateWait())
	assert.Equal(t, time.Second, d.BetweenEpochWait())
	assert.Equal(t, 2*time.Minute, d.AlertWindow())
	assert.True(t, d.StopOnLockdown)
	assert.Equal(t, registry.ByIP, d.KeyMode())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		field  string
	}{
		{"zero epochs", func(s *Snapshot) { s.MaxEpochs = 0 }, "max_epochs"},
		{"negative wait", func(s *Snapshot) { s.FirewallUpdateWaitSeconds = -1 }, "firewall_update_wait"},
		{"zero window", func(s *Snapshot) { s.AlertWindowMinutes = 0 }, "alert_window"},
		{"bad key mode", func(s *Snapshot) { s.RegistryKeyMode = "service" }, "registry_key_mode"},
		{"zero exhaustion", func(s *Snapshot) { s.ExhaustionEpochs = 0 }, "exhaustion_epochs"},
		{"zero attempts", func(s *Snapshot) { s.MaxAttempts = 0 }, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(s)

			err := s.Validate()
			require.Error(t, err)
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exposure.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_epochs: 5\nstop_on_lockdown: false\nregistry_key_mode: ip_service\n"), 0o644))

	s, err := LoadFile(path, Defaults())
	require.NoError(t, err)

	assert.Equal(t, 5, s.MaxEpochs)
	assert.False(t, s.StopOnLockdown)
	assert.Equal(t, registry.ByIPService, s.KeyMode())
	assert.Equal(t, 240, s.AttackDurationSeconds)
}

func TestLoadFile_MissingAndInvalid(t *testing.T) {
	base := Defaults()

	s, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), base)
	require.NoError(t, err)
	assert.Equal(t, base.MaxEpochs, s.MaxEpochs)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_epochs: -3\n"), 0o644))
	_, err = LoadFile(path, base)
	assert.Error(t, err)
}

func TestClient_GetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config", r.URL.Path)
		w.Write([]byte(`{"configs":[
			{"key":"exposure.max_epochs","value":7},
			{"key":"exposure.stop_on_lockdown","value":"false"},
			{"key":"exposure.registry_key_mode","value":"ip_service"},
			{"key":"correlator.max_findings","value":10}
		],"count":4}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	s, err := c.GetSnapshot(context.Background(), Defaults())
	require.NoError(t, err)

	assert.Equal(t, 7, s.MaxEpochs)
	assert.False(t, s.StopOnLockdown)
	assert.Equal(t, "ip_service", s.RegistryKeyMode)
}

func TestClient_FallbackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	defaults := Defaults()
	defaults.MaxEpochs = 11

	assert.Same(t, defaults, NewClient(srv.URL, testLogger()).GetSnapshotWithFallback(context.Background(), defaults))
	assert.Same(t, defaults, NewClient("", testLogger()).GetSnapshotWithFallback(context.Background(), defaults))
}

func TestManager_HandleChange(t *testing.T) {
	m := NewManager(NewClient("", testLogger()), nil, testLogger())
	require.NoError(t, m.Initialize(context.Background(), Defaults()))

	notified := make(chan *Snapshot, 1)
	m.Subscribe(func(s *Snapshot) { notified <- s })

	m.HandleChange([]byte(`{"key":"exposure.exhaustion_epochs","value":2,"updated_by":"ops","timestamp":1700000000}`))

	assert.Equal(t, 2, m.Current().ExhaustionEpochs)
	assert.Equal(t, time.Unix(1700000000, 0), m.Current().LastUpdated)

	select {
	case s := <-notified:
		assert.Equal(t, 2, s.ExhaustionEpochs)
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}
}

func TestManager_IgnoresInvalidChanges(t *testing.T) {
	m := NewManager(NewClient("", testLogger()), nil, testLogger())
	require.NoError(t, m.Initialize(context.Background(), Defaults()))

	m.HandleChange([]byte(`{"key":"exposure.max_epochs","value":0}`))
	m.HandleChange([]byte(`{"key":"correlator.max_findings","value":5}`))
	m.HandleChange([]byte(`not json`))

	assert.Equal(t, 20, m.Current().MaxEpochs)
}

func TestManager_CurrentIsCopy(t *testing.T) {
	m := NewManager(NewClient("", testLogger()), nil, testLogger())
	require.NoError(t, m.Initialize(context.Background(), Defaults()))

	m.Current().MaxEpochs = 99
	assert.Equal(t, 20, m.Current().MaxEpochs)
}

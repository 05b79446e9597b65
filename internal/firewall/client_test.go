package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_AddAllowRule(t *testing.T) {
	var got ruleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rules/allow", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"ACCEPT tcp 192.168.100.0/24 -> 172.20.0.5"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL + "/"}, testLogger())
	msg, err := c.AddAllowRule(context.Background(), "192.168.100.0/24", "172.20.0.5", "tcp")
	require.NoError(t, err)

	assert.Equal(t, "ACCEPT tcp 192.168.100.0/24 -> 172.20.0.5", msg)
	assert.Equal(t, ruleRequest{SourceIP: "192.168.100.0/24", DestIP: "172.20.0.5", Protocol: "tcp"}, got)
}

func TestHTTPClient_RemoveRulesPlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req removeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int{8, 7}, req.RuleNumbers)
		w.Write([]byte("removed 2 rules\n"))
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	msg, err := c.RemoveRules(context.Background(), []int{8, 7})
	require.NoError(t, err)
	assert.Equal(t, "removed 2 rules", msg)
}

func TestHTTPClient_Rules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"rules":[{"num":7,"target":"ACCEPT","prot":"tcp","source":"192.168.100.0/24","destination":"172.20.0.5"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	rules, err := c.Rules(context.Background())
	require.NoError(t, err)

	require.Len(t, rules, 1)
	assert.Equal(t, 7, rules[0].Number)
	assert.Equal(t, "172.20.0.5", rules[0].Destination)
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unavailable bool
	}{
		{"server error", http.StatusServiceUnavailable, true},
		{"client error", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewHTTPClient(ClientConfig{BaseURL: srv.URL}, testLogger())
			_, err := c.AddBlockRule(context.Background(), "a", "b", "tcp")
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, ErrUnavailable))
		})
	}
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: url}, testLogger())
	_, err := c.Rules(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

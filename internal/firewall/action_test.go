package firewall

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_PriorityOrderIsStable(t *testing.T) {
	actions := []Action{
		Block("192.168.100.0/24", "172.20.0.6", ""),
		Allow("192.168.100.0/24", "172.20.0.5", "tcp"),
		Remove(9),
		Allow("172.20.0.5", "192.168.100.0/24", "tcp"),
		Remove(7, 8),
		{Kind: ActionKind("Reboot")},
	}

	out := Sequence(actions)

	require.Len(t, out, 6)
	assert.Equal(t, []int{9}, out[0].RuleNumbers)
	assert.Equal(t, []int{7, 8}, out[1].RuleNumbers)
	assert.Equal(t, "172.20.0.5", out[2].Dest)
	assert.Equal(t, "172.20.0.5", out[3].Source)
	assert.Equal(t, KindBlock, out[4].Kind)
	assert.Equal(t, ActionKind("Reboot"), out[5].Kind)

	assert.Equal(t, KindBlock, actions[0].Kind, "input must not be reordered")
}

func TestSequence_Empty(t *testing.T) {
	assert.Empty(t, Sequence(nil))
}

func TestAction_JSON(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		expect Action
	}{
		{
			name:   "allow with default protocol",
			raw:    `{"type":"AddAllowRule","source_ip":"192.168.100.0/24","dest_ip":"172.20.0.5"}`,
			expect: Action{Kind: KindAllow, Source: "192.168.100.0/24", Dest: "172.20.0.5", Protocol: "tcp"},
		},
		{
			name:   "block",
			raw:    `{"type":"AddBlockRule","source_ip":"172.20.0.5","dest_ip":"192.168.100.0/24","protocol":"udp"}`,
			expect: Action{Kind: KindBlock, Source: "172.20.0.5", Dest: "192.168.100.0/24", Protocol: "udp"},
		},
		{
			name:   "remove",
			raw:    `{"type":"RemoveFirewallRule","rule_numbers":[7,8]}`,
			expect: Action{Kind: KindRemove, RuleNumbers: []int{7, 8}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Action
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &a))
			assert.Equal(t, tt.expect, a)
		})
	}
}

func TestAction_UnmarshalRejectsUnknownType(t *testing.T) {
	var a Action
	err := json.Unmarshal([]byte(`{"type":"FlushAll"}`), &a)
	assert.Error(t, err)
}

func TestAction_MarshalDefaultsProtocol(t *testing.T) {
	data, err := json.Marshal(Allow("192.168.100.0/24", "172.20.0.5", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"AddAllowRule","source_ip":"192.168.100.0/24","dest_ip":"172.20.0.5","protocol":"tcp"}`, string(data))
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
)

// KeyPrefix scopes the configuration keys this service reads
const KeyPrefix = "exposure."

// Snapshot represents the current run configuration of the exposure loop
type Snapshot struct {
	MaxEpochs                      int       `json:"max_epochs" yaml:"max_epochs"`
	AttackDurationSeconds          int       `json:"attack_duration" yaml:"attack_duration"`
	MonitorAccumulationWaitSeconds int       `json:"monitor_accumulation_wait" yaml:"monitor_accumulation_wait"`
	FirewallUpdateWaitSeconds      int       `json:"firewall_update_wait" yaml:"firewall_update_wait"`
	BetweenEpochWaitSeconds        int       `json:"between_epoch_wait" yaml:"between_epoch_wait"`
	StopOnLockdown                 bool      `json:"stop_on_lockdown" yaml:"stop_on_lockdown"`
	AlertWindowMinutes             int       `json:"alert_window" yaml:"alert_window"`
	RegistryKeyMode                string    `json:"registry_key_mode" yaml:"registry_key_mode"`
	ExhaustionEpochs               int       `json:"exhaustion_epochs" yaml:"exhaustion_epochs"`
	HistoryLimit                   int       `json:"history_limit" yaml:"history_limit"`
	MaxAttempts                    int       `json:"max_attempts" yaml:"max_attempts"`
	BaselineRules                  int       `json:"baseline_rules" yaml:"baseline_rules"`
	LastUpdated                    time.Time `json:"last_updated" yaml:"-"`
}

// ValidationError describes an invalid configuration value
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Defaults returns the built-in run configuration
func Defaults() *Snapshot {
	return &Snapshot{
		MaxEpochs:                      20,
		AttackDurationSeconds:          240,
		MonitorAccumulationWaitSeconds: 5,
		FirewallUpdateWaitSeconds:      2,
		BetweenEpochWaitSeconds:        1,
		StopOnLockdown:                 true,
		AlertWindowMinutes:             2,
		RegistryKeyMode:                string(registry.ByIP),
		ExhaustionEpochs:               registry.DefaultExhaustionEpochs,
		HistoryLimit:                   10,
		MaxAttempts:                    3,
		BaselineRules:                  6,
		LastUpdated:                    time.Now(),
	}
}

// LoadFile overlays the YAML file at path onto base. A missing path is not an error.
func LoadFile(path string, base *Snapshot) (*Snapshot, error) {
	out := *base
	if path == "" {
		return &out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &out, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &out, nil
}

// Validate checks the snapshot for values the runner cannot use
func (s *Snapshot) Validate() error {
	if s.MaxEpochs <= 0 {
		return ValidationError{Field: "max_epochs", Message: "must be positive"}
	}
	for field, v := range map[string]int{
		"attack_duration":           s.AttackDurationSeconds,
		"monitor_accumulation_wait": s.MonitorAccumulationWaitSeconds,
		"firewall_update_wait":      s.FirewallUpdateWaitSeconds,
		"between_epoch_wait":        s.BetweenEpochWaitSeconds,
		"baseline_rules":            s.BaselineRules,
	} {
		if v < 0 {
			return ValidationError{Field: field, Message: "must not be negative"}
		}
	}
	if s.AlertWindowMinutes <= 0 {
		return ValidationError{Field: "alert_window", Message: "must be positive"}
	}
	if _, err := registry.ParseKeyMode(s.RegistryKeyMode); err != nil {
		return ValidationError{Field: "registry_key_mode", Message: err.Error()}
	}
	if s.ExhaustionEpochs <= 0 {
		return ValidationError{Field: "exhaustion_epochs", Message: "must be positive"}
	}
	if s.HistoryLimit <= 0 {
		return ValidationError{Field: "history_limit", Message: "must be positive"}
	}
	if s.MaxAttempts <= 0 {
		return ValidationError{Field: "max_attempts", Message: "must be positive"}
	}
	return nil
}

// AttackDuration is how long the attacker is given after the firewall update
func (s *Snapshot) AttackDuration() time.Duration {
	return seconds(s.AttackDurationSeconds)
}

// MonitorAccumulationWait is the pause before alerts are collected
func (s *Snapshot) MonitorAccumulationWait() time.Duration {
	return seconds(s.MonitorAccumulationWaitSeconds)
}

// FirewallUpdateWait is the pause after firewall changes are applied
func (s *Snapshot) FirewallUpdateWait() time.Duration {
	return seconds(s.FirewallUpdateWaitSeconds)
}

// BetweenEpochWait is the pause between two epochs
func (s *Snapshot) BetweenEpochWait() time.Duration {
	return seconds(s.BetweenEpochWaitSeconds)
}

// AlertWindow is how far back alerts are collected
func (s *Snapshot) AlertWindow() time.Duration {
	return time.Duration(s.AlertWindowMinutes) * time.Minute
}

// KeyMode returns the parsed registry key mode
func (s *Snapshot) KeyMode() registry.KeyMode {
	mode, err := registry.ParseKeyMode(s.RegistryKeyMode)
	if err != nil {
		return registry.ByIP
	}
	return mode
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// apply sets one "exposure.*" key on the snapshot. It reports whether the key was known.
func apply(s *Snapshot, key string, raw json.RawMessage) bool {
	name := strings.TrimPrefix(key, KeyPrefix)
	if name == key {
		return false
	}

	switch name {
	case "max_epochs":
		return setInt(&s.MaxEpochs, raw)
	case "attack_duration":
		return setInt(&s.AttackDurationSeconds, raw)
	case "monitor_accumulation_wait":
		return setInt(&s.MonitorAccumulationWaitSeconds, raw)
	case "firewall_update_wait":
		return setInt(&s.FirewallUpdateWaitSeconds, raw)
	case "between_epoch_wait":
		return setInt(&s.BetweenEpochWaitSeconds, raw)
	case "alert_window":
		return setInt(&s.AlertWindowMinutes, raw)
	case "exhaustion_epochs":
		return setInt(&s.ExhaustionEpochs, raw)
	case "history_limit":
		return setInt(&s.HistoryLimit, raw)
	case "max_attempts":
		return setInt(&s.MaxAttempts, raw)
	case "baseline_rules":
		return setInt(&s.BaselineRules, raw)
	case "stop_on_lockdown":
		return setBool(&s.StopOnLockdown, raw)
	case "registry_key_mode":
		var mode string
		if err := json.Unmarshal(raw, &mode); err != nil {
			mode = string(raw)
		}
		s.RegistryKeyMode = mode
		return true
	default:
		return false
	}
}

// setInt accepts a JSON number or a bare/quoted decimal string
func setInt(dst *int, raw json.RawMessage) bool {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		*dst = n
		return true
	}
	if v, err := strconv.Atoi(strings.Trim(string(raw), `"`)); err == nil {
		*dst = v
		return true
	}
	return false
}

func setBool(dst *bool, raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		*dst = b
		return true
	}
	if v, err := strconv.ParseBool(strings.Trim(string(raw), `"`)); err == nil {
		*dst = v
		return true
	}
	return false
}

package reasoning

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/registry"
)

// ErrDecisionRejected is wrapped by every guardrail rejection
var ErrDecisionRejected = errors.New("exposure decision rejected")

// RejectionError explains why a decision failed the guardrail
type RejectionError struct {
	IP     string
	Reason string
}

func (e *RejectionError) Error() string {
	if e.IP == "" {
		return fmt.Sprintf("exposure decision rejected: %s", e.Reason)
	}
	return fmt.Sprintf("exposure decision rejected for %s: %s", e.IP, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrDecisionRejected
}

// Guardrail is the deterministic post-check applied to every exposure decision
type Guardrail struct {
	logger *slog.Logger
}

// NewGuardrail creates a guardrail
func NewGuardrail(logger *slog.Logger) *Guardrail {
	return &Guardrail{logger: logger}
}

// Check validates d against the container standings.
//
// When every container is settled the decision is forced into lockdown with
// no selection. Otherwise lockdown is rejected, and so is a selection that is
// unknown, complete or exhausted. An accepted selection is normalized with
// the inventory service and current level.
func (g *Guardrail) Check(d model.ExposureDecision, standings []registry.Standing) (model.ExposureDecision, error) {
	if registry.AllSettled(standings) {
		if !d.Lockdown {
			g.logger.Warn("Forcing lockdown, every container is settled",
				"selected_ip", d.SelectedContainer.IP)
		}
		return model.ExposureDecision{
			Reasoning: d.Reasoning,
			Lockdown:  true,
		}, nil
	}

	if d.Lockdown {
		return model.ExposureDecision{}, &RejectionError{Reason: "lockdown requested while containers remain open"}
	}

	ip := d.SelectedContainer.IP
	if ip == "" {
		return model.ExposureDecision{}, &RejectionError{Reason: "no container selected"}
	}

	s, ok := registry.Find(standings, ip)
	switch {
	case !ok:
		return model.ExposureDecision{}, &RejectionError{IP: ip, Reason: "not in inventory"}
	case s.Complete():
		return model.ExposureDecision{}, &RejectionError{IP: ip, Reason: "already fully exploited"}
	case s.Exhausted:
		return model.ExposureDecision{}, &RejectionError{IP: ip, Reason: "exhausted"}
	}

	d.SelectedContainer.Service = s.Service
	d.SelectedContainer.CurrentLevel = s.Level
	return d, nil
}

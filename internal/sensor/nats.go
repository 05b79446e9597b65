package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// AlertSubject carries intrusion-detection alerts
const AlertSubject = "ids.alerts"

// AlertSource returns the alerts observed within a time window
type AlertSource interface {
	Alerts(ctx context.Context, window time.Duration) ([]model.Alert, error)
}

// NATSAlertSource buffers alerts received on NATS
type NATSAlertSource struct {
	nc      *nats.Conn
	queue   string
	buffer  *AlertBuffer
	logger  *slog.Logger
	sub     *nats.Subscription
	invalid atomic.Int64
}

// NewNATSAlertSource creates an alert source retaining alerts for retention
func NewNATSAlertSource(nc *nats.Conn, queue string, retention time.Duration, logger *slog.Logger) *NATSAlertSource {
	return &NATSAlertSource{
		nc:     nc,
		queue:  queue,
		buffer: NewAlertBuffer(retention),
		logger: logger,
	}
}

// Start subscribes to the alert subject and starts buffer garbage collection
func (s *NATSAlertSource) Start() error {
	sub, err := s.nc.QueueSubscribe(AlertSubject, s.queue, s.handleMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to alerts", "error", err)
		return err
	}
	s.sub = sub
	s.buffer.StartGC(time.Minute)

	s.logger.Info("Subscribed to alerts", "subject", AlertSubject, "queue", s.queue)
	return nil
}

// Close drains the subscription and stops garbage collection
func (s *NATSAlertSource) Close() error {
	s.buffer.StopGC()
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain alert subscription: %w", err)
	}
	return nil
}

// Alerts returns buffered alerts newer than window, oldest first
func (s *NATSAlertSource) Alerts(ctx context.Context, window time.Duration) ([]model.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.buffer.Recent(window), nil
}

// InvalidAlerts returns how many messages could not be parsed
func (s *NATSAlertSource) InvalidAlerts() int64 {
	return s.invalid.Load()
}

func (s *NATSAlertSource) handleMessage(msg *nats.Msg) {
	alert, err := ParseAlert(msg.Data)
	if err != nil {
		s.invalid.Add(1)
		s.logger.Warn("Failed to parse alert", "error", err, "data_length", len(msg.Data))
		return
	}
	s.buffer.Add(alert)
}

// eveAlert is the Suricata EVE JSON shape
type eveAlert struct {
	Timestamp        string `json:"timestamp"`
	SrcIP            string `json:"src_ip"`
	SrcPort          int    `json:"src_port"`
	DestIP           string `json:"dest_ip"`
	DestPort         int    `json:"dest_port"`
	Proto            string `json:"proto"`
	Payload          string `json:"payload"`
	PayloadPrintable string `json:"payload_printable"`
	Alert            *struct {
		Signature string `json:"signature"`
		Severity  int    `json:"severity"`
	} `json:"alert"`
	Signature string `json:"signature"`
	Severity  int    `json:"severity"`
}

// eveTimeLayout is Suricata's timestamp format
const eveTimeLayout = "2006-01-02T15:04:05.999999-0700"

// ParseAlert decodes a flat alert or a Suricata EVE alert record
func ParseAlert(data []byte) (model.Alert, error) {
	var raw eveAlert
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Alert{}, fmt.Errorf("invalid alert json: %w", err)
	}
	if raw.DestIP == "" {
		return model.Alert{}, fmt.Errorf("alert has no dest_ip")
	}

	a := model.Alert{
		DestIP:    raw.DestIP,
		DestPort:  raw.DestPort,
		Proto:     strings.ToLower(raw.Proto),
		Signature: raw.Signature,
		Severity:  raw.Severity,
		SrcIP:     raw.SrcIP,
		SrcPort:   raw.SrcPort,
		Payload:   raw.PayloadPrintable,
	}
	if raw.Alert != nil {
		a.Signature = raw.Alert.Signature
		a.Severity = raw.Alert.Severity
	}
	if a.Payload == "" {
		a.Payload = raw.Payload
	}
	if raw.Timestamp != "" {
		ts, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			return model.Alert{}, err
		}
		a.Timestamp = ts
	}
	return a, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, eveTimeLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized alert timestamp %q", s)
}

package sensor

import (
	"sort"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// AlertBuffer keeps recent alerts per destination host with garbage collection
type AlertBuffer struct {
	mu       sync.RWMutex
	hosts    map[string][]model.Alert
	maxAge   time.Duration
	now      func() time.Time
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// NewAlertBuffer creates a buffer that retains alerts for maxAge
func NewAlertBuffer(maxAge time.Duration) *AlertBuffer {
	return &AlertBuffer{
		hosts:  make(map[string][]model.Alert),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// StartGC starts the garbage collection routine
func (b *AlertBuffer) StartGC(interval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gcTicker != nil {
		return
	}

	b.gcTicker = time.NewTicker(interval)
	b.stopGC = make(chan struct{})

	go b.gcRoutine(b.gcTicker, b.stopGC)
}

// StopGC stops the garbage collection routine
func (b *AlertBuffer) StopGC() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gcTicker != nil {
		b.gcTicker.Stop()
		b.gcTicker = nil
	}
	if b.stopGC != nil {
		close(b.stopGC)
		b.stopGC = nil
	}
}

// Add stores an alert. Alerts without a timestamp are stamped on arrival.
func (b *AlertBuffer) Add(a model.Alert) {
	if a.DestIP == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.hosts[a.DestIP] = append(b.hosts[a.DestIP], a)
}

// Recent returns alerts from every host within the window, oldest first
func (b *AlertBuffer) Recent(within time.Duration) []model.Alert {
	cutoff := b.now().Add(-within)

	b.mu.RLock()
	var out []model.Alert
	for _, alerts := range b.hosts {
		for _, a := range alerts {
			if !a.Timestamp.Before(cutoff) {
				out = append(out, a)
			}
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GC removes alerts older than the buffer's maximum age
func (b *AlertBuffer) GC(now time.Time) {
	cutoff := now.Add(-b.maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()

	for host, alerts := range b.hosts {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.Timestamp.After(cutoff) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(b.hosts, host)
			continue
		}
		b.hosts[host] = kept
	}
}

// Stats returns the number of hosts and alerts held
func (b *AlertBuffer) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, alerts := range b.hosts {
		total += len(alerts)
	}
	return map[string]any{
		"host_count":   len(b.hosts),
		"total_alerts": total,
		"max_age":      b.maxAge.String(),
	}
}

func (b *AlertBuffer) gcRoutine(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			b.GC(b.now())
		case <-stop:
			return
		}
	}
}

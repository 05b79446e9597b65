package events

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

const (
	// UnknownService names a host that is not in the inventory
	UnknownService = "service not identified"
	// DefaultSeverity applies to alerts that carry no severity
	DefaultSeverity = 3
	// DefaultProto applies to alerts that carry no protocol
	DefaultProto = "tcp"
	// MaxPayload bounds the payload kept per indicator, in bytes
	MaxPayload = 1000
)

// Snapshot is the set of indicator keys seen in an epoch, used to flag novelty
type Snapshot map[string]bool

type indicatorKey struct {
	signature string
	service   string
	srcIP     string
}

type bucket struct {
	host       model.HostEvents
	indicators map[indicatorKey]*model.Indicator
	order      []indicatorKey
}

// Summarize groups alerts by destination host and collapses duplicates into indicators.
//
// The last exposed container always gets a bucket, even without alerts, and
// its service name overrides the inventory. Alerts without addressing are
// skipped. An indicator is new when its key is absent from previous.
func Summarize(alerts []model.Alert, containers []model.Container, previous Snapshot, lastExposed *model.SelectedContainer) []model.HostEvents {
	services := make(map[string]string, len(containers))
	for _, c := range containers {
		if _, ok := services[c.IP]; !ok {
			services[c.IP] = c.Service
		}
	}

	buckets := make(map[string]*bucket)
	get := func(ip string) *bucket {
		b, ok := buckets[ip]
		if !ok {
			service, known := services[ip]
			if !known {
				service = UnknownService
			}
			b = &bucket{
				host: model.HostEvents{
					IP:                   ip,
					Service:              service,
					CompromiseIndicators: []model.Indicator{},
				},
				indicators: make(map[indicatorKey]*model.Indicator),
			}
			buckets[ip] = b
		}
		return b
	}

	lastIP := ""
	if lastExposed != nil && lastExposed.IP != "" {
		lastIP = lastExposed.IP
		b := get(lastIP)
		if lastExposed.Service != "" {
			b.host.Service = lastExposed.Service
		}
	}

	for _, a := range alerts {
		if !addressed(a) {
			continue
		}

		service := serviceOf(a)
		b := get(a.DestIP)
		k := indicatorKey{signature: a.Signature, service: service, srcIP: a.SrcIP}
		severity := severityOf(a)

		ind, ok := b.indicators[k]
		if !ok {
			ind = &model.Indicator{
				Signature: a.Signature,
				DestPort:  a.DestPort,
				Severity:  severity,
				SrcIP:     a.SrcIP,
				SrcPorts:  []int{},
				New:       !previous[noveltyKey(a.DestIP, k)],
			}
			b.indicators[k] = ind
			b.order = append(b.order, k)
		}

		ind.Count++
		ind.Severity = min(ind.Severity, severity)
		if !containsPort(ind.SrcPorts, a.SrcPort) {
			ind.SrcPorts = append(ind.SrcPorts, a.SrcPort)
		}
		if a.Payload != "" {
			ind.Payload = truncate(a.Payload, MaxPayload)
		}
	}

	hosts := make([]model.HostEvents, 0, len(buckets))
	for _, b := range buckets {
		for _, k := range b.order {
			b.host.CompromiseIndicators = append(b.host.CompromiseIndicators, *b.indicators[k])
		}
		sortIndicators(b.host.CompromiseIndicators)
		hosts = append(hosts, b.host)
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		a, b := hosts[i], hosts[j]
		if ra, rb := hostRank(a.IP, lastIP, services), hostRank(b.IP, lastIP, services); ra != rb {
			return ra < rb
		}
		return a.IP < b.IP
	})

	return hosts
}

// SnapshotOf returns the novelty keys of every addressable alert
func SnapshotOf(alerts []model.Alert) Snapshot {
	snap := make(Snapshot, len(alerts))
	for _, a := range alerts {
		if !addressed(a) {
			continue
		}
		k := indicatorKey{signature: a.Signature, service: serviceOf(a), srcIP: a.SrcIP}
		snap[noveltyKey(a.DestIP, k)] = true
	}
	return snap
}

// IsScan reports whether a signature names a scan
func IsScan(signature string) bool {
	return strings.Contains(strings.ToLower(signature), "scan")
}

func addressed(a model.Alert) bool {
	return a.DestIP != "" && a.DestPort != 0 && a.SrcIP != "" && a.SrcPort != 0
}

func serviceOf(a model.Alert) string {
	proto := strings.ToLower(a.Proto)
	if proto == "" {
		proto = DefaultProto
	}
	return fmt.Sprintf("%s/%d", proto, a.DestPort)
}

func severityOf(a model.Alert) int {
	if a.Severity == 0 {
		return DefaultSeverity
	}
	return a.Severity
}

func noveltyKey(destIP string, k indicatorKey) string {
	return strings.Join([]string{destIP, k.signature, k.service, k.srcIP}, "|")
}

func sortIndicators(inds []model.Indicator) {
	sort.SliceStable(inds, func(i, j int) bool {
		a, b := inds[i], inds[j]
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		if sa, sb := IsScan(a.Signature), IsScan(b.Signature); sa != sb {
			return !sa
		}
		return a.Signature < b.Signature
	})
}

func hostRank(ip, lastIP string, services map[string]string) int {
	if lastIP != "" && ip == lastIP {
		return 0
	}
	if _, ok := services[ip]; ok {
		return 1
	}
	return 2
}

func containsPort(ports []int, p int) bool {
	for _, existing := range ports {
		if existing == p {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

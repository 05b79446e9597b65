package registry

import (
	"fmt"
	"sort"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// KeyMode selects how exposure tracks are keyed
type KeyMode string

const (
	// ByIP groups every service on an address into one track
	ByIP KeyMode = "ip"
	// ByIPService treats a service change on the same address as a new track
	ByIPService KeyMode = "ip_service"
)

// ParseKeyMode validates a configured key mode; empty means ByIP
func ParseKeyMode(s string) (KeyMode, error) {
	switch KeyMode(s) {
	case "", ByIP:
		return ByIP, nil
	case ByIPService:
		return ByIPService, nil
	default:
		return "", fmt.Errorf("unknown registry key mode %q", s)
	}
}

// Key returns the track key for a selected container, or "" when nothing was exposed
func (m KeyMode) Key(sc *model.SelectedContainer) string {
	if sc == nil || sc.IP == "" {
		return ""
	}
	if m == ByIPService {
		return sc.IP + "|" + sc.Service
	}
	return sc.IP
}

// EpochOf returns the iteration's epoch, falling back to the selected container's
func EpochOf(it model.Iteration) int {
	if it.Epoch != 0 {
		return it.Epoch
	}
	if it.SelectedContainer != nil {
		return it.SelectedContainer.Epoch
	}
	return 0
}

// Build replays exposure history into a registry.
//
// When current is non-nil it is treated as the selection for currentEpoch
// and replayed after the history. Each track counts distinct epochs, so a
// record repeated for one epoch is counted once.
func Build(history []model.Iteration, current *model.SelectedContainer, currentEpoch int, mode KeyMode) model.ExposureRegistry {
	type exposure struct {
		epoch int
		sc    *model.SelectedContainer
	}

	items := make([]exposure, 0, len(history)+1)
	for _, it := range history {
		items = append(items, exposure{epoch: EpochOf(it), sc: it.SelectedContainer})
	}
	if current != nil {
		items = append(items, exposure{epoch: currentEpoch, sc: current})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].epoch < items[j].epoch
	})

	reg := make(model.ExposureRegistry)
	counted := make(map[string]int)

	for _, item := range items {
		key := mode.Key(item.sc)
		if key == "" {
			continue
		}

		entry, ok := reg[key]
		if !ok {
			entry = model.RegistryEntry{
				Service:    item.sc.Service,
				FirstEpoch: item.epoch,
				LastEpoch:  item.epoch,
			}
		}

		if last, seen := counted[key]; !seen || last != item.epoch {
			entry.EpochsExposed++
			entry.LastEpoch = item.epoch
			counted[key] = item.epoch
		}

		if entry.Service == "" && item.sc.Service != "" {
			entry.Service = item.sc.Service
		}
		reg[key] = entry
	}

	return reg
}

// Merge combines registries in order; a later registry wins on a shared key
func Merge(registries ...model.ExposureRegistry) model.ExposureRegistry {
	out := make(model.ExposureRegistry)
	for _, reg := range registries {
		for key, entry := range reg {
			out[key] = entry
		}
	}
	return out
}

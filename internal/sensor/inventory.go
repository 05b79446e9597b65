package sensor

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
)

// InventorySource returns the known vulnerable containers
type InventorySource interface {
	Containers(ctx context.Context) ([]model.Container, error)
}

// FileInventory reads the container inventory from a YAML file on every call
type FileInventory struct {
	path string
}

type inventoryFile struct {
	VulnerableContainers []model.Container `yaml:"vulnerable_containers"`
}

// NewFileInventory creates an inventory backed by path
func NewFileInventory(path string) *FileInventory {
	return &FileInventory{path: path}
}

// Containers parses the inventory file. Entries without an IP are dropped.
func (f *FileInventory) Containers(ctx context.Context) ([]model.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", f.path, err)
	}

	out := make([]model.Container, 0, len(inv.VulnerableContainers))
	for _, c := range inv.VulnerableContainers {
		if c.IP == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// StaticInventory is a fixed inventory
type StaticInventory []model.Container

// Containers returns a copy of the inventory
func (s StaticInventory) Containers(context.Context) ([]model.Container, error) {
	out := make([]model.Container, len(s))
	copy(out, s)
	return out, nil
}

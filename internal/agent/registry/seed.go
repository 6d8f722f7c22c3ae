package registry

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// seedEntry is one agent declaration in the seed file.
type seedEntry struct {
	DisplayName  string   `yaml:"displayName"`
	Aliases      []string `yaml:"aliases"`
	Capabilities []string `yaml:"capabilities"`
	Color        string   `yaml:"color"`
}

// SeedFromFile loads YAML agent declarations and inserts them, but only
// when the agents table is empty. A missing path is a no-op.
func (r *Registry) SeedFromFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	count, err := r.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count agents: %w", err)
	}
	if count > 0 {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("agent seed file not found", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var entries map[string]seedEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for id, entry := range entries {
		if _, err := r.Register(ctx, v1.AgentRegistration{
			ID:           id,
			DisplayName:  entry.DisplayName,
			Aliases:      entry.Aliases,
			Capabilities: entry.Capabilities,
			Color:        entry.Color,
		}); err != nil {
			return fmt.Errorf("failed to seed agent %s: %w", id, err)
		}
	}

	r.logger.Info("seeded agents from file",
		zap.String("path", path),
		zap.Int("count", len(entries)))
	return nil
}

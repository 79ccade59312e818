package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/video-downsizer/internal/retention"
	"github.com/MimeLyc/video-downsizer/pkg/icron"
)

// RuntimeSettings are the retention knobs that can be changed while the
// service runs. They are persisted to the settings file.
type RuntimeSettings struct {
	CleanupPolicy string `json:"cleanup_policy"`
	CleanupExpr   string `json:"cleanup_expr"`
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.CleanupPolicy) == "" {
		return fmt.Errorf("cleanup_policy is required")
	}
	if _, err := retention.ParsePolicy(s.CleanupPolicy); err != nil {
		return fmt.Errorf("invalid cleanup_policy: %w", err)
	}
	if strings.TrimSpace(s.CleanupExpr) == "" {
		return fmt.Errorf("cleanup_expr is required")
	}
	if _, err := icron.Parse(s.CleanupExpr); err != nil {
		return fmt.Errorf("invalid cleanup_expr: %w", err)
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		CleanupPolicy: c.Retention.Policy,
		CleanupExpr:   c.Retention.CronExpr,
	}
}

// WithRuntimeSettings overrides the environment with non-empty fields of
// settings, typically loaded from the settings file.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.CleanupPolicy) != "" {
			c.Retention.Policy = settings.CleanupPolicy
		}
		if strings.TrimSpace(settings.CleanupExpr) != "" {
			c.Retention.CronExpr = settings.CleanupExpr
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}
	s.current = next
	return next, nil
}

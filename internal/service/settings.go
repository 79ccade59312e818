package service

import (
	"fmt"
	"sync"

	"github.com/MimeLyc/video-downsizer/internal/config"
	"github.com/MimeLyc/video-downsizer/internal/retention"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

type retentionControl struct {
	mu        sync.Mutex
	sweeper   *retention.Sweeper
	scheduler *retention.Scheduler
	settings  *config.RuntimeSettingsStore
}

// WithRetention lets the service read and change the cleanup settings at
// runtime.
func WithRetention(
	sweeper *retention.Sweeper,
	scheduler *retention.Scheduler,
	settings *config.RuntimeSettingsStore,
) Option {
	return func(s *Service) {
		s.retention = &retentionControl{
			sweeper:   sweeper,
			scheduler: scheduler,
			settings:  settings,
		}
	}
}

var errSettingsUnavailable = fmt.Errorf("runtime settings are not configured")

func (s *Service) RuntimeSettings() (config.RuntimeSettings, error) {
	if s.retention == nil || s.retention.settings == nil {
		return config.RuntimeSettings{}, errSettingsUnavailable
	}
	return s.retention.settings.GetRuntimeSettings(), nil
}

// ApplyRuntimeSettings validates and persists next, then switches the
// sweeper policy and reschedules the sweep.
func (s *Service) ApplyRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error) {
	if s.retention == nil || s.retention.settings == nil {
		return config.RuntimeSettings{}, errSettingsUnavailable
	}
	if err := next.Validate(); err != nil {
		return config.RuntimeSettings{}, err
	}
	policy, err := retention.ParsePolicy(next.CleanupPolicy)
	if err != nil {
		return config.RuntimeSettings{}, err
	}

	rc := s.retention
	rc.mu.Lock()
	defer rc.mu.Unlock()

	current := rc.settings.GetRuntimeSettings()
	if rc.scheduler != nil && next.CleanupExpr != current.CleanupExpr {
		if err := rc.scheduler.Reschedule(next.CleanupExpr); err != nil {
			return config.RuntimeSettings{}, err
		}
	}

	saved, err := rc.settings.UpdateRuntimeSettings(next)
	if err != nil {
		if rc.scheduler != nil && next.CleanupExpr != current.CleanupExpr {
			if rbErr := rc.scheduler.Reschedule(current.CleanupExpr); rbErr != nil {
				log.Error("Failed to restore cleanup schedule %q: %v", current.CleanupExpr, rbErr)
			}
		}
		return config.RuntimeSettings{}, err
	}

	if rc.sweeper != nil {
		rc.sweeper.SetPolicy(policy)
	}
	log.Info("Runtime settings updated: policy=%s expr=%q", saved.CleanupPolicy, saved.CleanupExpr)
	return saved, nil
}

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Service runs the scheduler, validator and monitor as periodic loops
// inside one worker process. Cluster-wide exclusivity comes from the
// per-pass distributed locks, so every worker runs a Service and the
// locks arbitrate.
type Service struct {
	deps      Deps
	log       zerolog.Logger
	scheduler *Scheduler
	validator *Validator
	monitor   *Monitor

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewService creates the periodic coordination service.
func NewService(deps Deps) *Service {
	deps = deps.normalized()
	return &Service{
		deps:      deps,
		log:       deps.Log.With().Str("component", "coordinator").Logger(),
		scheduler: NewScheduler(deps),
		validator: NewValidator(deps),
		monitor:   NewMonitor(deps),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the periodic loops and blocks until Stop is called or ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	cfg := s.deps.Config
	s.log.Info().
		Dur("scheduler_interval", cfg.SchedulerInterval).
		Dur("validator_interval", cfg.ValidatorInterval).
		Dur("monitor_interval", cfg.MonitorInterval).
		Msg("Coordination loops starting")

	schedulerTicker := time.NewTicker(cfg.SchedulerInterval)
	defer schedulerTicker.Stop()
	validatorTicker := time.NewTicker(cfg.ValidatorInterval)
	defer validatorTicker.Stop()
	monitorTicker := time.NewTicker(cfg.MonitorInterval)
	defer monitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-schedulerTicker.C:
			if err := s.scheduler.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("Scheduler pass failed")
			}
		case <-validatorTicker.C:
			if err := s.validator.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("Validator pass failed")
			}
		case <-monitorTicker.C:
			if err := s.monitor.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("Monitor pass failed")
			}
		}
	}
}

// Stop signals the loops to exit and waits for them.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

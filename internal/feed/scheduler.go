package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jusunglee/mtapi-go/internal/metrics"
)

// Updater is anything the scheduler can trigger. Trigger must not block on
// network I/O.
type Updater interface {
	Trigger(ctx context.Context)
}

// Scheduler triggers its updaters every interval from a background loop
type Scheduler struct {
	interval time.Duration
	updaters []Updater
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler
func NewScheduler(interval time.Duration, logger *slog.Logger, updaters ...Updater) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval: interval,
		updaters: updaters,
		logger:   logger,
		metrics:  metrics.Default(),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the refresh loop. It is a no-op if the loop is already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if s.running || s.stopped {
		return
	}
	s.logger.Info("Starting update loop", "interval", s.interval)
	s.running = true
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the refresh loop and waits for it to exit. A stopped scheduler
// cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Alive reports whether the refresh loop is running
func (s *Scheduler) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RestartIfDead restarts the refresh loop if it has died and reports whether
// it did so
func (s *Scheduler) RestartIfDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return false
	}
	s.logger.Warn("Update loop died, restarting")
	s.metrics.LoopRestarted(s.ctx)
	s.startLocked()
	return true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Update loop panicked", "panic", r)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, u := range s.updaters {
				u.Trigger(s.ctx)
			}
		case <-s.stopCh:
			return
		}
	}
}

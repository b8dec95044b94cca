// Package poll triggers scheduled runs, one at a time.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"adsync/pkg/run"
)

// ErrBusy is returned when a run is already in progress.
var ErrBusy = errors.New("run already in progress")

// Runner executes one scheduled run.
type Runner interface {
	Run(ctx context.Context) (*run.Report, error)
}

// Monitor serializes runs over a single browser session.
type Monitor struct {
	runner Runner
	logger *slog.Logger

	mu   sync.Mutex // held for the duration of a run
	last struct {
		sync.Mutex
		report *run.Report
	}
}

// New creates a new poll monitor.
func New(runner Runner, logger *slog.Logger) *Monitor {
	return &Monitor{
		runner: runner,
		logger: logger,
	}
}

// CheckAll runs once unless a run is in progress, in which case it returns ErrBusy.
func (m *Monitor) CheckAll(ctx context.Context) (*run.Report, error) {
	if !m.mu.TryLock() {
		m.logger.Info("Run already in progress, skipping trigger")
		return nil, ErrBusy
	}
	defer m.mu.Unlock()

	started := time.Now()
	m.logger.Info("Scheduled run starting", "timestamp", started.Format(time.RFC3339))
	rep, err := m.runner.Run(ctx)
	if rep != nil {
		m.last.Lock()
		m.last.report = rep
		m.last.Unlock()
	}
	if err != nil {
		m.logger.Error("Scheduled run failed", "duration", time.Since(started).String(), "error", err)
		return rep, err
	}
	m.logger.Info("Scheduled run completed", "duration", time.Since(started).String())
	return rep, nil
}

// Last returns the report of the most recent run, or nil.
func (m *Monitor) Last() *run.Report {
	m.last.Lock()
	defer m.last.Unlock()
	return m.last.report
}

// Loop calls CheckAll every interval until ctx is done. The first run starts
// immediately.
func (m *Monitor) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.CheckAll(ctx); err != nil && !errors.Is(err, ErrBusy) {
			m.logger.Warn("Continuing after failed run", "next_run", time.Now().Add(interval).Format(time.RFC3339))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll loop", "error", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

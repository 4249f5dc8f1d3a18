// Package scheduler drives the backends on a fixed cadence and owns the
// published snapshots.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/polymon/polymon/pkg/backoff"
	"github.com/polymon/polymon/pkg/com"
	"github.com/polymon/polymon/pkg/events"
	"github.com/polymon/polymon/pkg/metrics"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/periodic"
	"github.com/polymon/polymon/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// settleDelay is how long a recheck-all waits after the fan-out before
// triggering the follow-up refresh, giving the monitors time to apply.
const settleDelay = 5 * time.Second

type backendRuntime struct {
	monitor    monitor.Monitor
	isChecking atomic.Bool
	snapshot   com.Atomic[*monitor.Snapshot]
}

// Scheduler refreshes every registered backend on its own periodic
// worker. Snapshots are swapped atomically, readers always see a
// consistent one.
type Scheduler struct {
	interval time.Duration
	tracker  *events.Tracker
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	// OnFresh, when set before Start, receives the new events of each
	// refresh. The severity gate is applied by the consumer.
	OnFresh func([]events.Event)

	backends map[string]*backendRuntime

	recheckingAll atomic.Bool
	settle        time.Duration
	stoppers      []periodic.Stopper
}

// New returns a Scheduler. The metrics may be nil.
func New(interval time.Duration, tracker *events.Tracker, m *metrics.Metrics, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		interval: interval,
		tracker:  tracker,
		metrics:  m,
		logger:   logger,
		backends: make(map[string]*backendRuntime),
		settle:   settleDelay,
	}
}

// Add registers a backend. All backends must be added before Start.
func (s *Scheduler) Add(m monitor.Monitor) {
	s.backends[m.Name()] = &backendRuntime{monitor: m}
}

// Start launches one periodic worker per backend. The first refresh
// happens immediately.
func (s *Scheduler) Start(ctx context.Context) {
	for name, rt := range s.backends {
		rt := rt
		logger := s.logger.With(zap.String("backend", name))

		s.stoppers = append(s.stoppers, periodic.Start(ctx, s.interval, func(tick periodic.Tick) {
			if hook, ok := rt.monitor.(monitor.Hook); ok {
				hook.OnTick(ctx, tick.Count)
			}

			s.refresh(ctx, rt, logger)
		}, periodic.Immediate()))
	}
}

// Stop stops all periodic workers.
func (s *Scheduler) Stop() {
	for _, stopper := range s.stoppers {
		stopper.Stop()
	}
}

// refresh runs one status fetch. A tick that fires while the previous
// fetch is still running is dropped, not queued.
func (s *Scheduler) refresh(ctx context.Context, rt *backendRuntime, logger *zap.SugaredLogger) {
	if !rt.isChecking.CompareAndSwap(false, true) {
		logger.Debug("Previous refresh still running, skipping tick")

		return
	}
	defer rt.isChecking.Store(false)

	name := rt.monitor.Name()
	s.tracker.Unfresh(name)

	start := time.Now()

	// Transient network faults are retried within the tick budget, the
	// next tick starts over anyway.
	var snapshot *monitor.Snapshot
	err := retry.WithBackoff(ctx, func(ctx context.Context) error {
		var err error
		snapshot, err = rt.monitor.GetStatus(ctx)

		return err
	}, retry.Retryable, backoff.NewExponentialWithJitter(128*time.Millisecond, 3*time.Second), s.interval)

	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.ObserveRefresh(name, elapsed, err)
	}

	if err != nil {
		logger.Errorw("Refresh failed", zap.Error(err), zap.Duration("elapsed", elapsed))

		return
	}

	rt.snapshot.Store(snapshot)

	fresh := s.tracker.Register(snapshot)

	if s.metrics != nil {
		s.metrics.UpdateProblems(snapshot)
		s.metrics.AddFreshEvents(name, len(fresh))
	}

	if s.OnFresh != nil && len(fresh) > 0 {
		s.OnFresh(fresh)
	}

	logger.Debugw("Refreshed", zap.Duration("elapsed", elapsed),
		zap.Int("hosts", len(snapshot.Hosts)), zap.Int("fresh", len(fresh)))
}

// Snapshot returns the last published snapshot of a backend, nil if
// none has been published yet.
func (s *Scheduler) Snapshot(backend string) *monitor.Snapshot {
	rt, ok := s.backends[backend]
	if !ok {
		return nil
	}

	snapshot, _ := rt.snapshot.Load()

	return snapshot
}

// Backend returns a registered backend by name.
func (s *Scheduler) Backend(name string) (monitor.Monitor, bool) {
	rt, ok := s.backends[name]
	if !ok {
		return nil, false
	}

	return rt.monitor, true
}

// RecheckAll issues a recheck for every non-passive service of every
// backend, waits for the monitors to settle and refreshes. A second
// invocation while one is running observes the guard and does nothing.
func (s *Scheduler) RecheckAll(ctx context.Context) error {
	if !s.recheckingAll.CompareAndSwap(false, true) {
		s.logger.Debug("Recheck-all already running")

		return nil
	}
	defer s.recheckingAll.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	for _, rt := range s.backends {
		rt := rt

		if !rt.monitor.Actions().Has(monitor.ActionRecheck) {
			continue
		}

		snapshot, ok := rt.snapshot.Load()
		if !ok {
			continue
		}

		for _, host := range snapshot.Hosts {
			for _, svc := range host.Services {
				if svc.Flags.PassiveOnly {
					continue
				}

				host, svc := host.Name, svc.Name
				g.Go(func() error {
					return rt.monitor.Recheck(ctx, host, svc)
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	for name, rt := range s.backends {
		s.refresh(ctx, rt, s.logger.With(zap.String("backend", name)))
	}

	return nil
}

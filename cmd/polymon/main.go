package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/okzk/sdnotify"
	"github.com/pkg/errors"
	"github.com/polymon/polymon/internal"
	"github.com/polymon/polymon/internal/command"
	"github.com/polymon/polymon/pkg/dispatch"
	"github.com/polymon/polymon/pkg/events"
	"github.com/polymon/polymon/pkg/metrics"
	"github.com/polymon/polymon/pkg/scheduler"
	"github.com/polymon/polymon/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := command.New()
	logger := cmd.Logger()
	defer logger.Sync()

	logger.Infof("Starting polymon (%s)", internal.Version.String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backends, err := cmd.Backends()
	if err != nil {
		logger.Fatalf("%+v", err)
	}

	tracker := events.NewTracker(cmd.Logging.GetChildLogger("events"))

	var m *metrics.Metrics
	if cmd.Config.Metrics.Enable {
		m = metrics.New()
	}

	s := scheduler.New(cmd.Config.UpdateInterval, tracker, m, cmd.Logging.GetChildLogger("scheduler"))
	for _, backend := range backends {
		logger.Infow("Configured backend",
			zap.String("name", backend.Name()), zap.String("type", backend.Type()))

		s.Add(backend)
	}

	notifyLogger := cmd.Logging.GetChildLogger("notify")
	notify := &cmd.Config.Notify
	s.OnFresh = func(fresh []events.Event) {
		for _, event := range fresh {
			if !notify.ShouldNotify(event) {
				continue
			}

			notifyLogger.Infow("New problem",
				zap.String("backend", event.Backend),
				zap.String("host", event.Host),
				zap.String("service", event.Service),
				zap.Stringer("status", event.Status),
				zap.String("info", utils.Ellipsize(event.StatusInformation, 100)))
		}
	}

	d := dispatch.New(s, cmd.Logging.GetChildLogger("dispatch"))

	g, ctx := errgroup.WithContext(ctx)

	if m != nil {
		g.Go(func() error {
			return m.Serve(ctx, cmd.Config.Metrics.Listen, cmd.Logging.GetChildLogger("metrics"))
		})
	}

	g.Go(func() error {
		for {
			select {
			case resp := <-d.Results():
				if resp.Err != nil {
					logger.Errorw("Action failed", zap.String("id", resp.ID.String()), zap.Error(resp.Err))
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	s.Start(ctx)
	defer s.Stop()

	_ = sdnotify.Ready()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("%+v", err)

		_ = sdnotify.Stopping()

		return 1
	}

	logger.Info("Shutting down")
	_ = sdnotify.Stopping()

	return 0
}

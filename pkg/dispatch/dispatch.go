// Package dispatch routes user-initiated remediation actions to the
// owning backend.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/utils"
	"go.uber.org/zap"
)

// Request is one remediation action. Exactly one of the payload fields
// matching the verb must be set.
type Request struct {
	ID      uuid.UUID
	Verb    monitor.Action
	Backend string
	Host    string
	Service string

	Acknowledgement *monitor.Acknowledgement
	Downtime        *monitor.DowntimeRequest
	CheckResult     *monitor.CheckResult
}

// Response reports the outcome of one request.
type Response struct {
	ID  uuid.UUID
	Err error
}

// Registry resolves backend names, the scheduler implements it.
type Registry interface {
	Backend(name string) (monitor.Monitor, bool)
}

// Dispatcher executes requests on short-lived workers so the refresh
// cycle is never blocked by a slow action. No ordering is guaranteed
// across actions beyond each backend's own serialization.
type Dispatcher struct {
	registry Registry
	logger   *zap.SugaredLogger
	results  chan Response
}

// New returns a Dispatcher delivering outcomes on Results.
func New(registry Registry, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger, results: make(chan Response, 64)}
}

// Results delivers one Response per submitted request.
func (d *Dispatcher) Results() <-chan Response {
	return d.results
}

// Submit starts a worker for the request and returns its id, assigning
// one if the caller did not.
func (d *Dispatcher) Submit(ctx context.Context, req Request) uuid.UUID {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	go func() {
		err := d.execute(ctx, req)
		if err != nil {
			d.logger.Errorw("Action failed", zap.String("verb", string(req.Verb)),
				zap.String("backend", req.Backend), zap.Error(err))
		}

		select {
		case d.results <- Response{ID: req.ID, Err: err}:
		case <-ctx.Done():
		}
	}()

	return req.ID
}

func (d *Dispatcher) execute(ctx context.Context, req Request) error {
	defer utils.Timed(time.Now(), func(elapsed time.Duration) {
		d.logger.Debugw("Action finished", zap.String("verb", string(req.Verb)),
			zap.String("backend", req.Backend), zap.Duration("elapsed", elapsed))
	})

	m, ok := d.registry.Backend(req.Backend)
	if !ok {
		return errors.Errorf("unknown backend %q", req.Backend)
	}

	if !m.Actions().Has(req.Verb) {
		return monitor.ErrNotSupported
	}

	switch req.Verb {
	case monitor.ActionAcknowledge:
		if req.Acknowledgement == nil {
			return errors.New("acknowledgement payload missing")
		}

		return m.Acknowledge(ctx, req.Acknowledgement)
	case monitor.ActionRecheck:
		return m.Recheck(ctx, req.Host, req.Service)
	case monitor.ActionDowntime:
		if req.Downtime == nil {
			return errors.New("downtime payload missing")
		}

		return m.Downtime(ctx, req.Downtime)
	case monitor.ActionSubmitCheckResult:
		if req.CheckResult == nil {
			return errors.New("check result payload missing")
		}

		return m.SubmitCheckResult(ctx, req.CheckResult)
	default:
		return errors.Errorf("unknown action %q", req.Verb)
	}
}

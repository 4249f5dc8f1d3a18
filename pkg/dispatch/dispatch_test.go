package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	actions monitor.ActionSet

	mu       sync.Mutex
	acks     []*monitor.Acknowledgement
	rechecks []string
}

func (f *fakeBackend) Name() string               { return "fake1" }
func (f *fakeBackend) Type() string               { return "fake" }
func (f *fakeBackend) Actions() monitor.ActionSet { return f.actions }
func (f *fakeBackend) URLs() monitor.URLs         { return monitor.URLs{} }

func (f *fakeBackend) GetStatus(context.Context) (*monitor.Snapshot, error) {
	return nil, nil
}

func (f *fakeBackend) Acknowledge(_ context.Context, ack *monitor.Acknowledgement) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks = append(f.acks, ack)

	return nil
}

func (f *fakeBackend) Recheck(_ context.Context, host, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rechecks = append(f.rechecks, host+"/"+service)

	return nil
}

func (f *fakeBackend) Downtime(context.Context, *monitor.DowntimeRequest) error {
	return monitor.ErrNotSupported
}

func (f *fakeBackend) SubmitCheckResult(context.Context, *monitor.CheckResult) error {
	return monitor.ErrNotSupported
}

func (f *fakeBackend) GetHost(_ context.Context, host string) (string, error) {
	return host, nil
}

func (f *fakeBackend) StartEnd(context.Context, string) (string, string, error) {
	return "", "", monitor.ErrNotSupported
}

type fakeRegistry map[string]monitor.Monitor

func (r fakeRegistry) Backend(name string) (monitor.Monitor, bool) {
	m, ok := r[name]

	return m, ok
}

func await(t *testing.T, results <-chan Response) Response {
	t.Helper()

	select {
	case resp := <-results:
		return resp
	case <-time.After(time.Second):
		t.Fatal("no response received")

		return Response{}
	}
}

func TestSubmitRoutesToBackend(t *testing.T) {
	backend := &fakeBackend{actions: monitor.NewActionSet(monitor.ActionAcknowledge, monitor.ActionRecheck)}
	d := New(fakeRegistry{"fake1": backend}, zap.NewNop().Sugar())

	id := d.Submit(context.Background(), Request{
		Verb:            monitor.ActionAcknowledge,
		Backend:         "fake1",
		Acknowledgement: &monitor.Acknowledgement{Host: "h1", Author: "jdoe"},
	})
	require.NotEqual(t, uuid.Nil, id)

	resp := await(t, d.Results())
	require.Equal(t, id, resp.ID)
	require.NoError(t, resp.Err)

	require.Len(t, backend.acks, 1)
	require.Equal(t, "h1", backend.acks[0].Host)
}

func TestSubmitUnsupportedVerb(t *testing.T) {
	backend := &fakeBackend{actions: monitor.NewActionSet(monitor.ActionMonitor)}
	d := New(fakeRegistry{"fake1": backend}, zap.NewNop().Sugar())

	d.Submit(context.Background(), Request{
		Verb:    monitor.ActionRecheck,
		Backend: "fake1",
		Host:    "h1",
	})

	resp := await(t, d.Results())
	require.ErrorIs(t, resp.Err, monitor.ErrNotSupported)

	// The verb gate fires before the backend is touched.
	require.Empty(t, backend.rechecks)
}

func TestSubmitUnknownBackend(t *testing.T) {
	d := New(fakeRegistry{}, zap.NewNop().Sugar())

	d.Submit(context.Background(), Request{Verb: monitor.ActionRecheck, Backend: "nope"})

	resp := await(t, d.Results())
	require.ErrorContains(t, resp.Err, "unknown backend")
}

func TestSubmitMissingPayload(t *testing.T) {
	backend := &fakeBackend{actions: monitor.NewActionSet(monitor.ActionAcknowledge)}
	d := New(fakeRegistry{"fake1": backend}, zap.NewNop().Sugar())

	d.Submit(context.Background(), Request{Verb: monitor.ActionAcknowledge, Backend: "fake1"})

	resp := await(t, d.Results())
	require.ErrorContains(t, resp.Err, "payload missing")
}

func TestSubmitKeepsCallerID(t *testing.T) {
	backend := &fakeBackend{actions: monitor.NewActionSet(monitor.ActionRecheck)}
	d := New(fakeRegistry{"fake1": backend}, zap.NewNop().Sugar())

	want := uuid.New()
	got := d.Submit(context.Background(), Request{
		ID: want, Verb: monitor.ActionRecheck, Backend: "fake1", Host: "h1", Service: "svc1",
	})
	require.Equal(t, want, got)

	resp := await(t, d.Results())
	require.Equal(t, want, resp.ID)
	require.NoError(t, resp.Err)
}

package events

import (
	"testing"

	"github.com/polymon/polymon/pkg/monitor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func snapshotWith(t *testing.T, services ...[2]string) *monitor.Snapshot {
	t.Helper()

	builder := monitor.NewBuilder("backendA", "", nil)
	for _, s := range services {
		builder.Host(s[0])
		builder.AddService(s[0], &monitor.Service{
			Name:   s[1],
			Status: monitor.SeverityCritical,
		})
	}

	return builder.Snapshot()
}

func TestTrackerFreshDiff(t *testing.T) {
	tracker := NewTracker(zap.NewNop().Sugar())

	first := snapshotWith(t, [2]string{"h1", "svc1"})
	fresh := tracker.Register(first)
	require.Len(t, fresh, 1)

	// The consumer saw the initial event.
	tracker.MarkSeen(fresh[0].Hash)

	// Next cycle: the same service again plus one new host problem.
	tracker.Unfresh("backendA")

	builder := monitor.NewBuilder("backendA", "", nil)
	builder.Host("h1")
	builder.AddService("h1", &monitor.Service{Name: "svc1", Status: monitor.SeverityCritical})
	h2 := builder.Host("h2")
	h2.Status = monitor.SeverityDown
	second := builder.Snapshot()

	fresh = tracker.Register(second)
	require.Len(t, fresh, 1)
	require.Equal(t, "h2", fresh[0].Host)
	require.Empty(t, fresh[0].Service)

	// Exactly one entry is flagged fresh, the new h2 one.
	var freshHashes []string
	for hash, isFresh := range tracker.Fresh() {
		if isFresh {
			freshHashes = append(freshHashes, hash)
		}
	}
	require.Equal(t, []string{fresh[0].Hash}, freshHashes)
}

func TestTrackerReappearanceNotFresh(t *testing.T) {
	tracker := NewTracker(zap.NewNop().Sugar())

	snapshot := snapshotWith(t, [2]string{"h1", "svc1"})
	require.Len(t, tracker.Register(snapshot), 1)

	tracker.Unfresh("backendA")
	require.Empty(t, tracker.Register(snapshotWith(t, [2]string{"h1", "svc1"})))

	for _, isFresh := range tracker.Fresh() {
		require.False(t, isFresh)
	}
}

func TestTrackerPrunesAfterTwoCycles(t *testing.T) {
	tracker := NewTracker(zap.NewNop().Sugar())

	tracker.Register(snapshotWith(t, [2]string{"h1", "svc1"}))
	require.Equal(t, 1, tracker.Len())

	empty := monitor.NewBuilder("backendA", "", nil).Snapshot()

	// Unseen for one cycle: still tracked. Two: gone.
	tracker.Register(empty)
	require.Equal(t, 1, tracker.Len())

	tracker.Register(empty)
	require.Equal(t, 0, tracker.Len())
}

func TestTrackerKeepsOtherBackends(t *testing.T) {
	tracker := NewTracker(zap.NewNop().Sugar())

	tracker.Register(snapshotWith(t, [2]string{"h1", "svc1"}))

	other := monitor.NewBuilder("backendB", "", nil)
	other.Host("h9")
	other.AddService("h9", &monitor.Service{Name: "svc9", Status: monitor.SeverityWarning})
	tracker.Register(other.Snapshot())

	// Cycles of backendB must not age or unfresh backendA's entries.
	emptyB := monitor.NewBuilder("backendB", "", nil).Snapshot()
	tracker.Unfresh("backendB")
	tracker.Register(emptyB)
	tracker.Register(emptyB)

	require.Equal(t, 1, tracker.Len())
	for _, isFresh := range tracker.Fresh() {
		require.True(t, isFresh)
	}
}

func TestNotifyGate(t *testing.T) {
	config := &NotifyConfig{Warning: true, Critical: true, Unknown: false, Down: true}
	require.NoError(t, config.Validate())

	require.True(t, config.ShouldNotify(Event{Status: monitor.SeverityCritical}))
	require.True(t, config.ShouldNotify(Event{Status: monitor.SeverityWarning}))
	require.True(t, config.ShouldNotify(Event{Status: monitor.SeverityDown}))
	require.False(t, config.ShouldNotify(Event{Status: monitor.SeverityUnknown}))
	require.False(t, config.ShouldNotify(Event{Status: monitor.SeverityOK}))

	// The wider severity scale shares the classic toggles.
	require.True(t, config.ShouldNotify(Event{Status: monitor.SeverityDisaster}))
	require.True(t, config.ShouldNotify(Event{Status: monitor.SeverityAverage}))
}

func TestNotifyGateRegex(t *testing.T) {
	config := &NotifyConfig{
		Critical:  true,
		HostRegex: monitor.RegexFilter{Enabled: true, Pattern: "^lab-"},
	}
	require.NoError(t, config.Validate())

	require.False(t, config.ShouldNotify(Event{Status: monitor.SeverityCritical, Host: "lab-7"}))
	require.True(t, config.ShouldNotify(Event{Status: monitor.SeverityCritical, Host: "prod-1"}))
}

// Package events detects new problem events between refresh cycles and
// decides which of them are worth notifying about.
package events

import (
	"sync"

	"github.com/polymon/polymon/pkg/monitor"
	"go.uber.org/zap"
)

// Event is one problem item that appeared in a snapshot.
type Event struct {
	Hash    string
	Backend string
	Host    string
	// Service is empty for host problems.
	Service           string
	Status            monitor.Severity
	StatusInformation string
	Criticality       string
}

// pruneAfter is the number of consecutive cycles an entry may go unseen
// before it is dropped.
const pruneAfter = 2

type entry struct {
	backend string
	fresh   bool
	unseen  int
}

// Tracker maintains the event-hash map across refresh cycles. An event
// is fresh from the cycle it first appears in until a consumer marks it
// seen or the next cycle unfreshes the backend.
type Tracker struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker returns an empty Tracker.
func NewTracker(logger *zap.SugaredLogger) *Tracker {
	return &Tracker{logger: logger, entries: make(map[string]*entry)}
}

// Unfresh clears the fresh flag of every entry belonging to the given
// backend. The scheduler calls it at the start of the backend's cycle.
func (t *Tracker) Unfresh(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.backend == backend {
			e.fresh = false
		}
	}
}

// Register records the problem items of a snapshot and returns the
// events that were not present before. Entries of the snapshot's
// backend unseen for two consecutive cycles are pruned.
func (t *Tracker) Register(snapshot *monitor.Snapshot) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.backend == snapshot.Backend {
			e.unseen++
		}
	}

	var fresh []Event

	record := func(event Event) {
		if e, ok := t.entries[event.Hash]; ok {
			e.unseen = 0

			return
		}

		t.entries[event.Hash] = &entry{backend: snapshot.Backend, fresh: true}
		fresh = append(fresh, event)
	}

	for _, host := range snapshot.Hosts {
		if host.Flags.Visible && host.Status != monitor.SeverityOK {
			record(Event{
				Hash:              host.Hash(),
				Backend:           snapshot.Backend,
				Host:              host.Name,
				Status:            host.Status,
				StatusInformation: host.StatusInformation,
				Criticality:       host.Criticality,
			})
		}

		for _, svc := range host.Services {
			if !svc.Flags.Visible || svc.Status == monitor.SeverityOK {
				continue
			}

			record(Event{
				Hash:              svc.Hash(),
				Backend:           snapshot.Backend,
				Host:              host.Name,
				Service:           svc.Name,
				Status:            svc.Status,
				StatusInformation: svc.StatusInformation,
				Criticality:       svc.Criticality,
			})
		}
	}

	for hash, e := range t.entries {
		if e.backend == snapshot.Backend && e.unseen >= pruneAfter {
			delete(t.entries, hash)
		}
	}

	if len(fresh) > 0 {
		t.logger.Debugw("Registered fresh events",
			zap.String("backend", snapshot.Backend), zap.Int("count", len(fresh)))
	}

	return fresh
}

// Fresh returns the hashes currently flagged fresh.
func (t *Tracker) Fresh() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make(map[string]bool, len(t.entries))
	for hash, e := range t.entries {
		fresh[hash] = e.fresh
	}

	return fresh
}

// MarkSeen clears the fresh flag of one event.
func (t *Tracker) MarkSeen(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[hash]; ok {
		e.fresh = false
	}
}

// Len returns the number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

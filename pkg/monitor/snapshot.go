package monitor

import "time"

// Snapshot is the complete set of problem hosts and services one backend
// returned in a single refresh cycle. Snapshots are immutable once
// published, a new cycle produces a new Snapshot.
type Snapshot struct {
	Backend string
	Taken   time.Time
	Hosts   map[string]*Host
}

// Empty reports whether the snapshot contains no problem items at all.
func (s *Snapshot) Empty() bool {
	return len(s.Hosts) == 0
}

// Worst returns the maximum severity over all hosts and services.
func (s *Snapshot) Worst() Severity {
	worst := SeverityOK
	for _, h := range s.Hosts {
		if w := h.Worst(); w > worst {
			worst = w
		}
	}

	return worst
}

// Counts returns how many visible items there are per severity.
// Host and service problems count individually.
func (s *Snapshot) Counts() map[Severity]int {
	counts := make(map[Severity]int)
	for _, h := range s.Hosts {
		if h.Flags.Visible && h.Status != SeverityOK {
			counts[h.Status]++
		}

		for _, svc := range h.Services {
			if svc.Flags.Visible {
				counts[svc.Status]++
			}
		}
	}

	return counts
}

// Hashes returns the event hashes of all visible problem items.
func (s *Snapshot) Hashes() []string {
	var hashes []string
	for _, h := range s.Hosts {
		if h.Flags.Visible && h.Status != SeverityOK {
			hashes = append(hashes, h.Hash())
		}

		for _, svc := range h.Services {
			if svc.Flags.Visible {
				hashes = append(hashes, svc.Hash())
			}
		}
	}

	return hashes
}

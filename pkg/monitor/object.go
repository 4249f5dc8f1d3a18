package monitor

import "strings"

// Flags carry the per-item states local filtering is based on.
type Flags struct {
	Acknowledged          bool
	NotificationsDisabled bool
	PassiveOnly           bool
	Flapping              bool
	ScheduledDowntime     bool
	Visible               bool
}

// Host is one problem host together with its problem services.
// Services are only ever reachable through their owning Host.
type Host struct {
	Backend string
	Site    string
	Name    string
	Address string

	// ID is the backend's own identifier for this host, e.g. a Centreon
	// host_id. It is opaque outside the owning backend.
	ID string

	Status            Severity
	StatusType        string
	LastCheck         string
	Duration          string
	Attempt           string
	StatusInformation string
	Criticality       string

	Flags Flags

	Services map[string]*Service
}

// Service is one problem service running on a host.
type Service struct {
	Backend string
	Site    string
	Host    string
	Name    string

	// DisplayName is what the UI shows when it differs from Name,
	// e.g. an Alertmanager alert name while Name holds the fingerprint.
	DisplayName string

	// ID and EventID are backend identifiers, e.g. a Zabbix trigger id
	// and its last event id. Opaque outside the owning backend.
	ID      string
	EventID string

	Status            Severity
	StatusType        string
	LastCheck         string
	Duration          string
	Attempt           string
	StatusInformation string
	Criticality       string

	// AllowManualClose reports whether the backend permits closing the
	// underlying event by hand. Only meaningful where the backend
	// distinguishes, currently Zabbix.
	AllowManualClose bool

	Labels map[string]string

	Flags Flags
}

// Hash identifies this host problem for event tracking across refresh
// cycles. The same host in the same status hashes equal.
func (h *Host) Hash() string {
	return strings.Join([]string{h.Backend, h.Site, h.Name, h.Status.String()}, " ")
}

// Worst returns the maximum severity over the host itself and its
// visible services.
func (h *Host) Worst() Severity {
	worst := SeverityOK
	if h.Flags.Visible {
		worst = h.Status
	}

	for _, s := range h.Services {
		if s.Flags.Visible && s.Status > worst {
			worst = s.Status
		}
	}

	return worst
}

// Hash identifies this service problem for event tracking across refresh
// cycles.
func (s *Service) Hash() string {
	return strings.Join([]string{s.Backend, s.Site, s.Host, s.Name, s.Status.String()}, " ")
}

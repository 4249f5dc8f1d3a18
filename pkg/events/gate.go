package events

import "github.com/polymon/polymon/pkg/monitor"

// NotifyConfig holds the per-severity notification toggles and the
// optional regex filters applied on top of them.
type NotifyConfig struct {
	Warning     bool `yaml:"warning" default:"true"`
	Critical    bool `yaml:"critical" default:"true"`
	Unknown     bool `yaml:"unknown" default:"true"`
	Unreachable bool `yaml:"unreachable" default:"true"`
	Down        bool `yaml:"down" default:"true"`

	HostRegex              monitor.RegexFilter `yaml:"host-regex"`
	ServiceRegex           monitor.RegexFilter `yaml:"service-regex"`
	StatusInformationRegex monitor.RegexFilter `yaml:"status-information-regex"`
	CriticalityRegex       monitor.RegexFilter `yaml:"criticality-regex"`
}

// Validate compiles the regex filters.
func (c *NotifyConfig) Validate() error {
	for _, f := range []*monitor.RegexFilter{
		&c.HostRegex, &c.ServiceRegex, &c.StatusInformationRegex, &c.CriticalityRegex,
	} {
		if err := f.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// ShouldNotify reports whether a fresh event passes the severity gate.
// The non-classic severities share the closest classic toggle.
func (c *NotifyConfig) ShouldNotify(event Event) bool {
	var enabled bool
	switch event.Status {
	case monitor.SeverityInformation, monitor.SeverityWarning, monitor.SeverityAverage:
		enabled = c.Warning
	case monitor.SeverityUnknown:
		enabled = c.Unknown
	case monitor.SeverityHigh, monitor.SeverityCritical, monitor.SeverityDisaster:
		enabled = c.Critical
	case monitor.SeverityUnreachable:
		enabled = c.Unreachable
	case monitor.SeverityDown:
		enabled = c.Down
	default:
		return false
	}

	if !enabled {
		return false
	}

	if c.HostRegex.Excludes(event.Host) || c.ServiceRegex.Excludes(event.Service) ||
		c.StatusInformationRegex.Excludes(event.StatusInformation) ||
		c.CriticalityRegex.Excludes(event.Criticality) {
		return false
	}

	return true
}

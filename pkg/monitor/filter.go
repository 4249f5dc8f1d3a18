package monitor

import (
	"regexp"

	"github.com/pkg/errors"
)

// RegexFilter is one enabled/pattern/reverse triple from the
// configuration. A plain filter excludes items matching the pattern,
// with Reverse set it excludes everything not matching instead.
type RegexFilter struct {
	Enabled bool   `yaml:"enabled"`
	Pattern string `yaml:"pattern"`
	Reverse bool   `yaml:"reverse"`

	re *regexp.Regexp
}

// Validate compiles the pattern of an enabled filter and returns an
// error if it is not a valid regular expression.
func (f *RegexFilter) Validate() error {
	f.re = nil
	if !f.Enabled || f.Pattern == "" {
		return nil
	}

	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return errors.Wrapf(err, "can't compile filter pattern %q", f.Pattern)
	}

	f.re = re

	return nil
}

// Excludes reports whether s is filtered out.
func (f *RegexFilter) Excludes(s string) bool {
	if f.re == nil {
		return false
	}

	return f.re.MatchString(s) != f.Reverse
}

// Filters is the local policy a backend applies while converting raw
// monitor items into a snapshot. Items excluded here never enter the
// published snapshot.
type Filters struct {
	Acknowledged          bool `yaml:"acknowledged"`
	NotificationsDisabled bool `yaml:"notifications-disabled"`
	PassiveOnly           bool `yaml:"passive-only"`
	Flapping              bool `yaml:"flapping"`
	ScheduledDowntime     bool `yaml:"scheduled-downtime"`
	SoftState             bool `yaml:"soft-state"`

	HostRegex              RegexFilter `yaml:"host-regex"`
	ServiceRegex           RegexFilter `yaml:"service-regex"`
	StatusInformationRegex RegexFilter `yaml:"status-information-regex"`
	CriticalityRegex       RegexFilter `yaml:"criticality-regex"`
}

// Validate compiles all enabled regex filters.
func (f *Filters) Validate() error {
	for _, rf := range []*RegexFilter{
		&f.HostRegex, &f.ServiceRegex, &f.StatusInformationRegex, &f.CriticalityRegex,
	} {
		if err := rf.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (f *Filters) excludesFlags(flags Flags) bool {
	switch {
	case f.Acknowledged && flags.Acknowledged:
		return true
	case f.NotificationsDisabled && flags.NotificationsDisabled:
		return true
	case f.PassiveOnly && flags.PassiveOnly:
		return true
	case f.Flapping && flags.Flapping:
		return true
	case f.ScheduledDowntime && flags.ScheduledDowntime:
		return true
	}

	return false
}

// ExcludesHost reports whether the host's own problem is filtered out.
// Its services are judged separately by ExcludesService.
func (f *Filters) ExcludesHost(h *Host) bool {
	if f.excludesFlags(h.Flags) {
		return true
	}

	if f.SoftState && h.StatusType == "soft" {
		return true
	}

	return f.HostRegex.Excludes(h.Name) ||
		f.StatusInformationRegex.Excludes(h.StatusInformation) ||
		f.CriticalityRegex.Excludes(h.Criticality)
}

// ExcludesService reports whether the service is filtered out.
func (f *Filters) ExcludesService(s *Service) bool {
	if f.excludesFlags(s.Flags) {
		return true
	}

	if f.SoftState && s.StatusType == "soft" {
		return true
	}

	return f.HostRegex.Excludes(s.Host) ||
		f.ServiceRegex.Excludes(s.Name) ||
		f.StatusInformationRegex.Excludes(s.StatusInformation) ||
		f.CriticalityRegex.Excludes(s.Criticality)
}

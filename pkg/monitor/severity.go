package monitor

import "strings"

// Severity is the common scale all backend states are mapped onto.
// Values are totally ordered so they can be compared for worst-state
// aggregation and notification gating.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityInformation
	SeverityWarning
	SeverityAverage
	SeverityUnknown
	SeverityHigh
	SeverityCritical
	SeverityUnreachable
	SeverityDown
	SeverityDisaster
)

var severityNames = map[Severity]string{
	SeverityOK:          "OK",
	SeverityInformation: "INFORMATION",
	SeverityWarning:     "WARNING",
	SeverityAverage:     "AVERAGE",
	SeverityUnknown:     "UNKNOWN",
	SeverityHigh:        "HIGH",
	SeverityCritical:    "CRITICAL",
	SeverityUnreachable: "UNREACHABLE",
	SeverityDown:        "DOWN",
	SeverityDisaster:    "DISASTER",
}

var severitiesByName = map[string]Severity{
	"OK":          SeverityOK,
	"UP":          SeverityOK,
	"PENDING":     SeverityOK,
	"INFO":        SeverityInformation,
	"INFORMATION": SeverityInformation,
	"WARNING":     SeverityWarning,
	"AVERAGE":     SeverityAverage,
	"UNKNOWN":     SeverityUnknown,
	"HIGH":        SeverityHigh,
	"CRITICAL":    SeverityCritical,
	"UNREACHABLE": SeverityUnreachable,
	"DOWN":        SeverityDown,
	"DISASTER":    SeverityDisaster,
}

// String returns the canonical upper-case name of s.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}

	return severityNames[SeverityUnknown]
}

// ParseSeverity maps a backend status string onto the common scale.
// The mapping is total, any unrecognized value yields SeverityUnknown.
func ParseSeverity(name string) Severity {
	if s, ok := severitiesByName[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return s
	}

	return SeverityUnknown
}

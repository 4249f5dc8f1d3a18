// Package monitor defines the normalized problem model and the contract
// every monitoring backend implements.
package monitor

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Action identifies one verb a backend may offer for a problem item.
type Action string

const (
	ActionMonitor           Action = "Monitor"
	ActionRecheck           Action = "Recheck"
	ActionAcknowledge       Action = "Acknowledge"
	ActionDowntime          Action = "Downtime"
	ActionSubmitCheckResult Action = "Submit check result"
)

// ActionSet is the capability set a backend declares. Verbs absent from
// the set return ErrNotSupported without any network traffic.
type ActionSet map[Action]struct{}

// NewActionSet returns an ActionSet holding the given actions.
func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}

	return s
}

// Has reports whether a is part of the set.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]

	return ok
}

// ErrNotSupported is returned by action verbs a backend does not offer.
var ErrNotSupported = errors.New("not supported by this backend")

// Acknowledgement describes one acknowledge request.
type Acknowledgement struct {
	Host       string
	Service    string
	Author     string
	Comment    string
	Sticky     bool
	Notify     bool
	Persistent bool

	// AllServices lists further services on Host to acknowledge in the
	// same request. The backend issues one call per listed service.
	AllServices []string

	// ExpireTime is passed through in the backend's local time format
	// where the backend supports expiring acknowledgements.
	ExpireTime string
}

// DowntimeRequest describes one scheduled downtime request. With Fixed
// unset the window is now for Hours and Minutes, otherwise Start and End
// are used verbatim in the backend's local time format.
type DowntimeRequest struct {
	Host    string
	Service string
	Author  string
	Comment string
	Fixed   bool
	Start   string
	End     string
	Hours   int
	Minutes int
}

// CheckResult describes one passive check result submission.
type CheckResult struct {
	Host    string
	Service string
	State   string
	Output  string
	Comment string
}

// URLs are the browser entry points of a backend, handed to the UI
// unmodified.
type URLs struct {
	Monitor  string
	Hosts    string
	Services string
	History  string
}

// Monitor is the contract every backend implements. GetStatus runs on
// one dedicated worker per backend while action verbs may arrive from
// others, so implementations serialize their own mutable state such as
// session cookies and tokens.
type Monitor interface {
	// Name returns the configured display name of this backend.
	Name() string

	// Type returns the backend type the implementation is registered as.
	Type() string

	// Actions returns the verbs this backend supports.
	Actions() ActionSet

	// GetStatus fetches the backend's current problem state and returns
	// it as a new snapshot.
	GetStatus(ctx context.Context) (*Snapshot, error)

	// GetHost resolves the address of a host as the backend knows it.
	GetHost(ctx context.Context, host string) (string, error)

	// Acknowledge acknowledges a host or service problem.
	Acknowledge(ctx context.Context, ack *Acknowledgement) error

	// Recheck asks the backend to re-run the check for a host or, with
	// service non-empty, a single service.
	Recheck(ctx context.Context, host, service string) error

	// Downtime schedules downtime for a host or service.
	Downtime(ctx context.Context, req *DowntimeRequest) error

	// SubmitCheckResult submits a passive check result.
	SubmitCheckResult(ctx context.Context, result *CheckResult) error

	// StartEnd returns the backend's suggested downtime window in its
	// local time format, to prefill the downtime dialog.
	StartEnd(ctx context.Context, host string) (start, end string, err error)

	// URLs returns the browser entry points for this backend.
	URLs() URLs
}

// Hook is implemented by backends that want a call on every scheduler
// tick before a possible refresh, e.g. for session rotation.
type Hook interface {
	OnTick(ctx context.Context, count uint64)
}

// Factory builds a backend from its configuration entry.
type Factory func(opts *Options, filters *Filters, logger *zap.SugaredLogger) (Monitor, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register ties a backend type to its factory. Backends call this from
// their init function.
func Register(typ string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[typ]; ok {
		panic("monitor: type " + typ + " registered twice")
	}

	registry[typ] = factory
}

// New builds a backend of the type named in opts.
func New(opts *Options, filters *Filters, logger *zap.SugaredLogger) (Monitor, error) {
	registryMu.Lock()
	factory, ok := registry[opts.Type]
	registryMu.Unlock()

	if !ok {
		return nil, errors.Errorf("unknown backend type %q", opts.Type)
	}

	return factory(opts, filters, logger)
}

// Types returns the registered backend types, sorted.
func Types() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}

	sort.Strings(types)

	return types
}

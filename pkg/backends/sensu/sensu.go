// Package sensu implements the backends for the Sensu core API and its
// Sensu Go successor.
package sensu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/transport"
	"go.uber.org/zap"
)

// TypeSensu is the registered type of the classic API backend.
const TypeSensu = "Sensu"

// severityByCode translates check exit codes, anything unknown is
// UNKNOWN.
var severityByCode = map[int]monitor.Severity{
	0: monitor.SeverityOK,
	1: monitor.SeverityWarning,
	2: monitor.SeverityCritical,
	3: monitor.SeverityUnknown,
}

// codeByState is the reverse direction for submitted check results.
var codeByState = map[string]int{
	"ok":       0,
	"warning":  1,
	"critical": 2,
	"unknown":  3,
}

func init() {
	monitor.Register(TypeSensu, func(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (monitor.Monitor, error) {
		return New(opts, filters, logger)
	})
}

// Backend talks to one classic Sensu API, usually fronted by Uchiwa.
// The API lives at the cgi-url, the browser URLs at the url.
type Backend struct {
	opts    *monitor.Options
	filters *monitor.Filters
	client  *transport.Client
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	hosts map[string]*monitor.Host
}

// New returns a Backend for the given configuration entry.
func New(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (*Backend, error) {
	client, err := transport.NewClient(opts)
	if err != nil {
		return nil, err
	}

	return &Backend{opts: opts, filters: filters, client: client, logger: logger}, nil
}

func (b *Backend) Name() string { return b.opts.Name }
func (b *Backend) Type() string { return TypeSensu }

func (b *Backend) Actions() monitor.ActionSet {
	return monitor.NewActionSet(monitor.ActionMonitor, monitor.ActionRecheck,
		monitor.ActionAcknowledge, monitor.ActionDowntime, monitor.ActionSubmitCheckResult)
}

// subscription is the synthetic subscription all client-directed
// commands address.
func subscription(client string) string {
	return "client:" + client
}

func checkResponse(result transport.Result) error {
	if result.Err != nil {
		return result.Err
	}

	switch result.StatusCode {
	case 200, 201, 202, 204:
		return nil
	default:
		return errors.Errorf("API request failed with status %d", result.StatusCode)
	}
}

type event struct {
	ID              string `json:"id"`
	DC              string `json:"dc"`
	Timestamp       int64  `json:"timestamp"`
	LastStateChange int64  `json:"last_state_change"`
	Occurrences     int    `json:"occurrences"`
	Silenced        bool   `json:"silenced"`
	Client          struct {
		Name string `json:"name"`
	} `json:"client"`
	Check struct {
		Name       string `json:"name"`
		Status     int    `json:"status"`
		Output     string `json:"output"`
		Standalone bool   `json:"standalone"`
	} `json:"check"`
}

// GetStatus fetches the current events. Every event is one service on
// its client's host, a silenced event counts as acknowledged.
func (b *Backend) GetStatus(ctx context.Context) (*monitor.Snapshot, error) {
	result := b.client.Get(ctx, b.opts.CGIURL+"/events")
	if err := checkResponse(result); err != nil {
		return nil, err
	}

	var events []event
	if err := result.JSON(&events); err != nil {
		return nil, err
	}

	builder := monitor.NewBuilder(b.opts.Name, b.opts.Site, b.filters)

	for _, e := range events {
		status, ok := severityByCode[e.Check.Status]
		if !ok {
			status = monitor.SeverityUnknown
		}

		svc := &monitor.Service{
			Name:              e.Check.Name,
			EventID:           e.ID,
			Status:            status,
			StatusInformation: e.Check.Output,
			LastCheck:         time.Unix(e.Timestamp, 0).Format("2006-01-02 15:04:05"),
			Duration:          durationSince(e.LastStateChange),
			Attempt:           strconv.Itoa(e.Occurrences) + "/1",
		}
		svc.Flags.Acknowledged = e.Silenced
		svc.Flags.NotificationsDisabled = e.Silenced

		h := builder.Host(e.Client.Name)
		builder.AddService(e.Client.Name, svc)

		// Uchiwa needs the datacenter for rechecks. Host and service
		// hashes must agree on the site component.
		if e.DC != "" {
			h.Site = e.DC
			svc.Site = e.DC
		}
	}

	snapshot := builder.Snapshot()

	b.mu.Lock()
	b.hosts = snapshot.Hosts
	b.mu.Unlock()

	return snapshot, nil
}

func durationSince(timestamp int64) string {
	if timestamp == 0 || timestamp > time.Now().Unix() {
		return "n/a"
	}

	d := time.Since(time.Unix(timestamp, 0))

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

type silenceRequest struct {
	Check           string `json:"check"`
	Subscription    string `json:"subscription"`
	Reason          string `json:"reason"`
	Creator         string `json:"creator"`
	Expire          int64  `json:"expire,omitempty"`
	ExpireOnResolve bool   `json:"expire_on_resolve"`
}

func (b *Backend) silence(ctx context.Context, req silenceRequest) error {
	return checkResponse(b.client.PostJSON(ctx, b.opts.CGIURL+"/silenced", req))
}

// Acknowledge silences the named checks on the client's subscription
// until they resolve.
func (b *Backend) Acknowledge(ctx context.Context, ack *monitor.Acknowledgement) error {
	services := ack.AllServices
	if ack.Service != "" {
		services = append(services, ack.Service)
	}

	for _, service := range services {
		err := b.silence(ctx, silenceRequest{
			Check:           service,
			Subscription:    subscription(ack.Host),
			Reason:          ack.Comment,
			Creator:         ack.Author,
			ExpireOnResolve: true,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *Backend) hostSite(host string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.hosts[host]; ok {
		return h.Site
	}

	return ""
}

// Recheck issues a check execution request. Keepalive results can only
// come from the client itself and standalone checks are not
// subscription-driven, both are rejected before any request.
func (b *Backend) Recheck(ctx context.Context, host, service string) error {
	if service == "keepalive" {
		return errors.Errorf("keepalive results must come from the client on host %q", host)
	}

	result := b.client.Get(ctx, b.opts.CGIURL+"/events/"+host+"/"+service)
	if err := checkResponse(result); err != nil {
		return err
	}

	var e event
	if err := result.JSON(&e); err != nil {
		return err
	}

	if e.Check.Standalone {
		return errors.Errorf("check %q on host %q is standalone", service, host)
	}

	body := map[string]any{
		"check":       service,
		"subscribers": []string{subscription(host)},
	}
	if dc := b.hostSite(host); dc != "" {
		body["dc"] = dc
	}

	return checkResponse(b.client.PostJSON(ctx, b.opts.CGIURL+"/request", body))
}

// Downtime silences the check for the requested number of hours and
// minutes.
func (b *Backend) Downtime(ctx context.Context, req *monitor.DowntimeRequest) error {
	return b.silence(ctx, silenceRequest{
		Check:        req.Service,
		Subscription: subscription(req.Host),
		Reason:       req.Comment,
		Creator:      req.Author,
		Expire:       int64(req.Hours)*3600 + int64(req.Minutes)*60,
	})
}

// SubmitCheckResult posts a passive check result, unknown states map
// to the UNKNOWN exit code.
func (b *Backend) SubmitCheckResult(ctx context.Context, result *monitor.CheckResult) error {
	status, ok := codeByState[strings.ToLower(result.State)]
	if !ok {
		status = 3
	}

	return checkResponse(b.client.PostJSON(ctx, b.opts.CGIURL+"/results", map[string]any{
		"source": result.Host,
		"name":   result.Service,
		"output": result.Output,
		"status": status,
	}))
}

func (b *Backend) GetHost(_ context.Context, host string) (string, error) {
	return host, nil
}

// StartEnd is not offered, silences expire by duration instead.
func (b *Backend) StartEnd(context.Context, string) (string, string, error) {
	return "", "", monitor.ErrNotSupported
}

func (b *Backend) URLs() monitor.URLs {
	return monitor.URLs{
		Monitor:  b.opts.URL,
		Hosts:    b.opts.URL + "/#/clients",
		Services: b.opts.URL + "/#/checks",
		History:  b.opts.URL + "/#/clients",
	}
}

// Package alertmanager implements the backend for the Prometheus
// Alertmanager v2 API.
package alertmanager

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/transport"
	"go.uber.org/zap"
)

// Type is the registered backend type.
const Type = "Alertmanager"

const (
	alertsPath   = "/api/v2/alerts?inhibited=false"
	silencesPath = "/api/v2/silences"
)

func init() {
	monitor.Register(Type, func(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (monitor.Monitor, error) {
		return New(opts, filters, logger)
	})
}

// Backend talks to one Alertmanager.
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
func (b *Backend) Type() string { return Type }

func (b *Backend) Actions() monitor.ActionSet {
	return monitor.NewActionSet(monitor.ActionMonitor, monitor.ActionAcknowledge, monitor.ActionDowntime)
}

type alert struct {
	Fingerprint  string            `json:"fingerprint"`
	GeneratorURL string            `json:"generatorURL"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	Status       struct {
		State string `json:"state"`
	} `json:"status"`
	StartsAt  time.Time `json:"startsAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// detectFromLabels probes the comma-separated label names in order and
// returns the first value present.
func detectFromLabels(labels map[string]string, names, fallback string) string {
	for _, name := range strings.Split(names, ",") {
		if value, ok := labels[name]; ok {
			return value
		}
	}

	return fallback
}

// mapSeverity translates an alert's severity label through the
// configured value lists, upper-casing unmapped values.
func (b *Backend) mapSeverity(severity string) string {
	contains := func(list string) bool {
		for _, value := range strings.Split(list, ",") {
			if value == severity {
				return true
			}
		}

		return false
	}

	switch {
	case contains(b.opts.MapToUnknown):
		return "UNKNOWN"
	case contains(b.opts.MapToCritical):
		return "CRITICAL"
	case contains(b.opts.MapToWarning):
		return "WARNING"
	case contains(b.opts.MapToDown):
		return "DOWN"
	case contains(b.opts.MapToOK):
		return "OK"
	default:
		return strings.ToUpper(severity)
	}
}

var hostPort = regexp.MustCompile(`:[0-9]+`)

// GetStatus fetches the active alerts and parses them into a snapshot.
// Every alert becomes one service keyed by its fingerprint on a host
// detected from its labels.
func (b *Backend) GetStatus(ctx context.Context) (*monitor.Snapshot, error) {
	url := b.opts.URL + alertsPath
	if b.opts.AlertFilter != "" {
		url += "&filter=" + b.opts.AlertFilter
	}

	result := b.client.Get(ctx, url)
	if result.Err == nil && result.StatusCode != 200 {
		return nil, errors.Errorf("alerts request failed with status %d", result.StatusCode)
	}

	var alerts []alert
	if err := result.JSON(&alerts); err != nil {
		return nil, err
	}

	builder := monitor.NewBuilder(b.opts.Name, b.opts.Site, b.filters)

	for _, a := range alerts {
		severity := b.mapSeverity(a.Labels["severity"])
		if severity == "NONE" {
			continue
		}

		hostname := detectFromLabels(a.Labels, b.opts.MapToHostname, "unknown")
		hostname = hostPort.ReplaceAllString(hostname, "")

		state := a.Status.State
		if state == "" {
			state = "unknown"
		}

		svc := &monitor.Service{
			Name:              a.Fingerprint,
			DisplayName:       detectFromLabels(a.Labels, b.opts.MapToServicename, "unknown"),
			Status:            monitor.ParseSeverity(severity),
			StatusInformation: detectFromLabels(a.Annotations, b.opts.MapToStatusInformation, ""),
			Attempt:           state,
			Duration:          formatDuration(a.StartsAt),
			LastCheck:         formatDuration(a.UpdatedAt),
			Labels:            a.Labels,
		}

		// A suppressed alert is silenced, which covers both flags.
		if state == "suppressed" {
			svc.Flags.Acknowledged = true
			svc.Flags.ScheduledDowntime = true
		}

		builder.Host(hostname)
		builder.AddService(hostname, svc)
	}

	snapshot := builder.Snapshot()

	b.mu.Lock()
	b.hosts = snapshot.Hosts
	b.mu.Unlock()

	return snapshot, nil
}

// formatDuration renders the age of a timestamp against now in UTC.
func formatDuration(t time.Time) string {
	d := time.Now().UTC().Sub(t)
	if d < 0 {
		d = 0
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %02dm %02ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %02dm %02ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%02dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%02ds", seconds)
	}
}

func (b *Backend) lookupLabels(host, service string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.hosts[host]; ok {
		if svc, ok := h.Services[service]; ok {
			return svc.Labels
		}
	}

	return nil
}

type matcher struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	IsRegex bool   `json:"isRegex"`
	IsEqual bool   `json:"isEqual"`
}

type silence struct {
	Matchers  []matcher `json:"matchers"`
	StartsAt  string    `json:"startsAt"`
	EndsAt    string    `json:"endsAt"`
	Comment   string    `json:"comment"`
	CreatedBy string    `json:"createdBy"`
}

// silenceAlert creates a silence matching every label of the alert.
func (b *Backend) silenceAlert(ctx context.Context, host, service, author, comment, start, end string) error {
	labels := b.lookupLabels(host, service)
	if labels == nil {
		return errors.Errorf("no alert known for %s/%s", host, service)
	}

	s := silence{
		StartsAt:  start,
		EndsAt:    end,
		Comment:   comment,
		CreatedBy: author,
	}

	if s.Comment == "" {
		s.Comment = "silenced"
	}

	for name, value := range labels {
		s.Matchers = append(s.Matchers, matcher{Name: name, Value: value, IsEqual: true})
	}

	result := b.client.PostJSON(ctx, b.opts.URL+silencesPath, s)
	if result.Err == nil && result.StatusCode != 200 {
		return errors.Errorf("silence request failed with status %d", result.StatusCode)
	}

	return result.Err
}

// toUTC converts a local wall clock time into the RFC 3339 form the
// silences endpoint expects.
func toUTC(local string) (string, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", local, time.Local)
	if err != nil {
		return "", errors.Wrapf(err, "can't parse time %q", local)
	}

	return t.UTC().Format(time.RFC3339), nil
}

// Acknowledge silences the alert from now until the acknowledgement
// expires, 24 hours by default.
func (b *Backend) Acknowledge(ctx context.Context, ack *monitor.Acknowledgement) error {
	now := time.Now().UTC()
	end := now.Add(24 * time.Hour).Format(time.RFC3339)
	if ack.ExpireTime != "" {
		var err error
		if end, err = toUTC(ack.ExpireTime); err != nil {
			return err
		}
	}

	services := ack.AllServices
	if ack.Service != "" {
		services = append(services, ack.Service)
	}

	for _, service := range services {
		if err := b.silenceAlert(ctx, ack.Host, service, ack.Author, ack.Comment,
			now.Format(time.RFC3339), end); err != nil {
			return err
		}
	}

	return nil
}

// Downtime silences the alert for the given explicit window.
func (b *Backend) Downtime(ctx context.Context, req *monitor.DowntimeRequest) error {
	start, err := toUTC(req.Start)
	if err != nil {
		return err
	}

	end, err := toUTC(req.End)
	if err != nil {
		return err
	}

	return b.silenceAlert(ctx, req.Host, req.Service, req.Author, req.Comment, start, end)
}

// Recheck is not offered, alerts recompute on rule evaluation.
func (b *Backend) Recheck(context.Context, string, string) error {
	return monitor.ErrNotSupported
}

func (b *Backend) SubmitCheckResult(context.Context, *monitor.CheckResult) error {
	return monitor.ErrNotSupported
}

func (b *Backend) GetHost(_ context.Context, host string) (string, error) {
	return host, nil
}

// StartEnd suggests a 24 hour window from now.
func (b *Backend) StartEnd(context.Context, string) (string, string, error) {
	now := time.Now()

	return now.Format("2006-01-02 15:04:05"),
		now.Add(24 * time.Hour).Format("2006-01-02 15:04:05"), nil
}

func (b *Backend) URLs() monitor.URLs {
	alerts := b.opts.URL + "/#/alerts"

	return monitor.URLs{Monitor: alerts, Hosts: alerts, Services: alerts, History: alerts}
}

// Package zabbix implements the backend for the Zabbix JSON-RPC API.
package zabbix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/transport"
	"github.com/polymon/polymon/pkg/utils"
	"go.uber.org/zap"
)

// Type is the registered backend type.
const Type = "Zabbix"

// chunkSize limits how many triggers are expanded per trigger.get call.
const chunkSize = 200

// event.acknowledge action bits.
const (
	actionClose       = 1
	actionAcknowledge = 2
	actionMessage     = 4
)

// statemap translates the severity codes and abbreviations the API
// emits into the common severity names.
var statemap = map[string]string{
	"UNREACH": "UNREACHABLE",
	"CRIT":    "CRITICAL",
	"WARN":    "WARNING",
	"UNKN":    "UNKNOWN",
	"PEND":    "PENDING",
	"0":       "OK",
	"1":       "INFORMATION",
	"2":       "WARNING",
	"3":       "AVERAGE",
	"4":       "HIGH",
	"5":       "DISASTER",
}

func init() {
	monitor.Register(Type, func(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (monitor.Monitor, error) {
		return New(opts, filters, logger)
	})
}

// Backend talks to one Zabbix server.
type Backend struct {
	opts    *monitor.Options
	filters *monitor.Filters
	client  *transport.Client
	logger  *zap.SugaredLogger

	ids atomic.Uint64

	mu          sync.Mutex
	version     string
	auth        string
	refreshAuth bool
	hosts       map[string]*monitor.Host
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

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Auth    string `json:"auth,omitempty"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return strings.TrimSpace(e.Message + " " + e.Data)
}

func (e *rpcError) authFailure() bool {
	s := strings.ToLower(e.Error())

	return strings.Contains(s, "not authori") || strings.Contains(s, "re-login") ||
		strings.Contains(s, "session terminated")
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// versionAtLeast64 reports whether the API version is 6.4 or newer,
// where both the login keyword and the auth transport changed.
func versionAtLeast64(version string) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}

	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}

	return major > 6 || (major == 6 && minor >= 4)
}

func (b *Backend) session() (version, auth string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.version, b.auth
}

// callOnce issues one JSON-RPC request. With authed set the session
// token travels as a Bearer header from API 6.4 on and as the auth
// body field before that.
func (b *Backend) callOnce(ctx context.Context, method string, params any, authed bool) (json.RawMessage, error) {
	version, auth := b.session()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: b.ids.Add(1)}

	header := make(http.Header)
	if authed {
		if versionAtLeast64(version) {
			header.Set("Authorization", "Bearer "+auth)
		} else {
			req.Auth = auth
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "can't encode JSON-RPC request")
	}

	result := b.client.Do(ctx, http.MethodPost, b.opts.URL+"/api_jsonrpc.php",
		"application/json-rpc", body, header)

	var resp rpcResponse
	if err := result.JSON(&resp); err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, errors.Wrapf(resp.Error, "%s failed", method)
	}

	return resp.Result, nil
}

// call wraps callOnce with the re-login-once policy: an expired session
// is renewed a single time and the request repeated, any further auth
// failure is surfaced.
func (b *Backend) call(ctx context.Context, method string, params any, authed bool) (json.RawMessage, error) {
	raw, err := b.callOnce(ctx, method, params, authed)
	if err == nil || !authed {
		return raw, err
	}

	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) || !rpcErr.authFailure() {
		return nil, err
	}

	if err := b.login(ctx); err != nil {
		return nil, err
	}

	return b.callOnce(ctx, method, params, authed)
}

// login walks the auth state machine: fetch the API version first, then
// either adopt the configured API token or call user.login, whose
// username keyword changed at 6.4.
func (b *Backend) login(ctx context.Context) error {
	raw, err := b.callOnce(ctx, "apiinfo.version", []string{}, false)
	if err != nil {
		return err
	}

	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return errors.Wrap(err, "can't decode API version")
	}

	b.mu.Lock()
	b.version = version
	b.mu.Unlock()

	if b.opts.Authentication == monitor.AuthBearer && b.opts.BearerToken != "" {
		b.mu.Lock()
		b.auth, b.refreshAuth = b.opts.BearerToken, false
		b.mu.Unlock()

		return nil
	}

	usernameKeyword := "user"
	if versionAtLeast64(version) {
		usernameKeyword = "username"
	}

	raw, err = b.callOnce(ctx, "user.login", map[string]string{
		usernameKeyword: b.opts.Username,
		"password":      b.opts.Password,
	}, false)
	if err != nil {
		return err
	}

	var auth string
	if err := json.Unmarshal(raw, &auth); err != nil {
		return errors.Wrap(err, "can't decode auth token")
	}

	b.mu.Lock()
	b.auth, b.refreshAuth = auth, false
	b.mu.Unlock()

	b.logger.Debugw("Logged in", zap.String("api-version", version))

	return b.checkAuthentication(ctx)
}

// checkAuthentication verifies the fresh session. Anything but a truthy
// result schedules a re-login for the next cycle instead of failing
// hard.
func (b *Backend) checkAuthentication(ctx context.Context) error {
	_, auth := b.session()

	raw, err := b.callOnce(ctx, "user.checkAuthentication", map[string]string{"sessionid": auth}, false)
	if err != nil || !truthy(raw) {
		b.mu.Lock()
		b.refreshAuth = true
		b.mu.Unlock()
	}

	return nil
}

func truthy(raw json.RawMessage) bool {
	var ok bool
	if json.Unmarshal(raw, &ok) == nil {
		return ok
	}

	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		if v, found := obj["authenticated"].(bool); found {
			return v
		}

		return len(obj) > 0
	}

	return false
}

func (b *Backend) ensureLogin(ctx context.Context) error {
	b.mu.Lock()
	needed := b.auth == "" || b.refreshAuth
	b.mu.Unlock()

	if !needed {
		return nil
	}

	return b.login(ctx)
}

type lastEvent struct {
	EventID      string `json:"eventid"`
	Name         string `json:"name"`
	Clock        string `json:"clock"`
	Acknowledged string `json:"acknowledged"`
	Severity     string `json:"severity"`
	OpData       string `json:"opdata"`
}

type triggerHost struct {
	HostID            string `json:"hostid"`
	Host              string `json:"host"`
	Name              string `json:"name"`
	MaintenanceStatus string `json:"maintenance_status"`
}

type triggerItem struct {
	Name      string `json:"name"`
	LastValue string `json:"lastvalue"`
	LastClock string `json:"lastclock"`
}

type trigger struct {
	TriggerID   string        `json:"triggerid"`
	Description string        `json:"description"`
	ManualClose string        `json:"manual_close"`
	LastEvent   *lastEvent    `json:"lastEvent"`
	Hosts       []triggerHost `json:"hosts"`
	Items       []triggerItem `json:"items"`
}

// triggerFilter is the base parameter set shared by both trigger.get
// calls, selecting only active problems.
var triggerFilter = map[string]any{
	"only_true":     true,
	"skipDependent": true,
	"monitored":     true,
	"active":        true,
}

// GetStatus enumerates the tripped triggers, expands them in chunks and
// parses them into a snapshot. Every trigger becomes one service on its
// first associated host.
func (b *Backend) GetStatus(ctx context.Context) (*monitor.Snapshot, error) {
	// The batch feeder must not outlive this refresh when a chunk fails
	// halfway through.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.ensureLogin(ctx); err != nil {
		return nil, err
	}

	params := make(map[string]any, len(triggerFilter)+1)
	for k, v := range triggerFilter {
		params[k] = v
	}
	params["output"] = []string{"triggerid"}

	raw, err := b.call(ctx, "trigger.get", params, true)
	if err != nil {
		return nil, err
	}

	var ids []struct {
		TriggerID string `json:"triggerid"`
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errors.Wrap(err, "can't decode trigger ids")
	}

	triggerIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		triggerIDs = append(triggerIDs, id.TriggerID)
	}

	var triggers []trigger
	for batch := range utils.BatchSliceOfStrings(ctx, triggerIDs, chunkSize) {
		params := make(map[string]any, len(triggerFilter)+5)
		for k, v := range triggerFilter {
			params[k] = v
		}
		params["output"] = []string{"triggerid", "description", "lastchange", "manual_close"}
		params["triggerids"] = batch
		params["selectLastEvent"] = []string{"eventid", "name", "ns", "clock", "acknowledged", "value", "severity"}
		params["selectHosts"] = []string{"hostid", "host", "name", "status", "available", "maintenance_status", "maintenance_from"}
		params["selectItems"] = []string{"name", "lastvalue", "state", "lastclock"}

		raw, err := b.call(ctx, "trigger.get", params, true)
		if err != nil {
			return nil, err
		}

		var chunk []trigger
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, errors.Wrap(err, "can't decode triggers")
		}

		triggers = append(triggers, chunk...)
	}

	builder := monitor.NewBuilder(b.opts.Name, b.opts.Site, b.filters)

	for _, t := range triggers {
		if t.LastEvent == nil || len(t.Hosts) == 0 {
			continue
		}

		name := t.LastEvent.Name
		if b.opts.UseDescriptionNameService && t.Description != "" {
			name = t.Description
		}

		info := make([]string, 0, len(t.Items))
		var lastClock int64
		for _, item := range t.Items {
			info = append(info, item.Name+": "+item.LastValue)
			if clock, err := strconv.ParseInt(item.LastClock, 10, 64); err == nil && clock > lastClock {
				lastClock = clock
			}
		}

		statusInformation := strings.Join(info, ", ")
		if t.LastEvent.OpData != "" {
			statusInformation = t.LastEvent.Name + " (" + t.LastEvent.OpData + ")"
		}

		severity := statemap[t.LastEvent.Severity]
		if severity == "" {
			severity = t.LastEvent.Severity
		}

		svc := &monitor.Service{
			Name:              name,
			ID:                t.TriggerID,
			EventID:           t.LastEvent.EventID,
			Status:            monitor.ParseSeverity(severity),
			StatusInformation: statusInformation,
			Duration:          durationSince(t.LastEvent.Clock),
			AllowManualClose:  t.ManualClose != "0",
		}
		svc.Flags.Acknowledged = t.LastEvent.Acknowledged != "0"

		if lastClock > 0 {
			svc.LastCheck = time.Unix(lastClock, 0).Format("2006-01-02 15:04:05")
		}

		host := t.Hosts[0]
		h := builder.Host(host.Name)
		h.ID = host.HostID
		if host.MaintenanceStatus == "1" {
			h.Flags.ScheduledDowntime = true
		}

		builder.AddService(host.Name, svc)
	}

	snapshot := builder.Snapshot()

	b.mu.Lock()
	b.hosts = snapshot.Hosts
	b.mu.Unlock()

	return snapshot, nil
}

// durationSince renders the age of an epoch timestamp the way the
// problem view does, dropping leading zero units.
func durationSince(clock string) string {
	sec, err := strconv.ParseInt(clock, 10, 64)
	if err != nil {
		return ""
	}

	d := time.Since(time.Unix(sec, 0))
	if d < 0 {
		d = 0
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	default:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
}

// lookupService finds a service of the last snapshot by host and
// service name.
func (b *Backend) lookupService(host, service string) *monitor.Service {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hosts[host]
	if !ok {
		return nil
	}

	for _, svc := range h.Services {
		if svc.Name == service {
			return svc
		}
	}

	return nil
}

func (b *Backend) lookupHostID(host string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.hosts[host]; ok {
		return h.ID
	}

	return ""
}

// Acknowledge acknowledges the events behind the named services. With
// sticky set the problem is closed as well, which needs a second call
// for events that forbid manual close.
func (b *Backend) Acknowledge(ctx context.Context, ack *monitor.Acknowledgement) error {
	if err := b.ensureLogin(ctx); err != nil {
		return err
	}

	services := ack.AllServices
	if ack.Service != "" {
		services = append(services, ack.Service)
	}

	eventIDs := make(map[string]struct{})
	unclosable := make(map[string]struct{})
	for _, name := range services {
		svc := b.lookupService(ack.Host, name)
		if svc == nil || svc.EventID == "" || svc.EventID == "-1" {
			continue
		}

		eventIDs[svc.EventID] = struct{}{}
		if !svc.AllowManualClose {
			unclosable[svc.EventID] = struct{}{}
		}
	}

	if len(eventIDs) == 0 {
		return nil
	}

	actions := actionAcknowledge
	if ack.Comment != "" {
		actions |= actionMessage
	}

	acknowledge := func(ids []string, actions int) error {
		if len(ids) == 0 {
			return nil
		}

		_, err := b.call(ctx, "event.acknowledge", map[string]any{
			"eventids": ids,
			"message":  ack.Comment,
			"action":   actions,
		}, true)

		return err
	}

	if ack.Sticky && len(unclosable) > 0 {
		var closable, others []string
		for id := range eventIDs {
			if _, ok := unclosable[id]; ok {
				others = append(others, id)
			} else {
				closable = append(closable, id)
			}
		}

		if err := acknowledge(closable, actions|actionClose); err != nil {
			return err
		}

		return acknowledge(others, actions)
	}

	if ack.Sticky {
		actions |= actionClose
	}

	ids := make([]string, 0, len(eventIDs))
	for id := range eventIDs {
		ids = append(ids, id)
	}

	return acknowledge(ids, actions)
}

// Recheck is not offered, Zabbix triggers recompute on item data.
func (b *Backend) Recheck(context.Context, string, string) error {
	return monitor.ErrNotSupported
}

// Downtime creates a maintenance window for the host, tagged with the
// trigger id when the downtime targets a single service.
func (b *Backend) Downtime(ctx context.Context, req *monitor.DowntimeRequest) error {
	if err := b.ensureLogin(ctx); err != nil {
		return err
	}

	hostID := b.lookupHostID(req.Host)
	if hostID == "" {
		return errors.Errorf("no host id known for host %q", req.Host)
	}

	var start, end time.Time
	if req.Fixed {
		var err error
		if start, err = time.ParseInLocation("2006-01-02 15:04", req.Start, time.Local); err != nil {
			return errors.Wrap(err, "can't parse start time")
		}

		if end, err = time.ParseInLocation("2006-01-02 15:04", req.End, time.Local); err != nil {
			return errors.Wrap(err, "can't parse end time")
		}
	} else {
		start = time.Now()
		end = start.Add(time.Duration(req.Hours)*time.Hour + time.Duration(req.Minutes)*time.Minute)
	}

	stime, etime := start.Unix(), end.Unix()
	if etime < stime {
		return errors.New("downtime may not end before it starts")
	}

	body := map[string]any{
		"hostids":          []string{hostID},
		"name":             req.Comment,
		"description":      req.Author,
		"active_since":     stime,
		"active_till":      etime,
		"maintenance_type": 0,
		"timeperiods": []map[string]any{
			{"timeperiod_type": 0, "start_date": stime, "period": etime - stime},
		},
	}

	if req.Service != "" {
		if svc := b.lookupService(req.Host, req.Service); svc != nil && svc.ID != "" {
			body["tags"] = []map[string]any{{"tag": "triggerid", "operator": 0, "value": svc.ID}}
			body["name"] = req.Host + ": " + req.Service
			body["description"] = req.Author + ": " + req.Comment
		}
	}

	_, err := b.call(ctx, "maintenance.create", body, true)

	return err
}

// SubmitCheckResult is not offered by the API.
func (b *Backend) SubmitCheckResult(context.Context, *monitor.CheckResult) error {
	return monitor.ErrNotSupported
}

// GetHost returns the address of the host if the last snapshot knows
// one, the name otherwise.
func (b *Backend) GetHost(_ context.Context, host string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.hosts[host]; ok && h.Address != "" {
		return h.Address, nil
	}

	return host, nil
}

// StartEnd suggests a two hour window from now.
func (b *Backend) StartEnd(context.Context, string) (string, string, error) {
	now := time.Now()

	return now.Format("2006-01-02 15:04"), now.Add(2 * time.Hour).Format("2006-01-02 15:04"), nil
}

func (b *Backend) URLs() monitor.URLs {
	return monitor.URLs{
		Monitor:  b.opts.URL,
		Hosts:    b.opts.CGIURL + "/hosts.php?ddreset=1",
		Services: b.opts.CGIURL + "/zabbix.php?action=problem.view&fullscreen=0&page=1&filter_show=3&filter_set=1",
		History:  b.opts.CGIURL + "/zabbix.php?action=problem.view&fullscreen=0&page=1&filter_show=2&filter_set=1",
	}
}

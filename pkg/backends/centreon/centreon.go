// Package centreon implements the backend for the Centreon web
// interface, using its session-bound XML status endpoints.
package centreon

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/transport"
	"go.uber.org/zap"
)

// Type is the registered backend type.
const Type = "Centreon"

// sidRotationTicks is how many scheduler ticks pass between forced
// session renewals. At the usual 3 second cadence this is roughly 15
// minutes, comfortably below common server-side session expiry.
const sidRotationTicks = 300

// translations maps the localized states some Centreon installations
// emit onto the English ones.
var translations = map[string]string{
	"INDISPONIBLE": "DOWN",
	"INJOIGNABLE":  "UNREACHABLE",
	"CRITIQUE":     "CRITICAL",
	"INCONNU":      "UNKNOWN",
	"ALERTE":       "WARNING",
}

// hardSoft maps the state type marker trailing the attempt column.
var hardSoft = map[string]string{"(H)": "hard", "(S)": "soft"}

func init() {
	monitor.Register(Type, func(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (monitor.Monitor, error) {
		return New(opts, filters, logger)
	})
}

// Backend talks to one Centreon instance.
type Backend struct {
	opts    *monitor.Options
	filters *monitor.Filters
	client  *transport.Client
	logger  *zap.SugaredLogger

	mu  sync.Mutex
	sid string
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
	return monitor.NewActionSet(
		monitor.ActionMonitor, monitor.ActionRecheck,
		monitor.ActionAcknowledge, monitor.ActionDowntime,
	)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

// login posts the autologin form and stores the fresh PHPSESSID as the
// session id for the XML endpoints.
func (b *Backend) login(ctx context.Context) (string, error) {
	b.client.ResetSession()

	result := b.client.PostForm(ctx, b.opts.URL+"/index.php", url.Values{
		"autologin": {"1"},
		"useralias": {md5hex(b.opts.Username)},
		"password":  {md5hex(b.opts.Password)},
	})
	if result.Err != nil {
		return "", errors.Wrap(result.Err, "login failed")
	}

	sid, ok := b.client.Cookie(b.opts.URL, "PHPSESSID")
	if !ok || sid == "" {
		return "", errors.New("login did not yield a session id")
	}

	b.mu.Lock()
	b.sid = sid
	b.mu.Unlock()

	b.logger.Debug("Obtained new session id")

	return sid, nil
}

func (b *Backend) sessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sid
}

// OnTick renews the session every sidRotationTicks scheduler ticks to
// stay ahead of server-side expiry.
func (b *Backend) OnTick(ctx context.Context, count uint64) {
	if count == 0 || count%sidRotationTicks != 0 {
		return
	}

	if _, err := b.login(ctx); err != nil {
		b.logger.Warnw("Can't rotate session id", zap.Error(err))
	}
}

// statusResponse is the <reponse> document of the XML status endpoints.
// The element name is misspelled on the wire.
type statusResponse struct {
	Text  string      `xml:",chardata"`
	Items []statusRow `xml:"l"`
}

// statusRow is one <l> element. Host and service rows share most tags.
type statusRow struct {
	HostName       string `xml:"hn"`
	Description    string `xml:"sd"`
	Status         string `xml:"cs"`
	HostAttempt    string `xml:"tr"`
	Attempt        string `xml:"ca"`
	LastCheck      string `xml:"lc"`
	HostDuration   string `xml:"lsc"`
	Duration       string `xml:"d"`
	HostOutput     string `xml:"ou"`
	Output         string `xml:"po"`
	Criticality    string `xml:"cih"`
	HostAck        string `xml:"ha"`
	Ack            string `xml:"pa"`
	HostDowntime   string `xml:"hdtm"`
	Downtime       string `xml:"dtm"`
	Flapping       string `xml:"is"`
	NotifyEnabled  string `xml:"ne"`
	HostActive     string `xml:"ace"`
	Active         string `xml:"ac"`
	Address        string `xml:"a"`
}

func (r *statusResponse) badSession() bool {
	return len(r.Items) == 0 && strings.EqualFold(strings.TrimSpace(r.Text), "bad session id")
}

func (r *statusResponse) expired() bool {
	return len(r.Items) == 0
}

func xmlBool(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))

	return err == nil && n != 0
}

func parseSeverity(s string) monitor.Severity {
	if english, ok := translations[s]; ok {
		s = english
	}

	return monitor.ParseSeverity(s)
}

// splitAttempt separates "1/3 (H)" into the attempt and the state type.
func splitAttempt(s string) (attempt, statusType string) {
	attempt, marker, found := strings.Cut(strings.TrimSpace(s), " ")
	if !found {
		return attempt, ""
	}

	return attempt, hardSoft[marker]
}

func (b *Backend) hostsXMLURL(sid string) string {
	return b.opts.URL + "/include/monitoring/status/Hosts/xml/hostXML.php?" + url.Values{
		"num": {"0"}, "limit": {"9999"}, "o": {"hpb"}, "p": {"20202"},
		"criticality": {"0"}, "statusHost": {"hpb"}, "sSetOrderInMemory": {"1"},
		"sid": {sid},
	}.Encode()
}

func (b *Backend) servicesXMLURL(sid string) string {
	return b.opts.URL + "/include/monitoring/status/Services/xml/serviceXML.php?" + url.Values{
		"num": {"0"}, "limit": {"9999"}, "o": {"svcpb"}, "p": {"20201"},
		"nc": {"0"}, "criticality": {"0"}, "statusService": {"svcpb"},
		"sSetOrderInMemory": {"1"}, "sid": {sid},
	}.Encode()
}

// fetchXML fetches one status document. An expired session is renewed
// at most once per refresh cycle, reloggedIn carries that state across
// the host and service fetches.
func (b *Backend) fetchXML(ctx context.Context, build func(sid string) string, reloggedIn *bool) (*statusResponse, error) {
	sid := b.sessionID()
	if sid == "" {
		var err error
		if sid, err = b.login(ctx); err != nil {
			return nil, err
		}
	}

	var resp statusResponse
	if err := b.client.Get(ctx, build(sid)).XML(&resp); err != nil {
		return nil, err
	}

	if !resp.expired() {
		return &resp, nil
	}

	if *reloggedIn {
		if resp.badSession() {
			return nil, errors.New("bad session id")
		}

		return &resp, nil
	}
	*reloggedIn = true

	sid, err := b.login(ctx)
	if err != nil {
		return nil, err
	}

	resp = statusResponse{}
	if err := b.client.Get(ctx, build(sid)).XML(&resp); err != nil {
		return nil, err
	}

	if resp.badSession() {
		return nil, errors.New("bad session id")
	}

	return &resp, nil
}

// GetStatus fetches the host and service XML documents and parses them
// into a snapshot.
func (b *Backend) GetStatus(ctx context.Context) (*monitor.Snapshot, error) {
	builder := monitor.NewBuilder(b.opts.Name, b.opts.Site, b.filters)

	var reloggedIn bool

	hosts, err := b.fetchXML(ctx, b.hostsXMLURL, &reloggedIn)
	if err != nil {
		return nil, err
	}

	for _, row := range hosts.Items {
		h := builder.Host(row.HostName)
		if h.Status != monitor.SeverityOK {
			continue
		}

		h.Status = parseSeverity(row.Status)
		h.Attempt, h.StatusType = splitAttempt(row.HostAttempt)
		h.LastCheck = row.LastCheck
		h.Duration = row.HostDuration
		h.StatusInformation = strings.TrimSpace(strings.ReplaceAll(row.HostOutput, "\n", " "))
		h.Criticality = row.Criticality
		h.Flags.Acknowledged = xmlBool(row.HostAck)
		h.Flags.ScheduledDowntime = xmlBool(row.HostDowntime)
		h.Flags.Flapping = xmlBool(row.Flapping)
		h.Flags.NotificationsDisabled = !xmlBool(row.NotifyEnabled)
		h.Flags.PassiveOnly = !xmlBool(row.HostActive)
	}

	services, err := b.fetchXML(ctx, b.servicesXMLURL, &reloggedIn)
	if err != nil {
		return nil, err
	}

	for _, row := range services.Items {
		attempt, statusType := splitAttempt(row.Attempt)
		svc := &monitor.Service{
			Name:              row.Description,
			Status:            parseSeverity(row.Status),
			StatusType:        statusType,
			Attempt:           attempt,
			LastCheck:         row.LastCheck,
			Duration:          row.Duration,
			StatusInformation: strings.TrimSpace(strings.ReplaceAll(row.Output, "\n", " ")),
			Criticality:       row.Criticality,
		}
		svc.Flags.Acknowledged = xmlBool(row.Ack)
		svc.Flags.ScheduledDowntime = xmlBool(row.Downtime)
		svc.Flags.Flapping = xmlBool(row.Flapping)
		svc.Flags.NotificationsDisabled = !xmlBool(row.NotifyEnabled)
		svc.Flags.PassiveOnly = !xmlBool(row.Active)

		builder.AddService(row.HostName, svc)
	}

	return builder.Snapshot(), nil
}

// GetHost resolves the address of a host through a one-result search on
// the host XML endpoint. The address tag only carries useful data for
// this search variant, down hosts in the status fetch lack it.
func (b *Backend) GetHost(ctx context.Context, host string) (string, error) {
	if host == "" {
		return "", nil
	}

	rawURL := b.opts.URL + "/include/monitoring/status/Hosts/xml/hostXML.php?" + url.Values{
		"sid": {b.sessionID()}, "search": {host}, "num": {"0"}, "limit": {"1"},
		"sort_type": {"hostname"}, "order": {"ASC"},
		"date_time_format_status": {"d/m/Y H:i:s"},
		"o":                       {"h"}, "p": {"20102"}, "time": {"0"},
	}.Encode()

	var resp statusResponse
	if err := b.client.Get(ctx, rawURL).XML(&resp); err != nil {
		return "", err
	}

	if len(resp.Items) == 0 {
		return "", errors.Errorf("no address found for host %q", host)
	}

	return resp.Items[0].Address, nil
}

func boolInt(v bool) string {
	if v {
		return "1"
	}

	return "0"
}

// Acknowledge acknowledges the host problem and, where requested, each
// service on the host with one call per service.
func (b *Backend) Acknowledge(ctx context.Context, ack *monitor.Acknowledgement) error {
	if ack.Service == "" {
		form := url.Values{
			"cmd":            {"14"},
			"host_name":      {ack.Host},
			"author":         {ack.Author},
			"comment":        {ack.Comment},
			"submit":         {"Add"},
			"notify":         {boolInt(ack.Notify)},
			"persistent":     {boolInt(ack.Persistent)},
			"sticky":         {boolInt(ack.Sticky)},
			"ackhostservice": {"0"},
			"en":             {"1"},
			"p":              {"20202"},
			"o":              {"hpb"},
		}

		if result := b.client.PostForm(ctx, b.opts.URL+"/main.php", form); result.Err != nil {
			return result.Err
		}
	}

	services := ack.AllServices
	if ack.Service != "" && len(services) == 0 {
		services = []string{ack.Service}
	}

	for _, service := range services {
		form := url.Values{
			"cmd":                 {"15"},
			"host_name":           {ack.Host},
			"author":              {ack.Author},
			"comment":             {ack.Comment},
			"submit":              {"Add"},
			"notify":              {boolInt(ack.Notify)},
			"service_description": {service},
			"force_check":         {"1"},
			"persistent":          {boolInt(ack.Persistent)},
			"persistant":          {boolInt(ack.Persistent)},
			"sticky":              {boolInt(ack.Sticky)},
			"o":                   {"svcd"},
			"en":                  {"1"},
			"p":                   {"20201"},
		}

		if result := b.client.PostForm(ctx, b.opts.URL+"/main.php", form); result.Err != nil {
			return result.Err
		}
	}

	return nil
}

// scrapeVar extracts the value of a javascript variable assignment like
// `var host_id = '42';` from a details page. The first assignment wins.
func scrapeVar(raw, name string) string {
	_, after, found := strings.Cut(raw, "var "+name+" = '")
	if !found {
		return ""
	}

	value, _, _ := strings.Cut(after, "'")
	if _, err := strconv.Atoi(value); err != nil {
		return ""
	}

	return value
}

func (b *Backend) hostID(ctx context.Context, host string) (string, error) {
	result := b.client.Get(ctx, b.opts.URL+"/main.php?"+url.Values{
		"p": {"20202"}, "o": {"hd"}, "host_name": {host}, "sid": {b.sessionID()},
	}.Encode())
	if result.Err != nil {
		return "", result.Err
	}

	id := scrapeVar(string(result.Body), "host_id")
	if id == "" {
		return "", errors.Errorf("no host id found for host %q", host)
	}

	return id, nil
}

func (b *Backend) hostAndServiceID(ctx context.Context, host, service string) (string, string, error) {
	result := b.client.Get(ctx, b.opts.URL+"/main.php?"+url.Values{
		"p": {"20201"}, "o": {"svcd"}, "host_name": {host}, "service_description": {service},
	}.Encode())
	if result.Err != nil {
		return "", "", result.Err
	}

	raw := string(result.Body)
	hostID, svcID := scrapeVar(raw, "host_id"), scrapeVar(raw, "svc_id")
	if hostID == "" || svcID == "" {
		return "", "", errors.Errorf("no ids found for %s/%s", host, service)
	}

	return hostID, svcID, nil
}

// Recheck schedules an immediate check. The send-command endpoints want
// the numeric ids, which have to be scraped from the details pages
// first.
func (b *Backend) Recheck(ctx context.Context, host, service string) error {
	if service == "" {
		hostID, err := b.hostID(ctx, host)
		if err != nil {
			return err
		}

		result := b.client.Get(ctx, b.opts.URL+"/include/monitoring/objectDetails/xml/hostSendCommand.php?"+
			url.Values{"cmd": {"host_schedule_check"}, "actiontype": {"1"}, "host_id": {hostID}}.Encode())

		return result.Err
	}

	hostID, svcID, err := b.hostAndServiceID(ctx, host, service)
	if err != nil {
		return err
	}

	result := b.client.Get(ctx, b.opts.URL+"/include/monitoring/objectDetails/xml/serviceSendCommand.php?"+
		url.Values{
			"cmd": {"service_schedule_check"}, "actiontype": {"1"},
			"host_id": {hostID}, "service_id": {svcID}, "sid": {b.sessionID()},
		}.Encode())

	return result.Err
}

// Downtime schedules downtime through the command popup endpoint. The
// duration unit is minutes.
func (b *Backend) Downtime(ctx context.Context, req *monitor.DowntimeRequest) error {
	start, end := req.Start, req.End
	fixed := "true"
	if !req.Fixed {
		fixed = "false"
		now := time.Now()
		start = now.Format("01/02/2006 15:04")
		end = now.Add(time.Duration(req.Hours)*time.Hour + time.Duration(req.Minutes)*time.Minute).
			Format("01/02/2006 15:04")
	}

	form := url.Values{
		"duration":       {fmt.Sprint(req.Hours*60 + req.Minutes)},
		"duration_scale": {"m"},
		"start":          {start},
		"end":            {end},
		"comment":        {req.Comment},
		"fixed":          {fixed},
		"author":         {req.Author},
		"sid":            {b.sessionID()},
	}

	if req.Service == "" {
		form.Set("cmd", "75")
		form.Set("downtimehostservice", "true")
		form.Set("select["+req.Host+"]", "1")
	} else {
		form.Set("cmd", "74")
		form.Set("downtimehostservice", "0")
		form.Set("select["+req.Host+";"+req.Service+"]", "1")
	}

	result := b.client.Get(ctx,
		b.opts.URL+"/include/monitoring/external_cmd/cmdPopup.php?"+form.Encode())

	return result.Err
}

// SubmitCheckResult is not offered by the Centreon web interface.
func (b *Backend) SubmitCheckResult(context.Context, *monitor.CheckResult) error {
	return monitor.ErrNotSupported
}

// StartEnd suggests a two hour window from now. Recent Centreon fills
// the downtime form in javascript, there is nothing to scrape.
func (b *Backend) StartEnd(context.Context, string) (string, string, error) {
	now := time.Now()

	return now.Format("01/02/2006 15:04"), now.Add(2 * time.Hour).Format("01/02/2006 15:04"), nil
}

func (b *Backend) URLs() monitor.URLs {
	return monitor.URLs{
		Monitor:  b.opts.URL,
		Hosts:    b.opts.URL + "/main.php?p=20202&o=hpb",
		Services: b.opts.URL + "/main.php?p=20201&o=svcpb",
		History:  b.opts.URL + "/main.php?p=203",
	}
}

// Package nagios implements the backend for Nagios and the classic
// Icinga 1.x web interface, which share the status.cgi and cmd.cgi
// surface.
package nagios

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Backend types sharing this implementation.
const (
	TypeNagios = "Nagios"
	TypeIcinga = "Icinga"
)

// Nagios external command codes used by cmd.cgi.
const (
	cmdAckHost       = "33"
	cmdAckService    = "34"
	cmdDowntimeHost  = "55"
	cmdDowntimeSvc   = "56"
	cmdRecheckHost   = "96"
	cmdRecheckSvc    = "7"
	cmdSubmitHost    = "87"
	cmdSubmitService = "30"
)

// statusMapping translates the status icons of the web interface into
// item flags. disabled.gif marks hosts the same way passiveonly.gif
// marks services.
var statusMapping = map[string]func(*monitor.Flags){
	"ack.gif":         func(f *monitor.Flags) { f.Acknowledged = true },
	"passiveonly.gif": func(f *monitor.Flags) { f.PassiveOnly = true },
	"disabled.gif":    func(f *monitor.Flags) { f.PassiveOnly = true },
	"ndisabled.gif":   func(f *monitor.Flags) { f.NotificationsDisabled = true },
	"downtime.gif":    func(f *monitor.Flags) { f.ScheduledDowntime = true },
	"flapping.gif":    func(f *monitor.Flags) { f.Flapping = true },
}

// serviceprops and hostprops bits selecting hard respectively soft
// states server-side, keyed by the status type the fetch is for.
var statusTypeProps = map[string]string{"hard": "262144", "soft": "524288"}

func init() {
	for _, typ := range []string{TypeNagios, TypeIcinga} {
		typ := typ
		monitor.Register(typ, func(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (monitor.Monitor, error) {
			return New(typ, opts, filters, logger)
		})
	}
}

// Backend talks to one Nagios or Icinga 1.x instance.
type Backend struct {
	typ     string
	opts    *monitor.Options
	filters *monitor.Filters
	client  *transport.Client
	logger  *zap.SugaredLogger
}

// New returns a Backend for the given configuration entry.
func New(typ string, opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (*Backend, error) {
	client, err := transport.NewClient(opts)
	if err != nil {
		return nil, err
	}

	return &Backend{typ: typ, opts: opts, filters: filters, client: client, logger: logger}, nil
}

func (b *Backend) Name() string { return b.opts.Name }
func (b *Backend) Type() string { return b.typ }

func (b *Backend) Actions() monitor.ActionSet {
	return monitor.NewActionSet(
		monitor.ActionMonitor, monitor.ActionRecheck, monitor.ActionAcknowledge,
		monitor.ActionSubmitCheckResult, monitor.ActionDowntime,
	)
}

// GetStatus fetches the host and service problem pages for hard and
// soft states and parses them into a snapshot.
func (b *Backend) GetStatus(ctx context.Context) (*monitor.Snapshot, error) {
	builder := monitor.NewBuilder(b.opts.Name, b.opts.Site, b.filters)

	for _, statusType := range []string{"hard", "soft"} {
		rawURL := b.opts.CGIURL + "/status.cgi?hostgroup=all&style=hostdetail&hoststatustypes=12&hostprops=" +
			statusTypeProps[statusType] + "&limit=0"

		doc, err := b.fetchPage(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		b.parseHosts(builder, doc, statusType)
	}

	for _, statusType := range []string{"hard", "soft"} {
		rawURL := b.opts.CGIURL + "/status.cgi?host=all&servicestatustypes=253&serviceprops=" +
			statusTypeProps[statusType] + "&limit=0"

		doc, err := b.fetchPage(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		b.parseServices(builder, doc, statusType)
	}

	snapshot := builder.Snapshot()
	b.logger.Debugw("Fetched status", zap.Int("hosts", len(snapshot.Hosts)))

	return snapshot, nil
}

func (b *Backend) fetchPage(ctx context.Context, rawURL string) (*html.Node, error) {
	result := b.client.Get(ctx, rawURL)
	if err := checkStatus(result); err != nil {
		return nil, err
	}

	return result.HTML()
}

func checkStatus(result transport.Result) error {
	if result.Err != nil {
		return result.Err
	}

	switch result.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.New("authentication failed")
	case http.StatusOK:
		return nil
	}

	return errors.Errorf("unexpected response status %d", result.StatusCode)
}

// parseHosts walks the hostdetail table. The host column nests several
// layout tables, the hostname is the first link text in the cell.
// Consecutive rows for the same host elide the name, the previous row's
// name carries forward.
func (b *Backend) parseHosts(builder *monitor.Builder, doc *html.Node, statusType string) {
	var lastHost string

	for _, row := range statusTableRows(doc) {
		tds := children(row, "td")
		// Banner, totals and truncated rows fall short of the narrowest
		// host layout.
		if len(tds) < 5 {
			continue
		}

		name := lastHost
		if link := findFirst(tds[0], byTag("a")); link != nil {
			if s := text(link); s != "" {
				name = s
			}
		}

		if name == "" {
			continue
		}
		lastHost = name

		h := builder.Host(name)
		if h.Status != monitor.SeverityOK {
			// Already collected, hard states come first and win.
			continue
		}

		h.Status = monitor.ParseSeverity(text(tds[1]))
		h.StatusType = statusType
		h.LastCheck = text(tds[2])
		h.Duration = text(tds[3])

		// Nagios shows 5 columns for hosts where Icinga shows up to 7,
		// the attempt column only exists in the wider layout.
		if len(tds) < 7 {
			h.StatusInformation = text(tds[4])
			h.Attempt = "n/a"
		} else {
			h.Attempt = text(tds[4])
			h.StatusInformation = text(tds[5])
		}

		for _, icon := range iconFlags(tds[0]) {
			if set, ok := statusMapping[icon]; ok {
				set(&h.Flags)
			}
		}
	}
}

func (b *Backend) parseServices(builder *monitor.Builder, doc *html.Node, statusType string) {
	var lastHost string

	for _, row := range statusTableRows(doc) {
		tds := children(row, "td")
		// Service rows carry seven cells, anything shorter is a banner,
		// totals or truncated row.
		if len(tds) < 7 {
			continue
		}

		host := text(tds[0])
		if host == "" {
			host = lastHost
		}

		if host == "" {
			continue
		}
		lastHost = host

		name := text(tds[1])
		if name == "" {
			continue
		}

		h := builder.Host(host)
		if h.Status == monitor.SeverityOK && len(h.Services) == 0 {
			// A host showing up only through its services may still be
			// flagged, e.g. in downtime.
			for _, icon := range iconFlags(tds[0]) {
				if set, ok := statusMapping[icon]; ok {
					set(&h.Flags)
				}
			}
		}

		if _, ok := h.Services[name]; ok {
			continue
		}

		svc := &monitor.Service{
			Name:              name,
			Status:            monitor.ParseSeverity(text(tds[2])),
			StatusType:        statusType,
			LastCheck:         text(tds[3]),
			Duration:          text(tds[4]),
			Attempt:           text(tds[5]),
			StatusInformation: text(tds[6]),
		}

		for _, icon := range iconFlags(tds[1]) {
			if set, ok := statusMapping[icon]; ok {
				set(&svc.Flags)
			}
		}

		builder.AddService(host, svc)
	}
}

// GetHost scrapes the address of a host from its extinfo page, for
// hosts that are reachable by the address stored in the monitor but do
// not resolve in DNS.
func (b *Backend) GetHost(ctx context.Context, host string) (string, error) {
	if host == "" {
		return "", nil
	}

	doc, err := b.fetchPage(ctx, b.opts.CGIURL+"/extinfo.cgi?type=1&host="+url.QueryEscape(host))
	if err != nil {
		return "", err
	}

	divs := findAll(doc, byTagClass("div", "data"))
	if len(divs) == 0 {
		return "", errors.Errorf("no address found for host %q", host)
	}

	address := text(divs[len(divs)-1])
	if _, rest, found := strings.Cut(address, "://"); found {
		address = rest
	}

	if first, _, found := strings.Cut(address, ","); found {
		address = first
	}

	return address, nil
}

// command posts one external command to cmd.cgi. Icinga insists on the
// submitted form order, so the pairs are encoded as given instead of
// through url.Values.
func (b *Backend) command(ctx context.Context, pairs [][2]string) error {
	var body strings.Builder
	for i, pair := range pairs {
		if i > 0 {
			body.WriteByte('&')
		}

		body.WriteString(url.QueryEscape(pair[0]))
		body.WriteByte('=')
		body.WriteString(url.QueryEscape(pair[1]))
	}

	result := b.client.Post(ctx, b.opts.CGIURL+"/cmd.cgi",
		"application/x-www-form-urlencoded", []byte(body.String()))

	return checkStatus(result)
}

// Acknowledge sends the acknowledge command, once for the host or
// service itself and once per entry in AllServices.
func (b *Backend) Acknowledge(ctx context.Context, ack *monitor.Acknowledgement) error {
	if err := b.acknowledge(ctx, ack, ack.Service); err != nil {
		return err
	}

	for _, service := range ack.AllServices {
		if err := b.acknowledge(ctx, ack, service); err != nil {
			return err
		}
	}

	return nil
}

func (b *Backend) acknowledge(ctx context.Context, ack *monitor.Acknowledgement, service string) error {
	pairs := [][2]string{{"cmd_typ", cmdAckHost}}
	if service != "" {
		pairs[0][1] = cmdAckService
	}

	pairs = append(pairs, [2]string{"cmd_mod", "2"}, [2]string{"host", ack.Host})
	if service != "" {
		pairs = append(pairs, [2]string{"service", service})
	}

	pairs = append(pairs,
		[2]string{"com_author", ack.Author},
		[2]string{"com_data", ack.Comment},
		[2]string{"btnSubmit", "Commit"},
	)

	// An absent send_notification counts as off, the core takes the
	// flag as set whenever it exists regardless of its value.
	if ack.Notify {
		pairs = append(pairs, [2]string{"send_notification", "on"})
	}

	if ack.Persistent {
		pairs = append(pairs, [2]string{"persistent", "on"})
	}

	if ack.Sticky {
		pairs = append(pairs, [2]string{"sticky_ack", "on"})
	}

	return b.command(ctx, pairs)
}

// Recheck forces an immediate check. The prefilled start time is taken
// from the cmd.cgi form so the monitor's own timezone applies.
func (b *Backend) Recheck(ctx context.Context, host, service string) error {
	doc, err := b.fetchPage(ctx, b.opts.CGIURL+"/cmd.cgi?"+url.Values{
		"cmd_typ": {cmdRecheckHost}, "host": {host},
	}.Encode())
	if err != nil {
		return err
	}

	startTime := inputValue(doc, "start_time")

	cmdTyp := cmdRecheckHost
	if service != "" {
		cmdTyp = cmdRecheckSvc
	}

	return b.command(ctx, [][2]string{
		{"cmd_typ", cmdTyp},
		{"cmd_mod", "2"},
		{"host", host},
		{"service", service},
		{"start_time", startTime},
		{"force_check", "on"},
		{"btnSubmit", "Commit"},
	})
}

// Downtime schedules downtime. A flexible downtime gets a window from
// now for the given hours and minutes, a fixed one passes the supplied
// times through verbatim.
func (b *Backend) Downtime(ctx context.Context, req *monitor.DowntimeRequest) error {
	start, end, fixed := req.Start, req.End, "1"
	if !req.Fixed {
		fixed = "0"
		now := time.Now()
		start = now.Format("01-02-2006 15:04:05")
		end = now.Add(time.Duration(req.Hours)*time.Hour + time.Duration(req.Minutes)*time.Minute).
			Format("01-02-2006 15:04:05")
	}

	pairs := [][2]string{{"cmd_typ", cmdDowntimeHost}}
	if req.Service != "" {
		pairs[0][1] = cmdDowntimeSvc
	}

	pairs = append(pairs, [2]string{"cmd_mod", "2"}, [2]string{"trigger", "0"}, [2]string{"host", req.Host})
	if req.Service != "" {
		pairs = append(pairs, [2]string{"service", req.Service})
	}

	return b.command(ctx, append(pairs,
		[2]string{"com_author", req.Author},
		[2]string{"com_data", req.Comment},
		[2]string{"fixed", fixed},
		[2]string{"start_time", start},
		[2]string{"end_time", end},
		[2]string{"hours", fmt.Sprint(req.Hours)},
		[2]string{"minutes", fmt.Sprint(req.Minutes)},
		[2]string{"btnSubmit", "Commit"},
	))
}

var hostStates = map[string]string{"up": "0", "down": "1", "unreachable": "2"}
var serviceStates = map[string]string{"ok": "0", "warning": "1", "critical": "2", "unknown": "3"}

// SubmitCheckResult submits a passive check result.
func (b *Backend) SubmitCheckResult(ctx context.Context, result *monitor.CheckResult) error {
	state := strings.ToLower(result.State)

	if result.Service == "" {
		plugin, ok := hostStates[state]
		if !ok {
			return errors.Errorf("unknown host state %q", result.State)
		}

		return b.command(ctx, [][2]string{
			{"cmd_typ", cmdSubmitHost},
			{"cmd_mod", "2"},
			{"host", result.Host},
			{"plugin_state", plugin},
			{"plugin_output", result.Output},
			{"performance_data", ""},
			{"btnSubmit", "Commit"},
		})
	}

	plugin, ok := serviceStates[state]
	if !ok {
		return errors.Errorf("unknown service state %q", result.State)
	}

	return b.command(ctx, [][2]string{
		{"cmd_typ", cmdSubmitService},
		{"cmd_mod", "2"},
		{"host", result.Host},
		{"service", result.Service},
		{"plugin_state", plugin},
		{"plugin_output", result.Output},
		{"performance_data", ""},
		{"btnSubmit", "Commit"},
	})
}

// StartEnd scrapes the prefilled downtime window from the cmd.cgi form,
// the times vary with the monitor's timezone.
func (b *Backend) StartEnd(ctx context.Context, host string) (string, string, error) {
	doc, err := b.fetchPage(ctx, b.opts.CGIURL+"/cmd.cgi?"+url.Values{
		"cmd_typ": {cmdDowntimeHost}, "host": {host},
	}.Encode())
	if err != nil {
		return "n/a", "n/a", err
	}

	start, end := inputValue(doc, "start_time"), inputValue(doc, "end_time")
	if start == "" || end == "" {
		return "n/a", "n/a", errors.New("no start and end time found")
	}

	return start, end, nil
}

func (b *Backend) URLs() monitor.URLs {
	return monitor.URLs{
		Monitor:  b.opts.URL,
		Hosts:    b.opts.CGIURL + "/status.cgi?hostgroup=all&style=hostdetail&hoststatustypes=12",
		Services: b.opts.CGIURL + "/status.cgi?host=all&servicestatustypes=253",
		History:  b.opts.CGIURL + "/history.cgi?host=all",
	}
}

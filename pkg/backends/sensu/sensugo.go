package sensu

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/transport"
	"go.uber.org/zap"
)

// TypeSensuGo is the registered type of the Sensu Go backend.
const TypeSensuGo = "SensuGo"

// namespaceSeparator joins namespace and entity name into the host key
// so entities of the same name in different namespaces stay apart.
const namespaceSeparator = " ||| "

func init() {
	monitor.Register(TypeSensuGo, func(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (monitor.Monitor, error) {
		return NewGo(opts, filters, logger)
	})
}

// GoBackend talks to one Sensu Go API. Sessions are JWT pairs from
// /auth, the access token is refreshed before every status fetch.
type GoBackend struct {
	opts    *monitor.Options
	filters *monitor.Filters
	client  *transport.Client
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewGo returns a GoBackend for the given configuration entry.
func NewGo(opts *monitor.Options, filters *monitor.Filters, logger *zap.SugaredLogger) (*GoBackend, error) {
	client, err := transport.NewClient(opts)
	if err != nil {
		return nil, err
	}

	return &GoBackend{opts: opts, filters: filters, client: client, logger: logger}, nil
}

func (b *GoBackend) Name() string { return b.opts.Name }
func (b *GoBackend) Type() string { return TypeSensuGo }

func (b *GoBackend) Actions() monitor.ActionSet {
	return monitor.NewActionSet(monitor.ActionMonitor, monitor.ActionAcknowledge)
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (b *GoBackend) storeTokens(pair tokenPair) {
	b.mu.Lock()
	b.accessToken, b.refreshToken = pair.AccessToken, pair.RefreshToken
	b.mu.Unlock()
}

func (b *GoBackend) tokens() (access, refresh string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.accessToken, b.refreshToken
}

// authHeader returns the explicit header for one request, Bearer with
// the current access token.
func (b *GoBackend) authHeader() http.Header {
	access, _ := b.tokens()

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+access)

	return header
}

// login acquires a fresh token pair with basic credentials.
func (b *GoBackend) login(ctx context.Context) error {
	header := make(http.Header)
	header.Set("Authorization", "Basic "+
		base64.StdEncoding.EncodeToString([]byte(b.opts.Username+":"+b.opts.Password)))

	result := b.client.Do(ctx, http.MethodGet, b.opts.CGIURL+"/auth", "", nil, header)
	if err := checkResponse(result); err != nil {
		return errors.Wrap(err, "authentication failed")
	}

	var pair tokenPair
	if err := result.JSON(&pair); err != nil {
		return err
	}

	b.storeTokens(pair)

	return nil
}

// refresh renews the access token, falling back to a full login when
// no refresh token is held yet or the renewal is rejected.
func (b *GoBackend) refresh(ctx context.Context) error {
	_, refreshToken := b.tokens()
	if refreshToken == "" {
		return b.login(ctx)
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return errors.Wrap(err, "can't encode refresh request")
	}

	result := b.client.Do(ctx, http.MethodPost, b.opts.CGIURL+"/auth/token",
		"application/json", body, b.authHeader())
	if err := checkResponse(result); err != nil {
		return b.login(ctx)
	}

	var pair tokenPair
	if err := result.JSON(&pair); err != nil {
		return err
	}

	b.storeTokens(pair)

	return nil
}

type goEvent struct {
	Timestamp int64 `json:"timestamp"`
	Entity    struct {
		Metadata struct {
			Namespace string `json:"namespace"`
			Name      string `json:"name"`
		} `json:"metadata"`
	} `json:"entity"`
	Check struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Status      int    `json:"status"`
		Output      string `json:"output"`
		LastOK      int64  `json:"last_ok"`
		Occurrences int    `json:"occurrences"`
		IsSilenced  bool   `json:"is_silenced"`
		Publish     bool   `json:"publish"`
	} `json:"check"`
}

// GetStatus refreshes the access token and fetches the current events.
func (b *GoBackend) GetStatus(ctx context.Context) (*monitor.Snapshot, error) {
	if err := b.refresh(ctx); err != nil {
		return nil, err
	}

	result := b.client.Do(ctx, http.MethodGet, b.opts.CGIURL+"/api/core/v2/events", "", nil, b.authHeader())
	if err := checkResponse(result); err != nil {
		return nil, err
	}

	var events []goEvent
	if err := result.JSON(&events); err != nil {
		return nil, err
	}

	builder := monitor.NewBuilder(b.opts.Name, b.opts.Site, b.filters)

	for _, e := range events {
		host := e.Entity.Metadata.Namespace + namespaceSeparator + e.Entity.Metadata.Name

		status, ok := severityByCode[e.Check.Status]
		if !ok {
			status = monitor.SeverityUnknown
		}

		svc := &monitor.Service{
			Name:              e.Check.Metadata.Name,
			Status:            status,
			StatusInformation: e.Check.Output,
			LastCheck:         time.Unix(e.Timestamp, 0).Format("2006-01-02 15:04:05"),
			Duration:          durationSince(e.Check.LastOK),
			Attempt:           strconv.Itoa(e.Check.Occurrences) + "/1",
		}
		svc.Flags.Acknowledged = e.Check.IsSilenced
		svc.Flags.NotificationsDisabled = e.Check.IsSilenced
		svc.Flags.PassiveOnly = !e.Check.Publish

		builder.Host(host)
		builder.AddService(host, svc)
	}

	return builder.Snapshot(), nil
}

// namespaceOf splits the namespace off a combined host key.
func namespaceOf(host string) string {
	namespace, _, _ := strings.Cut(host, namespaceSeparator)

	return namespace
}

// Acknowledge creates or updates a silence for the check in the host's
// namespace, expiring when the check resolves.
func (b *GoBackend) Acknowledge(ctx context.Context, ack *monitor.Acknowledgement) error {
	if err := b.refresh(ctx); err != nil {
		return err
	}

	services := ack.AllServices
	if ack.Service != "" {
		services = append(services, ack.Service)
	}

	namespace := namespaceOf(ack.Host)

	for _, service := range services {
		body, err := json.Marshal(map[string]any{
			"metadata": map[string]string{
				"name":      service,
				"namespace": namespace,
			},
			"expire":            -1,
			"expire_on_resolve": true,
			"creator":           ack.Author,
			"reason":            ack.Comment,
			"check":             service,
		})
		if err != nil {
			return errors.Wrap(err, "can't encode silence")
		}

		result := b.client.Do(ctx, http.MethodPut,
			b.opts.CGIURL+"/api/core/v2/namespaces/"+namespace+"/silenced/"+service,
			"application/json", body, b.authHeader())
		if err := checkResponse(result); err != nil {
			return err
		}
	}

	return nil
}

func (b *GoBackend) Recheck(context.Context, string, string) error {
	return monitor.ErrNotSupported
}

func (b *GoBackend) Downtime(context.Context, *monitor.DowntimeRequest) error {
	return monitor.ErrNotSupported
}

func (b *GoBackend) SubmitCheckResult(context.Context, *monitor.CheckResult) error {
	return monitor.ErrNotSupported
}

func (b *GoBackend) GetHost(_ context.Context, host string) (string, error) {
	return host, nil
}

func (b *GoBackend) StartEnd(context.Context, string) (string, string, error) {
	return "", "", monitor.ErrNotSupported
}

func (b *GoBackend) URLs() monitor.URLs {
	return monitor.URLs{Monitor: b.opts.URL, Hosts: b.opts.URL, Services: b.opts.URL, History: b.opts.URL}
}

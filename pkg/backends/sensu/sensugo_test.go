package sensu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polymon/polymon/pkg/monitor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGoEvents() []map[string]any {
	now := time.Now().Unix()

	return []map[string]any{
		{
			"timestamp": now,
			"entity": map[string]any{
				"metadata": map[string]string{"namespace": "default", "name": "web1"},
			},
			"check": map[string]any{
				"metadata":    map[string]string{"name": "disk"},
				"status":      2,
				"output":      "disk full",
				"last_ok":     now - 3600,
				"occurrences": 3,
				"is_silenced": true,
				"publish":     true,
			},
		},
		{
			"timestamp": now,
			"entity": map[string]any{
				"metadata": map[string]string{"namespace": "ops", "name": "web1"},
			},
			"check": map[string]any{
				"metadata":    map[string]string{"name": "backup"},
				"status":      1,
				"output":      "backup late",
				"last_ok":     now - 60,
				"occurrences": 1,
				"is_silenced": false,
				"publish":     false,
			},
		},
	}
}

// goAPIHandler fakes the Sensu Go API including the JWT dance. The
// access token changes on every login and renewal, API requests must
// carry the newest one.
type goAPIHandler struct {
	t        *testing.T
	logins   int
	refreshs int
	access   string
	silences map[string]map[string]any
}

func (h *goAPIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/auth":
		user, pass, ok := r.BasicAuth()
		require.True(h.t, ok)
		require.Equal(h.t, "jdoe", user)
		require.Equal(h.t, "secret", pass)

		h.logins++
		h.access = "access-login"
		_ = json.NewEncoder(w).Encode(tokenPair{AccessToken: h.access, RefreshToken: "refresh1"})
	case r.URL.Path == "/auth/token":
		var body map[string]string
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(h.t, "refresh1", body["refresh_token"])

		h.refreshs++
		h.access = "access-renewed"
		_ = json.NewEncoder(w).Encode(tokenPair{AccessToken: h.access, RefreshToken: "refresh1"})
	case r.URL.Path == "/api/core/v2/events":
		require.Equal(h.t, "Bearer "+h.access, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(testGoEvents())
	case r.Method == http.MethodPut:
		require.Equal(h.t, "Bearer "+h.access, r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&body))
		if h.silences == nil {
			h.silences = make(map[string]map[string]any)
		}
		h.silences[r.URL.Path] = body
	default:
		h.t.Errorf("unexpected request to %s", r.URL.Path)
	}
}

func newTestGoBackend(t *testing.T, url string) *GoBackend {
	t.Helper()

	opts := &monitor.Options{
		Name:           "sengo1",
		Type:           TypeSensuGo,
		URL:            url,
		CGIURL:         url,
		Username:       "jdoe",
		Password:       "secret",
		Authentication: monitor.AuthBasic,
		Timeout:        time.Second,
	}

	b, err := NewGo(opts, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	return b
}

func TestGoGetStatus(t *testing.T) {
	handler := &goAPIHandler{t: t}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	b := newTestGoBackend(t, srv.URL)

	snapshot, err := b.GetStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, handler.logins)
	require.Equal(t, 0, handler.refreshs)

	// The namespace is part of the host key, same-named entities in
	// different namespaces stay separate.
	require.Len(t, snapshot.Hosts, 2)
	require.Contains(t, snapshot.Hosts, "default ||| web1")
	require.Contains(t, snapshot.Hosts, "ops ||| web1")

	disk := snapshot.Hosts["default ||| web1"].Services["disk"]
	require.NotNil(t, disk)
	require.Equal(t, monitor.SeverityCritical, disk.Status)
	require.True(t, disk.Flags.Acknowledged)
	require.True(t, disk.Flags.NotificationsDisabled)
	require.False(t, disk.Flags.PassiveOnly)

	backup := snapshot.Hosts["ops ||| web1"].Services["backup"]
	require.NotNil(t, backup)
	require.True(t, backup.Flags.PassiveOnly)
	require.Equal(t, "1/1", backup.Attempt)
}

func TestGoGetStatusReusesRefreshToken(t *testing.T) {
	handler := &goAPIHandler{t: t}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	b := newTestGoBackend(t, srv.URL)

	_, err := b.GetStatus(context.Background())
	require.NoError(t, err)
	_, err = b.GetStatus(context.Background())
	require.NoError(t, err)

	// The basic login happens once, every further cycle only renews.
	require.Equal(t, 1, handler.logins)
	require.Equal(t, 1, handler.refreshs)
}

func TestGoAcknowledge(t *testing.T) {
	handler := &goAPIHandler{t: t}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	b := newTestGoBackend(t, srv.URL)

	err := b.Acknowledge(context.Background(), &monitor.Acknowledgement{
		Host:    "ops ||| web1",
		Service: "backup",
		Author:  "jdoe",
		Comment: "known issue",
	})
	require.NoError(t, err)

	body := handler.silences["/api/core/v2/namespaces/ops/silenced/backup"]
	require.NotNil(t, body)
	require.Equal(t, "backup", body["check"])
	require.Equal(t, float64(-1), body["expire"])
	require.Equal(t, true, body["expire_on_resolve"])

	metadata := body["metadata"].(map[string]any)
	require.Equal(t, "ops", metadata["namespace"])
	require.Equal(t, "backup", metadata["name"])
}

func TestGoUnsupportedActions(t *testing.T) {
	b := newTestGoBackend(t, "http://0.0.0.1")

	require.ErrorIs(t, b.Recheck(context.Background(), "h", "s"), monitor.ErrNotSupported)
	require.ErrorIs(t, b.Downtime(context.Background(), &monitor.DowntimeRequest{}), monitor.ErrNotSupported)
	require.ErrorIs(t, b.SubmitCheckResult(context.Background(), &monitor.CheckResult{}), monitor.ErrNotSupported)
	require.True(t, b.Actions().Has(monitor.ActionAcknowledge))
	require.False(t, b.Actions().Has(monitor.ActionDowntime))
}

package alertmanager

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

func testAlerts() []map[string]any {
	started := time.Now().UTC().Add(-30 * time.Minute).Format(time.RFC3339)

	return []map[string]any{
		{
			"fingerprint": "f1",
			"labels": map[string]string{
				"severity": "page", "alertname": "DiskFull", "instance": "web1:9100",
			},
			"annotations": map[string]string{"summary": "disk almost full"},
			"status":      map[string]string{"state": "active"},
			"startsAt":    started,
			"updatedAt":   started,
		},
		{
			"fingerprint": "f2",
			"labels": map[string]string{
				"severity": "ticket", "alertname": "CPUHigh", "instance": "web1:9100",
			},
			"annotations": map[string]string{"summary": "load is high"},
			"status":      map[string]string{"state": "suppressed"},
			"startsAt":    started,
			"updatedAt":   started,
		},
		{
			"fingerprint": "f3",
			"labels": map[string]string{
				"severity": "info", "alertname": "CertExpiry", "pod_name": "ingress-1",
			},
			"annotations": map[string]string{"message": "cert expires soon"},
			"status":      map[string]string{"state": "active"},
			"startsAt":    started,
			"updatedAt":   started,
		},
		{
			"fingerprint": "f4",
			"labels":      map[string]string{"severity": "none", "alertname": "Heartbeat"},
			"startsAt":    started,
			"updatedAt":   started,
		},
	}
}

func newTestBackend(t *testing.T, url string) *Backend {
	t.Helper()

	opts := &monitor.Options{
		Name:           "am1",
		Type:           Type,
		URL:            url,
		CGIURL:         url,
		Authentication: monitor.AuthBasic,
		Timeout:        time.Second,

		MapToHostname:          "pod_name,namespace,instance",
		MapToServicename:       "alertname",
		MapToStatusInformation: "message,summary,description",
		MapToUnknown:           "unknown",
		MapToWarning:           "ticket",
		MapToCritical:          "page,sev-1",
		MapToDown:              "down",
	}

	b, err := New(opts, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	return b
}

func alertsHandler(t *testing.T, alerts []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/alerts", r.URL.Path)
		require.Equal(t, "false", r.URL.Query().Get("inhibited"))

		_ = json.NewEncoder(w).Encode(alerts)
	}
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(alertsHandler(t, testAlerts()))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	snapshot, err := b.GetStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Hosts, 2)

	// The port suffix of the instance label is stripped.
	web1 := snapshot.Hosts["web1"]
	require.NotNil(t, web1)
	require.Len(t, web1.Services, 2)

	f1 := web1.Services["f1"]
	require.NotNil(t, f1)
	require.Equal(t, "DiskFull", f1.DisplayName)
	require.Equal(t, monitor.SeverityCritical, f1.Status)
	require.Equal(t, "disk almost full", f1.StatusInformation)
	require.Equal(t, "active", f1.Attempt)
	require.False(t, f1.Flags.Acknowledged)

	// Suppressed alerts count as both acknowledged and in downtime.
	f2 := web1.Services["f2"]
	require.NotNil(t, f2)
	require.Equal(t, monitor.SeverityWarning, f2.Status)
	require.True(t, f2.Flags.Acknowledged)
	require.True(t, f2.Flags.ScheduledDowntime)

	// Unmapped severities fall through to upper-casing.
	f3 := snapshot.Hosts["ingress-1"].Services["f3"]
	require.NotNil(t, f3)
	require.Equal(t, monitor.SeverityInformation, f3.Status)
	require.Equal(t, "cert expires soon", f3.StatusInformation)

	// Severity none alerts are dropped entirely.
	for _, h := range snapshot.Hosts {
		require.NotContains(t, h.Services, "f4")
	}
}

func TestGetStatusFilterExpression(t *testing.T) {
	var filter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter = r.URL.Query().Get("filter")
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)
	b.opts.AlertFilter = `env="prod"`

	snapshot, err := b.GetStatus(context.Background())
	require.NoError(t, err)
	require.True(t, snapshot.Empty())
	require.Equal(t, `env="prod"`, filter)
}

func TestAcknowledgeSilences(t *testing.T) {
	var silences []silence
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/alerts" {
			_ = json.NewEncoder(w).Encode(testAlerts())

			return
		}

		require.Equal(t, "/api/v2/silences", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var s silence
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		silences = append(silences, s)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	_, err := b.GetStatus(context.Background())
	require.NoError(t, err)

	err = b.Acknowledge(context.Background(), &monitor.Acknowledgement{
		Host:    "web1",
		Service: "f1",
		Author:  "jdoe",
		Comment: "looking into it",
	})
	require.NoError(t, err)
	require.Len(t, silences, 1)

	s := silences[0]
	require.Equal(t, "jdoe", s.CreatedBy)
	require.Equal(t, "looking into it", s.Comment)

	// One equality matcher per alert label.
	require.Len(t, s.Matchers, 3)
	byName := make(map[string]matcher)
	for _, m := range s.Matchers {
		byName[m.Name] = m
	}
	require.Equal(t, "page", byName["severity"].Value)
	require.Equal(t, "web1:9100", byName["instance"].Value)
	require.False(t, byName["severity"].IsRegex)
	require.True(t, byName["severity"].IsEqual)

	start, err := time.Parse(time.RFC3339, s.StartsAt)
	require.NoError(t, err)
	end, err := time.Parse(time.RFC3339, s.EndsAt)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestDowntimeUnknownAlert(t *testing.T) {
	srv := httptest.NewServer(alertsHandler(t, nil))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	_, err := b.GetStatus(context.Background())
	require.NoError(t, err)

	err = b.Downtime(context.Background(), &monitor.DowntimeRequest{
		Host:    "web1",
		Service: "f9",
		Start:   "2026-01-01 12:00:00",
		End:     "2026-01-01 14:00:00",
	})
	require.ErrorContains(t, err, "no alert known")
}

func TestRecheckNotSupported(t *testing.T) {
	b := newTestBackend(t, "http://0.0.0.1")

	require.ErrorIs(t, b.Recheck(context.Background(), "h1", "svc1"), monitor.ErrNotSupported)
	require.ErrorIs(t, b.SubmitCheckResult(context.Background(), &monitor.CheckResult{}), monitor.ErrNotSupported)
	require.False(t, b.Actions().Has(monitor.ActionRecheck))
}

func TestMapSeverity(t *testing.T) {
	b := newTestBackend(t, "http://0.0.0.1")

	require.Equal(t, "CRITICAL", b.mapSeverity("page"))
	require.Equal(t, "CRITICAL", b.mapSeverity("sev-1"))
	require.Equal(t, "WARNING", b.mapSeverity("ticket"))
	require.Equal(t, "UNKNOWN", b.mapSeverity("unknown"))
	require.Equal(t, "INFO", b.mapSeverity("info"))
	require.Equal(t, monitor.SeverityInformation, monitor.ParseSeverity(b.mapSeverity("info")))
}

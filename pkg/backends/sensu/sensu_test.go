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

func testEvents() []map[string]any {
	now := time.Now().Unix()

	return []map[string]any{
		{
			"id":                "e1",
			"dc":                "dc1",
			"timestamp":         now,
			"last_state_change": now - 3600,
			"occurrences":       4,
			"silenced":          false,
			"client":            map[string]any{"name": "web1"},
			"check": map[string]any{
				"name": "disk", "status": 2, "output": "disk full", "standalone": false,
			},
		},
		{
			"id":                "e2",
			"dc":                "dc1",
			"timestamp":         now,
			"last_state_change": now - 60,
			"occurrences":       1,
			"silenced":          true,
			"client":            map[string]any{"name": "web1"},
			"check": map[string]any{
				"name": "load", "status": 1, "output": "load high", "standalone": false,
			},
		},
		{
			"id":                "e3",
			"dc":                "dc2",
			"timestamp":         now,
			"last_state_change": 0,
			"occurrences":       1,
			"silenced":          false,
			"client":            map[string]any{"name": "db1"},
			"check": map[string]any{
				"name": "replication", "status": 7, "output": "broken", "standalone": true,
			},
		},
	}
}

func newTestBackend(t *testing.T, url string) *Backend {
	t.Helper()

	opts := &monitor.Options{
		Name:           "sen1",
		Type:           TypeSensu,
		URL:            url,
		CGIURL:         url,
		Username:       "jdoe",
		Password:       "secret",
		Authentication: monitor.AuthBasic,
		Timeout:        time.Second,
	}

	b, err := New(opts, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	return b
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		_ = json.NewEncoder(w).Encode(testEvents())
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	snapshot, err := b.GetStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Hosts, 2)

	web1 := snapshot.Hosts["web1"]
	require.NotNil(t, web1)
	require.Equal(t, "dc1", web1.Site)
	require.Len(t, web1.Services, 2)

	disk := web1.Services["disk"]
	require.NotNil(t, disk)
	require.Equal(t, monitor.SeverityCritical, disk.Status)
	require.Equal(t, "e1", disk.EventID)
	require.Equal(t, "4/1", disk.Attempt)
	require.False(t, disk.Flags.Acknowledged)

	// The datacenter reaches the services too, host and service hashes
	// agree on it.
	require.Equal(t, "dc1", disk.Site)
	require.Equal(t, "dc2", snapshot.Hosts["db1"].Services["replication"].Site)

	// Silenced events count as acknowledged and muted.
	load := web1.Services["load"]
	require.NotNil(t, load)
	require.True(t, load.Flags.Acknowledged)
	require.True(t, load.Flags.NotificationsDisabled)

	// Out-of-range exit codes and zero state-change timestamps.
	replication := snapshot.Hosts["db1"].Services["replication"]
	require.NotNil(t, replication)
	require.Equal(t, monitor.SeverityUnknown, replication.Status)
	require.Equal(t, "n/a", replication.Duration)
}

func TestAcknowledgeSilences(t *testing.T) {
	var silences []silenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/silenced", r.URL.Path)

		var s silenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		silences = append(silences, s)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	err := b.Acknowledge(context.Background(), &monitor.Acknowledgement{
		Host:        "web1",
		Author:      "jdoe",
		Comment:     "on it",
		AllServices: []string{"disk", "load"},
	})
	require.NoError(t, err)
	require.Len(t, silences, 2)

	require.Equal(t, "disk", silences[0].Check)
	require.Equal(t, "client:web1", silences[0].Subscription)
	require.True(t, silences[0].ExpireOnResolve)
	require.Zero(t, silences[0].Expire)
	require.Equal(t, "load", silences[1].Check)
}

func TestRecheck(t *testing.T) {
	var request map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/events":
			_ = json.NewEncoder(w).Encode(testEvents())
		case "/events/web1/disk":
			_ = json.NewEncoder(w).Encode(testEvents()[0])
		case "/request":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	_, err := b.GetStatus(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Recheck(context.Background(), "web1", "disk"))
	require.Equal(t, "disk", request["check"])
	require.Equal(t, []any{"client:web1"}, request["subscribers"])
	require.Equal(t, "dc1", request["dc"])
}

func TestRecheckKeepaliveRejected(t *testing.T) {
	// Must fail before any request goes out.
	b := newTestBackend(t, "http://0.0.0.1")

	err := b.Recheck(context.Background(), "web1", "keepalive")
	require.ErrorContains(t, err, "keepalive")
}

func TestRecheckStandaloneRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events/db1/replication", r.URL.Path)
		_ = json.NewEncoder(w).Encode(testEvents()[2])
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	err := b.Recheck(context.Background(), "db1", "replication")
	require.ErrorContains(t, err, "standalone")
}

func TestDowntimeExpire(t *testing.T) {
	var s silenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	err := b.Downtime(context.Background(), &monitor.DowntimeRequest{
		Host:    "web1",
		Service: "disk",
		Author:  "jdoe",
		Comment: "maintenance",
		Hours:   1,
		Minutes: 30,
	})
	require.NoError(t, err)

	require.Equal(t, int64(5400), s.Expire)
	require.False(t, s.ExpireOnResolve)
}

func TestSubmitCheckResult(t *testing.T) {
	var results []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/results", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		results = append(results, body)
	}))
	defer srv.Close()

	b := newTestBackend(t, srv.URL)

	err := b.SubmitCheckResult(context.Background(), &monitor.CheckResult{
		Host: "web1", Service: "disk", State: "critical", Output: "still broken",
	})
	require.NoError(t, err)

	// Unknown states map to the UNKNOWN exit code.
	err = b.SubmitCheckResult(context.Background(), &monitor.CheckResult{
		Host: "web1", Service: "disk", State: "bogus", Output: "?",
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	require.Equal(t, float64(2), results[0]["status"])
	require.Equal(t, "web1", results[0]["source"])
	require.Equal(t, float64(3), results[1]["status"])
}

func TestStartEndNotSupported(t *testing.T) {
	b := newTestBackend(t, "http://0.0.0.1")

	_, _, err := b.StartEnd(context.Background(), "web1")
	require.ErrorIs(t, err, monitor.ErrNotSupported)
}

package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegexFilter(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		f := RegexFilter{Pattern: "db-.*"}
		require.NoError(t, f.Validate())
		require.False(t, f.Excludes("db-1"))
	})

	t.Run("Match", func(t *testing.T) {
		f := RegexFilter{Enabled: true, Pattern: "db-.*"}
		require.NoError(t, f.Validate())
		require.True(t, f.Excludes("db-1"))
		require.False(t, f.Excludes("web-1"))
	})

	t.Run("Reverse", func(t *testing.T) {
		f := RegexFilter{Enabled: true, Pattern: "db-.*", Reverse: true}
		require.NoError(t, f.Validate())
		require.False(t, f.Excludes("db-1"))
		require.True(t, f.Excludes("web-1"))
	})

	t.Run("InvalidPattern", func(t *testing.T) {
		f := RegexFilter{Enabled: true, Pattern: "("}
		require.Error(t, f.Validate())
	})
}

func TestFiltersFlags(t *testing.T) {
	svc := func(flags Flags) *Service {
		return &Service{Host: "h1", Name: "svc1", Status: SeverityCritical, Flags: flags}
	}

	f := &Filters{Acknowledged: true, ScheduledDowntime: true}
	require.NoError(t, f.Validate())

	require.False(t, f.ExcludesService(svc(Flags{})))
	require.True(t, f.ExcludesService(svc(Flags{Acknowledged: true})))
	require.True(t, f.ExcludesService(svc(Flags{ScheduledDowntime: true})))
	require.False(t, f.ExcludesService(svc(Flags{Flapping: true})))

	f = &Filters{SoftState: true}
	require.NoError(t, f.Validate())

	soft := svc(Flags{})
	soft.StatusType = "soft"
	require.True(t, f.ExcludesService(soft))
}

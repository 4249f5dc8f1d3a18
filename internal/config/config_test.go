package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polymon/polymon/pkg/monitor"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()

	name := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(name, []byte(yaml), 0o600))

	return name
}

func TestFromYAMLFile(t *testing.T) {
	c, err := FromYAMLFile(writeConfig(t, `
servers:
  - name: prod
    type: Zabbix
    url: https://zabbix.example.com
    username: api
    password: secret
  - name: alerts
    type: Alertmanager
    url: https://alertmanager.example.com:9093
    map-to-warning: ticket
update-interval: 1m
metrics:
  enable: true
`))
	require.NoError(t, err)

	require.Len(t, c.Servers, 2)
	require.Equal(t, "prod", c.Servers[0].Name)
	require.Equal(t, "Zabbix", c.Servers[0].Type)

	// Per-server defaults are applied after decoding.
	require.Equal(t, monitor.AuthBasic, c.Servers[0].Authentication)
	require.Equal(t, 10*time.Second, c.Servers[0].Timeout)
	require.Equal(t, "ticket", c.Servers[1].MapToWarning)
	require.Equal(t, "alertname", c.Servers[1].MapToServicename)

	require.Equal(t, time.Minute, c.UpdateInterval)
	require.True(t, c.Metrics.Enable)
	require.Equal(t, ":9823", c.Metrics.Listen)

	// Notification toggles default to on.
	require.True(t, c.Notify.Critical)
	require.True(t, c.Notify.Down)
}

func TestFromYAMLFileNoServers(t *testing.T) {
	_, err := FromYAMLFile(writeConfig(t, `update-interval: 30s`))
	require.ErrorContains(t, err, "no servers configured")
}

func TestFromYAMLFileDuplicateNames(t *testing.T) {
	_, err := FromYAMLFile(writeConfig(t, `
servers:
  - name: prod
    type: Nagios
    url: https://nagios.example.com/nagios
  - name: prod
    type: Zabbix
    url: https://zabbix.example.com
`))
	require.ErrorContains(t, err, "duplicate server name")
}

func TestFromYAMLFileBadInterval(t *testing.T) {
	_, err := FromYAMLFile(writeConfig(t, `
servers:
  - name: prod
    type: Nagios
    url: https://nagios.example.com/nagios
update-interval: -5s
`))
	require.ErrorContains(t, err, "update interval")
}

func TestFromYAMLFileMissingURL(t *testing.T) {
	_, err := FromYAMLFile(writeConfig(t, `
servers:
  - name: prod
    type: Nagios
`))
	require.ErrorContains(t, err, "url missing")
}

func TestFromYAMLFileMissing(t *testing.T) {
	_, err := FromYAMLFile(filepath.Join(t.TempDir(), "nope.yml"))
	require.ErrorContains(t, err, "can't open YAML file")
}

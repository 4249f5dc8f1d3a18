package command

import (
	"os"

	"github.com/polymon/polymon/internal"
	"github.com/polymon/polymon/internal/config"
	"github.com/polymon/polymon/pkg/logging"
	"github.com/polymon/polymon/pkg/monitor"
	"github.com/polymon/polymon/pkg/utils"
	"go.uber.org/zap"

	// Backends register themselves on import.
	_ "github.com/polymon/polymon/pkg/backends/alertmanager"
	_ "github.com/polymon/polymon/pkg/backends/centreon"
	_ "github.com/polymon/polymon/pkg/backends/nagios"
	_ "github.com/polymon/polymon/pkg/backends/sensu"
	_ "github.com/polymon/polymon/pkg/backends/zabbix"
)

// Command holds the parsed flags, the config and the root logging
// setup.
type Command struct {
	Flags   *config.Flags
	Config  *config.Config
	Logging *logging.Logging
}

// New parses CLI flags and the YAML config and initializes logging.
// Non-recoverable errors exit the process.
func New() *Command {
	flags, err := config.ParseFlags()
	if err != nil {
		os.Exit(2)
	}

	if flags.Version {
		internal.Version.Print("polymon")
		os.Exit(0)
	}

	cfg, err := config.FromYAMLFile(flags.Config)
	if err != nil {
		utils.PrintErrorThenExit(err, 1)
	}

	logs, err := logging.NewLogging("polymon", cfg.Logging.Level, cfg.Logging.Output, cfg.Logging.Options)
	if err != nil {
		utils.PrintErrorThenExit(err, 1)
	}

	return &Command{Flags: flags, Config: cfg, Logging: logs}
}

// Backends builds one backend per configured server. Every backend gets
// a child logger named after it.
func (c *Command) Backends() ([]monitor.Monitor, error) {
	backends := make([]monitor.Monitor, 0, len(c.Config.Servers))

	for i := range c.Config.Servers {
		opts := &c.Config.Servers[i]

		m, err := monitor.New(opts, &c.Config.Filters, c.Logging.GetChildLogger(opts.Name))
		if err != nil {
			return nil, err
		}

		backends = append(backends, m)
	}

	return backends, nil
}

// Logger returns the default logger.
func (c *Command) Logger() *zap.SugaredLogger {
	return c.Logging.GetLogger()
}

package config

import (
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/goccy/go-yaml"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/polymon/polymon/pkg/events"
	"github.com/polymon/polymon/pkg/logging"
	"github.com/polymon/polymon/pkg/monitor"
)

// DefaultConfigPath specifies the default location of the config.yml
// for package installations.
const DefaultConfigPath = "/etc/polymon/config.yml"

// Config defines the polymon config.
type Config struct {
	// Servers lists the monitored backends.
	Servers []monitor.Options `yaml:"servers"`

	// Filters are applied locally to every backend's snapshot.
	Filters monitor.Filters `yaml:"filters"`

	// Notify gates which fresh events produce a notification.
	Notify events.NotifyConfig `yaml:"notify"`

	// UpdateInterval is the refresh cadence per backend.
	UpdateInterval time.Duration `yaml:"update-interval" default:"30s"`

	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// MetricsConfig defines the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen" default:":9823"`
}

// Validate checks constraints in the supplied configuration and returns
// an error if they are violated.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("no servers configured")
	}

	names := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}

		if _, ok := names[c.Servers[i].Name]; ok {
			return errors.Errorf("duplicate server name %q", c.Servers[i].Name)
		}
		names[c.Servers[i].Name] = struct{}{}
	}

	if c.UpdateInterval <= 0 {
		return errors.New("update interval must be positive")
	}

	if err := c.Filters.Validate(); err != nil {
		return err
	}

	if err := c.Notify.Validate(); err != nil {
		return err
	}

	return c.Logging.Validate()
}

// FromYAMLFile returns a new Config value created from the given YAML
// config file.
func FromYAMLFile(name string) (*Config, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "can't open YAML file "+name)
	}
	defer f.Close()

	c := &Config{}

	if err := defaults.Set(c); err != nil {
		return nil, errors.Wrap(err, "can't set config defaults")
	}

	d := yaml.NewDecoder(f)
	if err := d.Decode(c); err != nil {
		return nil, errors.Wrap(err, "can't parse YAML file "+name)
	}

	// Defaults of the per-server options are not covered by the
	// top-level Set because the list is empty at that point.
	for i := range c.Servers {
		if err := defaults.Set(&c.Servers[i]); err != nil {
			return nil, errors.Wrap(err, "can't set server defaults")
		}
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return c, nil
}

// Flags defines CLI flags.
type Flags struct {
	// Version decides whether to just print the version and exit.
	Version bool `long:"version" description:"print version and exit"`

	// Config is the path to the config file.
	Config string `short:"c" long:"config" description:"path to config file" default:"/etc/polymon/config.yml"`
}

// ParseFlags parses CLI flags and returns a Flags value created from
// them.
func ParseFlags() (*Flags, error) {
	f := &Flags{}

	parser := flags.NewParser(f, flags.Default)

	if _, err := parser.Parse(); err != nil {
		return nil, errors.Wrap(err, "can't parse CLI flags")
	}

	return f, nil
}

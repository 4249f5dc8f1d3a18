package monitor

import (
	"time"

	"github.com/pkg/errors"
)

// Authentication modes a backend entry may configure.
const (
	AuthBasic  = "basic"
	AuthDigest = "digest"
	AuthBearer = "bearer"
)

// Options is one backend entry from the configuration. All backend
// types share the one shape, fields not applicable to a type are
// ignored by it.
type Options struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// URL is the monitor's base URL, CGIURL the base of the cgi-bin
	// endpoints for the backends that have them. CGIURL defaults to
	// URL + "/cgi-bin".
	URL    string `yaml:"url"`
	CGIURL string `yaml:"cgi-url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Authentication selects how credentials travel, one of basic,
	// digest or bearer.
	Authentication string `yaml:"authentication" default:"basic"`

	// BearerToken is used with bearer authentication instead of
	// username and password.
	BearerToken string `yaml:"bearer-token"`

	// Site qualifies hosts of multi-site monitors. SensuGo uses it as
	// the namespace.
	Site string `yaml:"site"`

	UseProxy       bool   `yaml:"use-proxy"`
	UseProxyFromOS bool   `yaml:"use-proxy-from-os"`
	ProxyAddress   string `yaml:"proxy-address"`
	ProxyUsername  string `yaml:"proxy-username"`
	ProxyPassword  string `yaml:"proxy-password"`

	IgnoreCert       bool   `yaml:"ignore-cert"`
	CustomCert       bool   `yaml:"custom-cert"`
	CustomCertCAFile string `yaml:"custom-cert-ca-file"`

	Timeout time.Duration `yaml:"timeout" default:"10s"`

	// Zabbix only.
	UseDescriptionNameService bool `yaml:"use-description-name-service"`

	// Alertmanager only. The map-to lists name the alert labels probed
	// in order, the severity maps hold comma-separated label values.
	MapToHostname          string `yaml:"map-to-hostname" default:"pod_name,namespace,instance"`
	MapToServicename       string `yaml:"map-to-servicename" default:"alertname"`
	MapToStatusInformation string `yaml:"map-to-status-information" default:"message,summary,description"`
	MapToOK                string `yaml:"map-to-ok"`
	MapToUnknown           string `yaml:"map-to-unknown" default:"unknown"`
	MapToWarning           string `yaml:"map-to-warning" default:"warning"`
	MapToCritical          string `yaml:"map-to-critical" default:"critical"`
	MapToDown              string `yaml:"map-to-down"`
	AlertFilter            string `yaml:"alert-filter"`
}

// Validate checks constraints in the supplied backend options and
// returns an error if they are violated.
func (o *Options) Validate() error {
	if o.Name == "" {
		return errors.New("backend name missing")
	}

	if o.Type == "" {
		return errors.Errorf("backend %q: type missing", o.Name)
	}

	if o.URL == "" {
		return errors.Errorf("backend %q: url missing", o.Name)
	}

	switch o.Authentication {
	case AuthBasic, AuthDigest, AuthBearer:
	default:
		return errors.Errorf("backend %q: unknown authentication mode %q", o.Name, o.Authentication)
	}

	if o.CGIURL == "" {
		o.CGIURL = o.URL + "/cgi-bin"
	}

	return nil
}

package logging

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// Config defines Logger configuration.
type Config struct {
	// zapcore.Level at 0 is for info level.
	Level  zapcore.Level `yaml:"level" default:"0"`
	Output string        `yaml:"output"`

	Options `yaml:"options"`
}

// Validate checks constraints in the supplied Config configuration and returns an error if they are violated.
// Also configures the log output if it is not configured:
// systemd-journald is used when running under systemd, otherwise stderr.
func (l *Config) Validate() error {
	if l.Output == "" {
		if _, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			// NOTIFY_SOCKET is set by systemd for Type=notify supervised services.
			l.Output = JOURNAL
		} else {
			l.Output = CONSOLE
		}
	}

	if err := AssertOutput(l.Output); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

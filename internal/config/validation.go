package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/rlog-relay/internal/replay"
)

// FieldError is one invalid setting.
type FieldError struct {
	Field   string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Problem: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Field, f.Problem))
	}
	return sb.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if err := c.Server.RelayConfig().Validate(); err != nil {
		errs.add("server", "%v", err)
	}
	if c.Server.Addr == "" {
		errs.add("server.addr", "is required")
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		errs.add("admin.addr", "is required when admin is enabled")
	}

	if c.Producer.Interval <= 0 {
		errs.add("producer.interval", "must be > 0")
	}
	switch c.Producer.Source {
	case "runtime":
	case "replay":
		if c.Producer.ReplayPath == "" {
			errs.add("producer.replay_path", "is required for the replay source")
		}
		if _, err := replay.ParseMode(c.Producer.ReplayMode); err != nil {
			errs.add("producer.replay_mode", "%v", err)
		}
	default:
		errs.add("producer.source", "%q (must be 'runtime' or 'replay')", c.Producer.Source)
	}

	if c.Record.Enabled && c.Record.Directory == "" {
		errs.add("record.directory", "is required when recording is enabled")
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs.add("logging.level", "%q is not a log level", c.Logging.Level)
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "must be >= 1 when logging to a file")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

package config

import (
	"errors"
	"strings"
)

// Config is the full daemon configuration. Field names match the
// add-on's options.json so existing installs keep working.
type Config struct {
	Credentials CredentialsConfig `json:"credentials"`
	Poll        PollConfig        `json:"poll"`
	Fetcher     FetcherConfig     `json:"fetcher"`
	HTTP        HTTPConfig        `json:"http,omitempty"`
	Logging     LoggingConfig     `json:"logging,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Notify      *NotifyConfig     `json:"notify,omitempty"`
}

type CredentialsConfig struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PollConfig drives the adaptive scheduler and the reconciliation
// rules. All *_seconds/*_minutes fields are plain integers like the
// original add-on options; they are clamped to sane bounds by the
// poller before use.
type PollConfig struct {
	IdlePollSeconds   int `json:"idle_poll_seconds,omitempty"`   // default 1800
	ProbeAfterMinutes int `json:"probe_after_minutes,omitempty"` // default 45
	ProbePollSeconds  int `json:"probe_poll_seconds,omitempty"`  // default 120
	ProbeMaxMinutes   int `json:"probe_max_minutes,omitempty"`   // default 20
	MinPollSeconds    int `json:"min_poll_seconds,omitempty"`    // default 30
	JitterSeconds     int `json:"jitter_seconds,omitempty"`      // default 15

	// KeepLastOnError is a pointer so "omitted" defaults to true.
	KeepLastOnError     *bool   `json:"keep_last_on_error,omitempty"`
	AllowDecrease       bool    `json:"allow_decrease,omitempty"`
	DecreaseToleranceM3 float64 `json:"decrease_tolerance_m3,omitempty"`

	// ProbeSchedule is an optional cron spec that forces a probe window,
	// e.g. "30 6 * * *" when the utility publishes around 06:30.
	ProbeSchedule string `json:"probe_schedule,omitempty"`

	// Timezone interprets the portal's naive timestamps (IANA name).
	// Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`
}

type FetcherConfig struct {
	Driver string `json:"driver,omitempty"` // "exec" (default) or "http"

	// Timeout is a Go duration string (e.g. "90s").
	Timeout string `json:"timeout,omitempty"`

	// Command runs the scraper helper (exec driver).
	Command []string `json:"command,omitempty"`

	// URL serves the fragment directly (http driver).
	URL string `json:"url,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default ":8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // default true
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/data/meterwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type NotifyConfig struct {
	Enabled          bool   `json:"enabled"`
	Token            string `json:"token,omitempty"`
	ChatID           int64  `json:"chat_id,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RatePerMin       int    `json:"rate_per_min,omitempty"`
}

// KeepLast resolves the keep_last_on_error default (true).
func (p PollConfig) KeepLast() bool {
	if p.KeepLastOnError == nil {
		return true
	}
	return *p.KeepLastOnError
}

// ConsoleEnabled resolves the logging.console default (true).
func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

// ApplyDefaults fills zero interval fields with the add-on defaults.
func (c *Config) ApplyDefaults() {
	if c.Poll.IdlePollSeconds == 0 {
		c.Poll.IdlePollSeconds = 1800
	}
	if c.Poll.ProbeAfterMinutes == 0 {
		c.Poll.ProbeAfterMinutes = 45
	}
	if c.Poll.ProbePollSeconds == 0 {
		c.Poll.ProbePollSeconds = 120
	}
	if c.Poll.ProbeMaxMinutes == 0 {
		c.Poll.ProbeMaxMinutes = 20
	}
	if c.Poll.MinPollSeconds == 0 {
		c.Poll.MinPollSeconds = 30
	}
	if c.Poll.JitterSeconds == 0 {
		c.Poll.JitterSeconds = 15
	}
}

// Validate checks the mandatory startup configuration. This is the only
// fatal error path in the daemon: everything after startup degrades
// instead of exiting.
func (c *Config) Validate() error {
	driver := strings.ToLower(strings.TrimSpace(c.Fetcher.Driver))
	switch driver {
	case "", "exec":
		if len(c.Fetcher.Command) == 0 {
			return errors.New("fetcher.command is required")
		}
		if strings.TrimSpace(c.Credentials.Email) == "" || strings.TrimSpace(c.Credentials.Password) == "" {
			return errors.New("credentials.email and credentials.password are required")
		}
	case "http", "httpget":
		if strings.TrimSpace(c.Fetcher.URL) == "" {
			return errors.New("fetcher.url is required for the http driver")
		}
	default:
		return errors.New("unknown fetcher.driver: " + c.Fetcher.Driver)
	}
	return nil
}

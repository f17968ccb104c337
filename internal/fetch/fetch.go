// Package fetch turns an authenticated remote session into the raw text
// fragment that carries the meter reading.
//
// The portal needs a scripted browser to log in, so the default driver
// spawns an external helper command and captures its stdout. A plain
// HTTP driver exists for portals (or local proxies) that expose the
// fragment without JavaScript.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meterwatch/pkg/logx"
)

var (
	// ErrTransient covers network errors, timeouts and navigation
	// failures. The poller backs off and retries.
	ErrTransient = errors.New("transient fetch failure")

	// ErrAuth covers credential failures. The poller treats it like any
	// other cycle failure; the distinction exists for logging only.
	ErrAuth = errors.New("authentication failed")
)

// Fetcher performs one remote fetch and returns the raw fragment.
// Implementations must fail within a bounded time, never hang.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Credentials for the portal login.
type Credentials struct {
	Email    string
	Password string
}

type Config struct {
	Driver  string // "exec" (default) or "http"
	Timeout time.Duration

	Credentials Credentials

	// exec driver
	Command []string

	// http driver
	URL string
}

const defaultTimeout = 90 * time.Second

// New builds the configured fetcher.
func New(cfg Config, log logx.Logger) (Fetcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "exec":
		return newExecFetcher(cfg, log)
	case "http", "httpget":
		return newHTTPFetcher(cfg, log)
	default:
		return nil, fmt.Errorf("unknown fetcher driver: %q", cfg.Driver)
	}
}

package poller

import (
	"time"

	"meterwatch/internal/meter"
)

// Mode is the scheduler mode.
//
//   - idle: a reading was seen recently, poll slowly.
//   - probe: a new reading is expected soon, poll fast for a bounded
//     window to catch the transition.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeProbe Mode = "probe"
)

// Config controls the poll loop and the reconciliation rules.
//
// All intervals are clamped to sane bounds before use; see normalize().
type Config struct {
	IdlePoll   time.Duration // slow-poll interval
	ProbeAfter time.Duration // time since last change before probing
	ProbePoll  time.Duration // fast-poll interval while probing
	ProbeMax   time.Duration // max probe window without a change
	MinPoll    time.Duration // hard floor for any computed delay
	Jitter     time.Duration // uniform random addition per delay

	KeepLastOnError     bool
	AllowDecrease       bool
	DecreaseToleranceM3 float64

	// ProbeSchedule is an optional cron spec (or @every descriptor).
	// When it fires the scheduler is forced into probe mode, useful
	// when the utility publishes readings at a known time of day.
	ProbeSchedule string
}

// Clamp bounds for normalize().
const (
	minPollFloor  = 5 * time.Second
	maxPoll       = 24 * time.Hour
	maxProbePoll  = time.Hour
	minWindow     = time.Minute
	maxWindow     = 24 * time.Hour
	maxJitter     = 5 * time.Minute
	backoffCap    = 900 * time.Second
	backoffFactor = 0.5
	backoffMax    = 4.0
)

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalize clamps every interval to its sane range. It never rejects a
// config; out-of-range values are pulled to the nearest bound.
func normalize(cfg Config) Config {
	cfg.MinPoll = clampDur(cfg.MinPoll, minPollFloor, maxPoll)
	cfg.IdlePoll = clampDur(cfg.IdlePoll, cfg.MinPoll, maxPoll)
	cfg.ProbePoll = clampDur(cfg.ProbePoll, cfg.MinPoll, maxProbePoll)
	cfg.ProbeAfter = clampDur(cfg.ProbeAfter, minWindow, maxWindow)
	cfg.ProbeMax = clampDur(cfg.ProbeMax, minWindow, maxWindow)
	cfg.Jitter = clampDur(cfg.Jitter, 0, maxJitter)
	if cfg.DecreaseToleranceM3 < 0 {
		cfg.DecreaseToleranceM3 = 0
	}
	return cfg
}

// Observation is one scrape cycle's raw outcome before reconciliation.
type Observation struct {
	Reading *meter.Reading // nil on failure
	Raw     string         // raw fragment, kept for /state/raw
	Err     error          // non-nil on failure
}

// Status is the externally visible projection of the poller state.
// It is published as a whole each cycle; readers get snapshot copies.
type Status struct {
	Healthy             bool       `json:"healthy"`
	Reading             *float64   `json:"reading_m3,omitempty"`
	ObservedAt          *time.Time `json:"observed_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	Stale               bool       `json:"stale"`
	Mode                Mode       `json:"mode"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextPollInSeconds   int        `json:"next_poll_in_seconds"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ScrapedAt           *time.Time `json:"scraped_at,omitempty"`
	Raw                 string     `json:"raw,omitempty"`
}

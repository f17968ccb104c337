package poller

import "time"

// schedState is the adaptive scheduler's memory: current mode, when the
// last materially new reading appeared, and the open probe window.
type schedState struct {
	mode           Mode
	lastChangeAt   *time.Time
	probeStartedAt *time.Time
}

// advance runs the mode transitions for one completed cycle.
//
//   - A material change resets the change clock and returns to idle.
//   - Idle enters probe once the reading is older than probeAfter
//     (probe-first when no change was ever observed).
//   - Probe gives up after probeMax without a change and returns to
//     idle until the next scheduled check.
func (st *schedState) advance(cfg Config, now time.Time, changed bool) {
	if changed {
		t := now
		st.lastChangeAt = &t
		st.probeStartedAt = nil
		st.mode = ModeIdle
		return
	}

	switch st.mode {
	case ModeProbe:
		if st.probeStartedAt != nil && now.Sub(*st.probeStartedAt) >= cfg.ProbeMax {
			st.mode = ModeIdle
			st.probeStartedAt = nil
		}
	default:
		if st.lastChangeAt == nil || now.Sub(*st.lastChangeAt) >= cfg.ProbeAfter {
			t := now
			st.mode = ModeProbe
			st.probeStartedAt = &t
		}
	}
}

// forceProbe opens a fresh probe window regardless of the change clock.
// Used by the optional cron probe schedule.
func (st *schedState) forceProbe(now time.Time) {
	t := now
	st.mode = ModeProbe
	st.probeStartedAt = &t
}

// computeDelay returns the next wait, in order: mode base, bounded
// multiplicative failure backoff (capped at backoffCap), floor at
// MinPoll, uniform jitter, final clamp to [MinPoll, 24h].
//
// randInt must return a uniform integer in [0, n); injected so tests
// can pin the jitter.
func computeDelay(cfg Config, mode Mode, consecutiveFailures int, randInt func(n int) int) time.Duration {
	base := cfg.IdlePoll
	if mode == ModeProbe {
		base = cfg.ProbePoll
	}

	if consecutiveFailures > 0 {
		mult := 1 + backoffFactor*float64(consecutiveFailures)
		if mult > backoffMax {
			mult = backoffMax
		}
		base = time.Duration(float64(base) * mult)
		if base > backoffCap {
			base = backoffCap
		}
	}

	if base < cfg.MinPoll {
		base = cfg.MinPoll
	}

	if cfg.Jitter > 0 && randInt != nil {
		n := int(cfg.Jitter/time.Second) + 1
		base += time.Duration(randInt(n)) * time.Second
	}

	return clampDur(base, cfg.MinPoll, maxPoll)
}

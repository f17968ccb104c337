package poller

import (
	"time"

	"meterwatch/internal/meter"
)

// engine is the reconciliation state machine. It owns LastGood and the
// change-detection memory. Single caller (the poll loop), not reentrant.
type engine struct {
	lastGood *meter.LastGood

	// Change detection is independent of the accepted value: it keys on
	// the meter-side timestamp of the last accepted observation, falling
	// back to the raw value when the portal omits timestamps.
	seenAny            bool
	lastSeenObservedAt *time.Time
	lastSeenReading    float64
}

type reconcileOutcome struct {
	Accepted bool
	Rejected bool // successful scrape, value discarded (decrease beyond tolerance)
	Changed  bool // materially new reading (feeds the scheduler)
}

// reconcile merges one successful observation into LastGood under the
// configured monotonicity rules and reports whether the reading is
// materially new. now is the wall-clock acceptance time.
func (e *engine) reconcile(cfg Config, r meter.Reading, now time.Time) reconcileOutcome {
	stored := r.M3
	switch {
	case e.lastGood == nil:
		// First ever reading: accept unconditionally.
	case cfg.AllowDecrease:
		// Explicit override, may decrease (e.g. meter replacement).
	case r.M3 >= e.lastGood.Reading-cfg.DecreaseToleranceM3:
		// Within tolerance. The exposed value never regresses: noise
		// downticks are clamped to the previous reading.
		if e.lastGood.Reading > stored {
			stored = e.lastGood.Reading
		}
	default:
		return reconcileOutcome{Rejected: true}
	}

	e.lastGood = &meter.LastGood{
		Reading:    stored,
		ObservedAt: copyTime(r.ObservedAt),
		UpdatedAt:  now,
	}

	changed := e.materialChange(r)
	e.seenAny = true
	e.lastSeenObservedAt = copyTime(r.ObservedAt)
	e.lastSeenReading = r.M3

	return reconcileOutcome{Accepted: true, Changed: changed}
}

func (e *engine) materialChange(r meter.Reading) bool {
	if !e.seenAny {
		return true
	}
	if r.ObservedAt != nil || e.lastSeenObservedAt != nil {
		return !equalTimePtr(r.ObservedAt, e.lastSeenObservedAt)
	}
	// Neither side has a timestamp; key on the raw value like the
	// portal's own change indicator.
	return r.M3 != e.lastSeenReading
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

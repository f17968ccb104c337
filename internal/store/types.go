package store

import (
	"context"
	"errors"
	"time"

	"meterwatch/internal/meter"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl history)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the daemon runs
// memory-only (readings do not survive restarts).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// HistoryEntry is one accepted reading, kept for the /history endpoint.
// Keep it compact and schema-stable.
type HistoryEntry struct {
	Reading    float64    `json:"reading_m3"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	AcceptedAt time.Time  `json:"accepted_at"`
}

// Store is the minimal persistence API used by the poller and the HTTP
// layer. All write failures are non-fatal to callers.
type Store interface {
	LoadLastGood(ctx context.Context) (*meter.LastGood, error)
	SaveLastGood(ctx context.Context, lg meter.LastGood) error
	AppendReading(ctx context.Context, e HistoryEntry) error
	RecentReadings(ctx context.Context, limit int) ([]HistoryEntry, error)
	Close() error
}

package meter

import "time"

// Reading is one parsed meter value.
//
// M3 is the cumulative consumption counter in cubic meters.
// ObservedAt is the meter-side reading time as shown by the portal.
// The portal omits it sometimes, so it may be nil even for a good value.
type Reading struct {
	M3         float64
	ObservedAt *time.Time
}

// LastGood is the durable, accepted meter reading.
//
// Reading is monotone non-decreasing for the lifetime of the record
// unless allow_decrease is configured. UpdatedAt is the wall-clock time
// of the last acceptance.
type LastGood struct {
	Reading    float64    `json:"reading_m3"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Parser turns a raw scraped fragment into a Reading.
type Parser interface {
	Parse(raw string) (Reading, error)
}

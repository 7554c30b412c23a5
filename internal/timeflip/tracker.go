package timeflip

import "time"

// FacetReading is a single decoded facet notification. Immutable once
// produced.
type FacetReading struct {
	FacetID    uint8
	ObservedAt time.Time
}

// ActivityInterval is the time span during which one facet remained
// continuously up-facing. Value type, never mutated after emission.
type ActivityInterval struct {
	FacetID uint8
	Start   time.Time
	End     time.Time
}

// Duration is the elapsed time of the interval.
func (iv ActivityInterval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Tracker turns a live sequence of FacetReadings into closed
// ActivityIntervals. It keeps at most one open interval and is not safe
// for concurrent use; the session drives it from a single goroutine.
type Tracker struct {
	open    FacetReading
	hasOpen bool
}

// NewTracker returns a tracker with no open interval.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe feeds the next reading. A reading with the same facet id as
// the open interval is a duplicate (the sensor re-reports a stable
// facet) and is discarded. A different facet id closes the open interval
// at the new reading's timestamp and returns it, then opens a new one.
// A timestamp regression returns an OrderingError and drops the reading.
func (t *Tracker) Observe(r FacetReading) (*ActivityInterval, error) {
	if !t.hasOpen {
		t.open = r
		t.hasOpen = true
		return nil, nil
	}
	if r.ObservedAt.Before(t.open.ObservedAt) {
		return nil, &OrderingError{Open: t.open.ObservedAt, Got: r.ObservedAt}
	}
	if r.FacetID == t.open.FacetID {
		return nil, nil
	}
	closed := &ActivityInterval{
		FacetID: t.open.FacetID,
		Start:   t.open.ObservedAt,
		End:     r.ObservedAt,
	}
	t.open = r
	return closed, nil
}

// CloseAt force-closes the open interval, if any, with the given end
// time. Used on disconnect; no interval opens again until the first
// reading after reconnect.
func (t *Tracker) CloseAt(end time.Time) *ActivityInterval {
	if !t.hasOpen {
		return nil
	}
	closed := &ActivityInterval{
		FacetID: t.open.FacetID,
		Start:   t.open.ObservedAt,
		End:     end,
	}
	t.hasOpen = false
	return closed
}

// Open returns the currently open reading, if any.
func (t *Tracker) Open() (FacetReading, bool) {
	return t.open, t.hasOpen
}

package recurrence

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // orders carry IANA ids; do not depend on the host zoneinfo
)

// Resolver maps IANA zone identifiers to locations. Unknown identifiers resolve to UTC
// and are reported with a warning rather than an error. Successfully loaded zones are cached.
type Resolver struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*time.Location
}

// NewResolver creates a Resolver that reports fallbacks to logger.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, cache: make(map[string]*time.Location)}
}

// Resolve returns the location for zoneID, or UTC when zoneID is empty or unknown.
func (r *Resolver) Resolve(zoneID string) *time.Location {
	loc, _ := r.Lookup(zoneID)
	return loc
}

// Lookup is Resolve that also reports whether zoneID was recognised.
// An empty zoneID counts as recognised UTC.
func (r *Resolver) Lookup(zoneID string) (*time.Location, bool) {
	id := strings.TrimSpace(zoneID)
	if id == "" || strings.EqualFold(id, "UTC") {
		return time.UTC, true
	}

	r.mu.Lock()
	loc, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return loc, true
	}

	// Misses are not cached.
	loc, err := time.LoadLocation(id)
	if err != nil {
		r.logger.Warn("unknown time zone, falling back to UTC", "timezone", id, "error", err)
		return time.UTC, false
	}

	r.mu.Lock()
	r.cache[id] = loc
	r.mu.Unlock()
	return loc, true
}

// ToLocal returns the wall-clock reading of instant in loc as a naive value.
func ToLocal(instant time.Time, loc *time.Location) time.Time {
	return wall(instant.In(loc))
}

// FromLocal interprets the wall-clock fields of naive in loc and returns the UTC instant.
// Readings that fall into a daylight-saving gap are normalized by time.Date.
func FromLocal(naive time.Time, loc *time.Location) time.Time {
	y, m, d := naive.Date()
	return time.Date(y, m, d, naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), loc).UTC()
}

// NextAfter returns the first occurrence of spec strictly after the instant after,
// with the spec's day and time fields interpreted in loc. The result is in UTC.
func NextAfter(spec Spec, after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	next, err := Next(spec, ToLocal(after, loc))
	if err != nil {
		return time.Time{}, err
	}
	return FromLocal(next, loc), nil
}

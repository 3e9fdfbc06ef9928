package recurrence

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestResolver() *Resolver {
	return NewResolver(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolverFallsBackToUTC(t *testing.T) {
	r := newTestResolver()

	loc, ok := r.Lookup("Mars/Olympus_Mons")
	if ok {
		t.Fatal("expected unknown zone to be reported as not recognised")
	}
	if loc != time.UTC {
		t.Fatalf("expected UTC fallback, got %s", loc)
	}

	// Repeated misses keep reporting the miss and are never cached.
	for i := 0; i < 3; i++ {
		if _, ok := r.Lookup("Mars/Olympus_Mons"); ok {
			t.Fatal("expected unknown zone to be reported as not recognised")
		}
	}
	if len(r.cache) != 0 {
		t.Fatalf("expected unknown zones to stay out of the cache, got %d entries", len(r.cache))
	}

	if loc, ok := r.Lookup(""); !ok || loc != time.UTC {
		t.Fatalf("expected empty zone to resolve to UTC, got %s ok=%t", loc, ok)
	}
}

func TestResolverLoadsIANAZone(t *testing.T) {
	r := newTestResolver()
	loc, ok := r.Lookup("Europe/Amsterdam")
	if !ok {
		t.Fatal("expected Europe/Amsterdam to load")
	}
	if loc.String() != "Europe/Amsterdam" {
		t.Fatalf("expected Europe/Amsterdam, got %s", loc)
	}
	if r.Resolve("Europe/Amsterdam") != loc {
		t.Fatal("expected cached location to be returned")
	}
}

func TestNextAfterUsesLocalWallClock(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	spec := Spec{Kind: KindDaily, TimeOfDay: TimeOfDay{Hour: 8}}

	// 2024-05-16 13:00 UTC is 09:00 EDT, so the next 08:00 local is tomorrow.
	after := time.Date(2024, time.May, 16, 13, 0, 0, 0, time.UTC)
	got, err := NextAfter(spec, after, loc)
	if err != nil {
		t.Fatalf("NextAfter returned error: %v", err)
	}
	want := time.Date(2024, time.May, 17, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC result, got %s", got.Location())
	}
}

func TestNextAfterAcrossDaylightSavingChange(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	spec := Spec{Kind: KindDaily, TimeOfDay: TimeOfDay{Hour: 7}}

	// Clocks go forward on 2024-03-31; 07:00 local moves from 06:00 UTC to 05:00 UTC.
	after := time.Date(2024, time.March, 30, 6, 1, 0, 0, time.UTC)
	got, err := NextAfter(spec, after, loc)
	if err != nil {
		t.Fatalf("NextAfter returned error: %v", err)
	}
	want := time.Date(2024, time.March, 31, 5, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestNextAfterFixedPoint(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	specs := []Spec{
		{Kind: KindHourly},
		{Kind: KindDaily, TimeOfDay: TimeOfDay{Hour: 0}},
		{Kind: KindWeekly, DayOfWeek: time.Sunday, TimeOfDay: TimeOfDay{Hour: 23, Minute: 45}},
		{Kind: KindMonthly, DayOfMonth: 1, TimeOfDay: TimeOfDay{Hour: 0}},
		{Kind: KindYearly, DayOfMonth: 28, MonthOfYear: 2, TimeOfDay: TimeOfDay{Hour: 6, Minute: 30}},
	}
	after := time.Date(2024, time.May, 16, 10, 17, 0, 0, time.UTC)

	for _, spec := range specs {
		t.Run(string(spec.Kind), func(t *testing.T) {
			next, err := NextAfter(spec, after, loc)
			if err != nil {
				t.Fatalf("NextAfter returned error: %v", err)
			}
			again, err := NextAfter(spec, next.Add(-time.Minute), loc)
			if err != nil {
				t.Fatalf("NextAfter returned error: %v", err)
			}
			if !again.Equal(next) {
				t.Fatalf("expected fixed point %s, got %s", next, again)
			}
			if self, _ := NextAfter(spec, next, loc); !self.After(next) {
				t.Fatalf("expected derivation from %s to move forward, got %s", next, self)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("07:05")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if got.Hour != 7 || got.Minute != 5 || got.String() != "07:05" {
		t.Fatalf("unexpected result: %+v", got)
	}

	for _, raw := range []string{"24:00", "12:60", "noon", "7", ""} {
		if _, err := ParseTimeOfDay(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Weekly ")
	if err != nil || k != KindWeekly {
		t.Fatalf("expected weekly, got %q err=%v", k, err)
	}
	if _, err := ParseKind("biweekly"); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

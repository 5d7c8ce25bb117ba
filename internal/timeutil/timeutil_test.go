package timeutil

import (
	"testing"
	"time"
)

func TestTruncateToDayRespectsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 02:00 UTC on March 10 is still March 9 in New York.
	ts := time.Date(2026, time.March, 10, 2, 0, 0, 0, time.UTC)
	day := TruncateToDay(ts, loc)
	if day.Day() != 9 {
		t.Fatalf("expected March 9 in New York, got %v", day)
	}
	if day.Hour() != 0 || day.Minute() != 0 {
		t.Fatalf("expected midnight, got %v", day)
	}
}

func TestTruncateToDayNilLocationDefaultsUTC(t *testing.T) {
	ts := time.Date(2026, time.March, 10, 23, 30, 0, 0, time.UTC)
	day := TruncateToDay(ts, nil)
	want := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	if !day.Equal(want) {
		t.Fatalf("expected %v, got %v", want, day)
	}
}

func TestNextMidnight(t *testing.T) {
	ts := time.Date(2026, time.March, 10, 23, 59, 0, 0, time.UTC)
	next := NextMidnight(ts, time.UTC)
	want := time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	// Exactly at midnight the window still ends at the following midnight.
	atMidnight := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	if got := NextMidnight(atMidnight, time.UTC); !got.Equal(time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next midnight %v", got)
	}
}

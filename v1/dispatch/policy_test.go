package dispatch

import (
	"testing"
	"time"
)

func TestWindowContains(t *testing.T) {
	loc := time.UTC
	w := window{start: Clock{Hour: 8}, end: Clock{Hour: 22}, loc: loc}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"midday", time.Date(2026, 3, 10, 12, 0, 0, 0, loc), true},
		{"start boundary", time.Date(2026, 3, 10, 8, 0, 0, 0, loc), true},
		{"end boundary", time.Date(2026, 3, 10, 22, 0, 0, 0, loc), true},
		{"before start", time.Date(2026, 3, 10, 7, 59, 0, 0, loc), false},
		{"after end", time.Date(2026, 3, 10, 22, 1, 0, 0, loc), false},
		{"midnight", time.Date(2026, 3, 10, 0, 0, 0, 0, loc), false},
	}
	for _, c := range cases {
		if got := w.contains(c.at); got != c.want {
			t.Errorf("%s: contains(%v) = %v, want %v", c.name, c.at, got, c.want)
		}
	}
}

func TestWindowContainsOvernight(t *testing.T) {
	loc := time.UTC
	w := window{start: Clock{Hour: 22}, end: Clock{Hour: 6}, loc: loc}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before midnight", time.Date(2026, 3, 10, 23, 0, 0, 0, loc), true},
		{"after midnight", time.Date(2026, 3, 10, 2, 0, 0, 0, loc), true},
		{"start boundary", time.Date(2026, 3, 10, 22, 0, 0, 0, loc), true},
		{"end boundary", time.Date(2026, 3, 10, 6, 0, 0, 0, loc), true},
		{"daytime", time.Date(2026, 3, 10, 12, 0, 0, 0, loc), false},
		{"just before start", time.Date(2026, 3, 10, 21, 59, 0, 0, loc), false},
	}
	for _, c := range cases {
		if got := w.contains(c.at); got != c.want {
			t.Errorf("%s: contains(%v) = %v, want %v", c.name, c.at, got, c.want)
		}
	}
}

func TestWindowContainsConvertsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	w := window{start: Clock{Hour: 8}, end: Clock{Hour: 22}, loc: loc}

	// 06:30 UTC in winter is 07:30 in Rome, still before the window.
	early := time.Date(2026, 1, 15, 6, 30, 0, 0, time.UTC)
	if w.contains(early) {
		t.Fatalf("contains(%v) = true, want false", early)
	}
	// 07:30 UTC is 08:30 in Rome.
	open := time.Date(2026, 1, 15, 7, 30, 0, 0, time.UTC)
	if !w.contains(open) {
		t.Fatalf("contains(%v) = false, want true", open)
	}
}

func TestSplitInsideWindow(t *testing.T) {
	w := window{start: Clock{Hour: 8}, end: Clock{Hour: 22}, loc: time.UTC}
	recipients := []Recipient{
		{Address: "+391", OffHoursOK: false},
		{Address: "+392", OffHoursOK: true},
	}
	eligible, deferred := w.split(recipients, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	if len(eligible) != 2 || len(deferred) != 0 {
		t.Fatalf("split inside window: eligible=%d deferred=%d, want 2/0",
			len(eligible), len(deferred))
	}
}

func TestSplitOutsideWindow(t *testing.T) {
	w := window{start: Clock{Hour: 8}, end: Clock{Hour: 22}, loc: time.UTC}
	recipients := []Recipient{
		{Address: "+391", OffHoursOK: false},
		{Address: "+392", OffHoursOK: true},
		{Address: "+393", OffHoursOK: false},
	}
	eligible, deferred := w.split(recipients, time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC))
	if len(eligible) != 1 || eligible[0].Address != "+392" {
		t.Fatalf("expected only the off-hours recipient to stay eligible, got %v", eligible)
	}
	if len(deferred) != 2 {
		t.Fatalf("deferred = %d, want 2", len(deferred))
	}
}

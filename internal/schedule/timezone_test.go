package schedule

import (
	"testing"
	"time"
)

func TestToServerConvertsWallClock(t *testing.T) {
	t.Parallel()
	n := Normalizer{Ref: time.UTC}

	// 09:00 on a +02:00 wall clock is 07:00 in a UTC reference frame.
	wall := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	got := n.ToServer(wall, 120)
	want := time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("ToServer = %v, want %v", got, want)
	}
}

func TestToLocalRoundTrip(t *testing.T) {
	t.Parallel()
	n := Normalizer{Ref: time.UTC}

	wall := time.Date(2026, 6, 1, 23, 30, 0, 0, time.UTC)
	server := n.ToServer(wall, -300)
	local := n.ToLocal(server, -300)

	if local.Hour() != 23 || local.Minute() != 30 {
		t.Fatalf("round trip lost the wall clock: got %02d:%02d", local.Hour(), local.Minute())
	}
	if local.Day() != 1 {
		t.Fatalf("round trip shifted the day: got %d", local.Day())
	}
}

func TestOffsetMinutes(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("test", 330*60)
	if got := OffsetMinutes(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), loc); got != 330 {
		t.Fatalf("OffsetMinutes = %d, want 330", got)
	}
}

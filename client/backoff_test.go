package client

import (
	"testing"
	"time"
)

func TestBackoff_DelayBounds(t *testing.T) {
	b := DefaultBackoff()

	for n := 0; n < 10; n++ {
		floor := b.Base << n
		if floor > b.Cap {
			floor = b.Cap
		}
		for _, rnd := range []float64{0, 0.25, 0.5, 0.999} {
			got := b.Delay(n, rnd)
			if got < floor || got > floor+b.Jitter {
				t.Errorf("Delay(%d, %v) = %v, want within [%v, %v]", n, rnd, got, floor, floor+b.Jitter)
			}
		}
	}
}

func TestBackoff_Floor(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Floor(tt.attempt); got != tt.want {
			t.Errorf("Floor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_UncappedDoesNotOverflow(t *testing.T) {
	b := Backoff{Base: time.Second}
	if got := b.Floor(500); got <= 0 {
		t.Errorf("Floor(500) = %v, want positive", got)
	}
}

func TestBackoff_ClampsJitterSample(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, Jitter: time.Second}
	if got := b.Delay(0, -3); got != time.Second {
		t.Errorf("Delay with negative sample = %v", got)
	}
	if got := b.Delay(0, 7); got != 2*time.Second {
		t.Errorf("Delay with sample above 1 = %v", got)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := map[ConnectionState]string{
		StateConnecting:     "connecting",
		StateOnline:         "online",
		StateDegraded:       "degraded",
		StateOffline:        "offline",
		ConnectionState(42): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

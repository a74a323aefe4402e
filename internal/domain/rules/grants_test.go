package rules

import (
	"testing"
	"time"
)

func TestPremiumEndsAtCarriesRemainingTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	previous := now.Add(10 * 24 * time.Hour)

	got := PremiumEndsAt(now, &previous, 30)
	want := now.Add(40 * 24 * time.Hour)
	if !got.Equal(want) {
		t.Fatalf("unexpected ends_at: got %s want %s", got, want)
	}
}

func TestPremiumEndsAtIgnoresExpiredPrevious(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)

	got := PremiumEndsAt(now, &expired, 7)
	want := now.Add(7 * 24 * time.Hour)
	if !got.Equal(want) {
		t.Fatalf("unexpected ends_at: got %s want %s", got, want)
	}
	if got := PremiumEndsAt(now, nil, 7); !got.Equal(want) {
		t.Fatalf("unexpected ends_at without previous: got %s want %s", got, want)
	}
}

func TestModeAccessStartsAtStacks(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	latest := now.Add(3 * 24 * time.Hour)

	if got := ModeAccessStartsAt(now, &latest); !got.Equal(latest) {
		t.Fatalf("expected stacked start %s, got %s", latest, got)
	}
	past := now.Add(-time.Minute)
	if got := ModeAccessStartsAt(now, &past); !got.Equal(now) {
		t.Fatalf("expected start now, got %s", got)
	}
}

func TestClampEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := ClampEnd(now.Add(time.Hour), now); !got.Equal(now) {
		t.Fatalf("expected future end clamped to now, got %s", got)
	}
	past := now.Add(-time.Hour)
	if got := ClampEnd(past, now); !got.Equal(past) {
		t.Fatalf("expected past end kept, got %s", got)
	}
}

func TestClampWalletDelta(t *testing.T) {
	cases := []struct {
		balance, delta, want int
	}{
		{balance: 10, delta: 5, want: 5},
		{balance: 10, delta: -4, want: -4},
		{balance: 3, delta: -10, want: -3},
		{balance: 0, delta: -1, want: 0},
	}
	for _, tc := range cases {
		if got := ClampWalletDelta(tc.balance, tc.delta); got != tc.want {
			t.Fatalf("ClampWalletDelta(%d, %d): got %d want %d", tc.balance, tc.delta, got, tc.want)
		}
	}
}

package ktime

import (
	"testing"
	"time"
)

func TestIsLeapYear(t *testing.T) {
	cases := map[int]bool{
		2000: true,
		1900: false,
		2024: true,
		2023: false,
		2400: true,
	}
	for year, want := range cases {
		if got := IsLeapYear(year); got != want {
			t.Errorf("IsLeapYear(%d) = %v, want %v", year, got, want)
		}
	}
}

func TestWallClockNanosMatchesUnixNano(t *testing.T) {
	ref := time.Date(2026, time.July, 30, 12, 0, 0, 0, time.UTC)
	got := WallClockNanos(ref)
	want := ref.UnixNano()
	if got != want {
		t.Errorf("WallClockNanos(%v) = %d, want %d", ref, got, want)
	}
}

func TestCreateTimerThenCancelLeavesNoTrace(t *testing.T) {
	m := New()
	fired := false
	id := m.CreateTimer(func(uint64) bool {
		fired = true
		return false
	}, 50*time.Millisecond, false)
	m.CancelTimer(id)

	time.Sleep(60 * time.Millisecond)
	m.ProcessTimers()

	if fired {
		t.Fatal("canceled timer fired")
	}
	if m.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.PendingTimers())
	}
}

func TestProcessTimersFiresAndRemovesNonRepeating(t *testing.T) {
	m := New()
	count := 0
	m.CreateTimer(func(uint64) bool {
		count++
		return false
	}, time.Millisecond, false)

	time.Sleep(5 * time.Millisecond)
	m.ProcessTimers()
	m.ProcessTimers()

	if count != 1 {
		t.Fatalf("timer fired %d times, want 1", count)
	}
}

func TestProcessTimersReschedulesRepeating(t *testing.T) {
	m := New()
	count := 0
	m.CreateTimer(func(uint64) bool {
		count++
		return count < 3
	}, time.Millisecond, true)

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		m.ProcessTimers()
	}

	if count != 3 {
		t.Fatalf("timer fired %d times, want 3", count)
	}
	if m.PendingTimers() != 0 {
		t.Fatalf("expected timer removed after callback returned false, got %d pending", m.PendingTimers())
	}
}

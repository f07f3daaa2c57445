package clock

import (
	"testing"
	"time"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	m.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	m.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order after 2s: %v", order)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}

	m.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("unexpected order after 3s: %v", order)
	}
	if !m.Now().Equal(start.Add(3 * time.Second)) {
		t.Fatalf("unexpected now: %v", m.Now())
	}
}

func TestManualStopPreventsCallback(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to report a cancelled timer")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	m.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestManualChainedTimersFireWithinOneAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var firedAt []time.Time
	m.AfterFunc(time.Second, func() {
		firedAt = append(firedAt, m.Now())
		m.AfterFunc(2*time.Second, func() {
			firedAt = append(firedAt, m.Now())
		})
	})

	m.Advance(5 * time.Second)
	if len(firedAt) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(firedAt))
	}
	if got := firedAt[1].Sub(time.Unix(0, 0)); got != 3*time.Second {
		t.Fatalf("chained timer fired at +%v, want +3s", got)
	}
}

package waitqueue

import (
	"testing"
	"time"

	"rv39/internal/defs"
)

// fakeWaiter is a minimal Waiter_i recording Block/Wake calls.
type fakeWaiter struct {
	blocked bool
	woken   int
	reason  string
}

func (w *fakeWaiter) Block(reason string) { w.blocked = true; w.reason = reason }
func (w *fakeWaiter) Wake()               { w.woken++; w.blocked = false }

func TestParkThenWakeOneIsFIFO(t *testing.T) {
	wq := &WaitQueue_t{}
	a, b := &fakeWaiter{}, &fakeWaiter{}
	wq.Park(a, "reading")
	wq.Park(b, "reading")

	if !a.blocked || a.reason != "reading" {
		t.Fatal("Park didn't call Block with the reason")
	}

	wq.WakeOne()
	if a.woken != 1 {
		t.Fatalf("WakeOne should wake the oldest waiter first: a.woken=%d", a.woken)
	}
	if b.woken != 0 {
		t.Fatalf("WakeOne woke the wrong waiter: b.woken=%d", b.woken)
	}
}

func TestWakeAllWakesEveryoneAndDrainsQueue(t *testing.T) {
	wq := &WaitQueue_t{}
	a, b := &fakeWaiter{}, &fakeWaiter{}
	wq.Park(a, "r")
	wq.Park(b, "r")
	wq.WakeAll()
	if a.woken != 1 || b.woken != 1 {
		t.Fatalf("WakeAll: a.woken=%d b.woken=%d, want 1/1", a.woken, b.woken)
	}
	// a second WakeAll should be a no-op since the queue is drained
	wq.WakeAll()
	if a.woken != 1 || b.woken != 1 {
		t.Fatal("WakeAll woke already-removed waiters again")
	}
}

func TestRemoveDropsWithoutWaking(t *testing.T) {
	wq := &WaitQueue_t{}
	a, b := &fakeWaiter{}, &fakeWaiter{}
	wq.Park(a, "r")
	wq.Park(b, "r")
	wq.Remove(a)
	wq.WakeAll()
	if a.woken != 0 {
		t.Fatal("Remove should prevent a later wake")
	}
	if b.woken != 1 {
		t.Fatal("Remove of a shouldn't affect b")
	}
}

func TestWakeSatisfiesWaker(t *testing.T) {
	wq := &WaitQueue_t{}
	a := &fakeWaiter{}
	wq.Park(a, "poll")
	wq.Wake()
	if a.woken != 1 {
		t.Fatal("Wake() should WakeAll parked waiters")
	}
}

func TestTimerWheelDrainFiresExpiredInOrder(t *testing.T) {
	tw := NewTimerWheel()
	base := time.Unix(1000, 0)
	late := &fakeWaiter{}
	early := &fakeWaiter{}
	tw.After(base, 5*time.Second, late)
	tw.After(base, time.Second, early)

	if n := tw.Drain(base); n != 0 {
		t.Fatalf("Drain before any deadline: got %d, want 0", n)
	}
	if n := tw.Drain(base.Add(2 * time.Second)); n != 1 {
		t.Fatalf("Drain after first deadline: got %d, want 1", n)
	}
	if early.woken != 1 || late.woken != 0 {
		t.Fatalf("wrong waiter fired: early=%d late=%d", early.woken, late.woken)
	}
	if n := tw.Drain(base.Add(10 * time.Second)); n != 1 {
		t.Fatalf("Drain after second deadline: got %d, want 1", n)
	}
	if late.woken != 1 {
		t.Fatal("late waiter never fired")
	}
}

func TestTimerWheelCancelSuppressesFire(t *testing.T) {
	tw := NewTimerWheel()
	base := time.Unix(1000, 0)
	w := &fakeWaiter{}
	e := tw.After(base, time.Second, w)
	tw.Cancel(e)
	if n := tw.Drain(base.Add(time.Hour)); n != 0 {
		t.Fatalf("Drain after Cancel: got %d fired, want 0", n)
	}
	if w.woken != 0 {
		t.Fatal("cancelled timer still woke its waiter")
	}
}

func TestWaitUntilSucceedsBeforeDeadline(t *testing.T) {
	calls := 0
	err := WaitUntil(time.Now().Add(time.Second), func() bool {
		calls++
		return calls >= 3
	})
	if err != 0 {
		t.Fatalf("WaitUntil: got %v, want success", err)
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	err := WaitUntil(time.Now().Add(-time.Millisecond), func() bool { return false })
	if err != -defs.ETIMEDOUT {
		t.Fatalf("WaitUntil: got %v, want -ETIMEDOUT", err)
	}
}

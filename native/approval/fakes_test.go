package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	seq     int
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualClock only fires timers from Advance, on the calling goroutine.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	seq    int
}

func newManualClock() *manualClock {
	return &manualClock{now: testEpoch}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: fn, seq: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// Set moves the clock without firing timers.
func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and runs every timer that became due,
// including timers armed by the callbacks themselves.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(c.now) {
				t.fired = true
				due = append(due, t)
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		for _, t := range due {
			t.fn()
		}
	}
}

type fakeGateway struct {
	mu        sync.Mutex
	created   int
	finished  []string
	cancelled []string
	createErr error
	finishErr error
	cancelErr error
	deadline  time.Time
	// release, when set, blocks Finish and Cancel until it is closed.
	release chan struct{}
	entered chan string
}

func (g *fakeGateway) Create(_ context.Context, amount int64, delay time.Duration) (EscrowHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return EscrowHandle{}, g.createErr
	}
	g.created++
	return EscrowHandle{Ref: fmt.Sprintf("escrow-%d", g.created), Deadline: g.deadline}, nil
}

func (g *fakeGateway) Finish(ctx context.Context, ref string) (LedgerResult, error) {
	g.wait(ctx, "finish")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finished = append(g.finished, ref)
	if g.finishErr != nil {
		return LedgerResult{}, g.finishErr
	}
	return LedgerResult{TxHash: "tx-finish-" + ref, Result: "tesSUCCESS"}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, ref string) (LedgerResult, error) {
	g.wait(ctx, "cancel")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref)
	if g.cancelErr != nil {
		return LedgerResult{}, g.cancelErr
	}
	return LedgerResult{TxHash: "tx-cancel-" + ref, Result: "tesSUCCESS"}, nil
}

func (g *fakeGateway) wait(ctx context.Context, op string) {
	if g.entered != nil {
		g.entered <- op
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
}

func (g *fakeGateway) calls() (created int, finished, cancelled []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created, append([]string(nil), g.finished...), append([]string(nil), g.cancelled...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEmitter) Emit(_ context.Context, evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) types(orderID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, evt := range e.events {
		if evt.OrderID == orderID {
			out = append(out, evt.Type)
		}
	}
	return out
}

var errLedgerDown = errors.New("ledger unavailable")

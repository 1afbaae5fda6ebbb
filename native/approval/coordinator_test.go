package approval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	clock    *manualClock
	gateway  *fakeGateway
	notifier *recordingNotifier
	emitter  *recordingEmitter
	registry *MemoryRegistry
	coord    *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    newManualClock(),
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
		emitter:  &recordingEmitter{},
		registry: NewMemoryRegistry(),
	}
	seq := 0
	base := []Option{
		WithClock(h.clock),
		WithNotifier(h.notifier),
		WithEmitter(h.emitter),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("order-%d", seq)
		}),
		WithLinkBuilder(func(orderID, signer string) string {
			return "https://pay.example/v1/approve?order=" + orderID + "&signer=" + signer
		}),
	}
	coord, err := NewCoordinator(h.registry, h.gateway, append(base, opts...)...)
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) create(t *testing.T, signers ...string) Receipt {
	t.Helper()
	receipt, err := h.coord.CreateOrder(context.Background(), CreateRequest{Amount: 1000, Signers: signers, Memo: "team dinner"})
	require.NoError(t, err)
	return receipt
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	status, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	return status
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(nil, &fakeGateway{})
	require.Error(t, err)
	_, err = NewCoordinator(NewMemoryRegistry(), nil)
	require.Error(t, err)
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"no signers", CreateRequest{Amount: 10}},
		{"blank signer", CreateRequest{Amount: 10, Signers: []string{"alice", "  "}}},
		{"duplicate signer", CreateRequest{Amount: 10, Signers: []string{"alice", " alice "}}},
		{"zero amount", CreateRequest{Amount: 0, Signers: []string{"alice"}}},
		{"negative amount", CreateRequest{Amount: -5, Signers: []string{"alice"}}},
		{"delay too short", CreateRequest{Amount: 10, Signers: []string{"alice"}, Delay: 500 * time.Millisecond}},
		{"delay too long", CreateRequest{Amount: 10, Signers: []string{"alice"}, Delay: 48 * time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.coord.CreateOrder(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			require.Equal(t, CodeInvalidRequest, CodeOf(err))
			created, _, _ := h.gateway.calls()
			require.Zero(t, created)
			require.Zero(t, h.registry.Len())
		})
	}
}

func TestCreateOrderRegistersPendingOrder(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, " alice@example.com", "bob@example.com")

	require.Equal(t, "order-1", receipt.OrderID)
	require.Equal(t, "escrow-1", receipt.EscrowRef)
	require.Equal(t, testEpoch.Add(DefaultDelay), receipt.Deadline)

	status := h.status(t, receipt.OrderID)
	require.Equal(t, StatePending, status.State)
	require.Equal(t, []string{"alice@example.com", "bob@example.com"}, status.Signers)
	require.Empty(t, status.ConfirmedSigners)
	require.Equal(t, 2, status.TotalSigners)
	require.EqualValues(t, 60, status.TimeRemaining)
	require.Equal(t, "team dinner", status.Memo)
	require.True(t, h.coord.Scheduler().Armed(finalizeKey(receipt.OrderID)))
	require.Equal(t, []string{EventOrderCreated}, h.emitter.types(receipt.OrderID))

	require.Eventually(t, func() bool { return len(h.notifier.sent()) == 2 }, time.Second, 5*time.Millisecond)
	for _, note := range h.notifier.sent() {
		require.Equal(t, receipt.OrderID, note.OrderID)
		require.Equal(t, int64(1000), note.Amount)
		require.Equal(t, receipt.Deadline, note.Deadline)
		require.Contains(t, note.ApprovalLink, "signer="+note.Signer)
	}
}

func TestCreateOrderUsesLedgerDeadline(t *testing.T) {
	h := newHarness(t)
	h.gateway.deadline = testEpoch.Add(90 * time.Second)
	receipt, err := h.coord.CreateOrder(context.Background(), CreateRequest{Amount: 5, Signers: []string{"a"}, Delay: 90 * time.Second})
	require.NoError(t, err)
	require.Equal(t, h.gateway.deadline, receipt.Deadline)
}

func TestCreateOrderGatewayFailureRegistersNothing(t *testing.T) {
	h := newHarness(t)
	h.gateway.createErr = errLedgerDown

	_, err := h.coord.CreateOrder(context.Background(), CreateRequest{Amount: 10, Signers: []string{"alice"}})
	require.ErrorIs(t, err, ErrEscrowCreateFailed)
	require.ErrorIs(t, err, errLedgerDown)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, "create", gwErr.Op)

	require.Zero(t, h.registry.Len())
	require.Zero(t, h.coord.Scheduler().Pending())
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, h.notifier.sent())
}

func TestCreateOrderWithStoppedSchedulerAbandonsOrder(t *testing.T) {
	clock := newManualClock()
	sched := NewScheduler(clock)
	require.NoError(t, sched.Stop(context.Background()))
	h := newHarness(t, WithClock(clock), WithScheduler(sched))
	h.clock = clock

	_, err := h.coord.CreateOrder(context.Background(), CreateRequest{Amount: 10, Signers: []string{"alice"}})
	require.ErrorIs(t, err, ErrSchedulerStopped)

	orders, err := h.coord.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, StateFinalizeFailed, orders[0].State)
	require.Contains(t, orders[0].FailureReason, "deadline scheduling failed")
}

func TestApproveErrors(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, "alice", "bob")
	ctx := context.Background()

	_, err := h.coord.Approve(ctx, "missing", "alice")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.coord.Approve(ctx, receipt.OrderID, "mallory")
	require.ErrorIs(t, err, ErrUnauthorized)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, receipt.OrderID, typed.OrderID)
	require.Equal(t, "mallory", typed.Signer)
	require.Equal(t, 2, typed.Total)
	require.Zero(t, typed.Confirmed)

	_, err = h.coord.Approve(ctx, receipt.OrderID, "ALICE")
	require.ErrorIs(t, err, ErrUnauthorized, "signer ids match exactly")
}

func TestApproveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, "alice", "bob")
	ctx := context.Background()

	status, err := h.coord.Approve(ctx, receipt.OrderID, "alice")
	require.NoError(t, err)
	require.False(t, status.AlreadyApproved)
	require.Equal(t, []string{"alice"}, status.ConfirmedSigners)

	status, err = h.coord.Approve(ctx, receipt.OrderID, "alice")
	require.NoError(t, err)
	require.True(t, status.AlreadyApproved)
	require.Equal(t, []string{"alice"}, status.ConfirmedSigners)
	require.Equal(t, []string{EventOrderCreated, EventOrderApproved}, h.emitter.types(receipt.OrderID))

	status, err = h.coord.Approve(ctx, receipt.OrderID, "bob")
	require.NoError(t, err)
	require.True(t, status.IsFullyApproved)
	require.Equal(t, StatePending, status.State, "full approval waits for the deadline")
}

func TestFullyApprovedOrderFinishesAtDeadline(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, "alice", "bob")
	ctx := context.Background()
	for _, signer := range []string{"bob", "alice"} {
		_, err := h.coord.Approve(ctx, receipt.OrderID, signer)
		require.NoError(t, err)
	}

	h.clock.Advance(59 * time.Second)
	_, finished, _ := h.gateway.calls()
	require.Empty(t, finished)

	h.clock.Advance(time.Second)
	_, finished, cancelled := h.gateway.calls()
	require.Equal(t, []string{"escrow-1"}, finished)
	require.Empty(t, cancelled)

	status := h.status(t, receipt.OrderID)
	require.Equal(t, StateFinished, status.State)
	require.NotNil(t, status.FinalizedAt)
	require.NoError(t, status.Err())
	require.Equal(t, []string{
		EventOrderCreated, EventOrderApproved, EventOrderApproved, EventOrderFinalizing, EventOrderFinished,
	}, h.emitter.types(receipt.OrderID))

	// approvals after close are idempotent for existing approvers only
	again, err := h.coord.Approve(ctx, receipt.OrderID, "alice")
	require.NoError(t, err)
	require.True(t, again.AlreadyApproved)
	require.Equal(t, StateFinished, again.State)
}

func TestPartiallyApprovedOrderCancelsAtDeadline(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, "alice", "bob", "carol")
	_, err := h.coord.Approve(context.Background(), receipt.OrderID, "carol")
	require.NoError(t, err)

	h.clock.Advance(DefaultDelay)
	_, finished, cancelled := h.gateway.calls()
	require.Empty(t, finished)
	require.Equal(t, []string{"escrow-1"}, cancelled)

	status := h.status(t, receipt.OrderID)
	require.Equal(t, StateCancelled, status.State)
	require.Equal(t, []string{"carol"}, status.ConfirmedSigners)

	_, err = h.coord.Approve(context.Background(), receipt.OrderID, "alice")
	require.ErrorIs(t, err, ErrOrderClosed)
	require.Equal(t, CodeOrderClosed, CodeOf(err))
}

func TestApproveAfterFinalizeChecksSignerFirst(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, "alice", "bob")
	ctx := context.Background()
	_, err := h.coord.Approve(ctx, receipt.OrderID, "alice")
	require.NoError(t, err)

	h.clock.Advance(DefaultDelay + time.Second)
	require.Equal(t, StateCancelled, h.status(t, receipt.OrderID).State)

	_, err = h.coord.Approve(ctx, receipt.OrderID, "mallory")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.NotErrorIs(t, err, ErrOrderClosed)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, 1, typed.Confirmed)
	require.Equal(t, 2, typed.Total)

	status, err := h.coord.Approve(ctx, receipt.OrderID, "alice")
	require.NoError(t, err)
	require.True(t, status.AlreadyApproved)
	require.Equal(t, StateCancelled, status.State)
	require.Zero(t, status.TimeRemaining)

	_, err = h.coord.Approve(ctx, receipt.OrderID, "bob")
	require.ErrorIs(t, err, ErrOrderClosed)
}

func TestApprovalAtDeadlineIsRejected(t *testing.T) {
	h := newHarness(t)
	receipt := h.create(t, "alice")

	h.clock.Set(receipt.Deadline)
	_, err := h.coord.Approve(context.Background(), receipt.OrderID, "alice")
	require.ErrorIs(t, err, ErrOrderClosed)
	require.Contains(t, err.Error(), "approval window elapsed")

	h.clock.Advance(0)
	require.Equal(t, StateCancelled, h.status(t, receipt.OrderID).State)
}

func TestApprovalDuringFinalizeIsRejected(t *testing.T) {
	h := newHarness(t)
	h.gateway.release = make(chan struct{})
	h.gateway.entered = make(chan string, 1)
	receipt := h.create(t, "alice", "bob")
	_, err := h.coord.Approve(context.Background(), receipt.OrderID, "alice")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clock.Advance(DefaultDelay)
	}()
	require.Equal(t, "cancel", <-h.gateway.entered)

	status := h.status(t, receipt.OrderID)
	require.Equal(t, StateFinalizing, status.State)

	// move time back so only the state can close the window
	h.clock.Set(receipt.Deadline.Add(-time.Second))
	_, err = h.coord.Approve(context.Background(), receipt.OrderID, "bob")
	require.ErrorIs(t, err, ErrOrderClosed)
	require.Contains(t, err.Error(), "order is finalizing")

	close(h.gateway.release)
	<-done
	status = h.status(t, receipt.OrderID)
	require.Equal(t, StateCancelled, status.State)
	require.Equal(t, []string{"alice"}, status.ConfirmedSigners)
}

func TestFinalizeFailureIsRecordedWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.gateway.finishErr = errLedgerDown
	receipt := h.create(t, "alice")
	_, err := h.coord.Approve(context.Background(), receipt.OrderID, "alice")
	require.NoError(t, err)

	h.clock.Advance(DefaultDelay)
	h.clock.Advance(5 * time.Minute)

	_, finished, cancelled := h.gateway.calls()
	require.Len(t, finished, 1)
	require.Empty(t, cancelled)

	status := h.status(t, receipt.OrderID)
	require.Equal(t, StateFinalizeFailed, status.State)
	require.Contains(t, status.FailureReason, "escrow gateway finish failed")
	require.Contains(t, status.FailureReason, errLedgerDown.Error())
	require.Contains(t, h.emitter.types(receipt.OrderID), EventOrderFinalizeFailed)

	failure := status.Err()
	require.ErrorIs(t, failure, ErrFinalizeFailed)
	require.Equal(t, CodeFinalizeFailed, CodeOf(failure))
	require.Contains(t, failure.Error(), "confirmed=1/1")
	require.Contains(t, failure.Error(), errLedgerDown.Error())
}

func TestTerminalOrdersAreEvictedAfterRetention(t *testing.T) {
	h := newHarness(t, WithRetention(10*time.Minute))
	receipt := h.create(t, "alice")

	h.clock.Advance(DefaultDelay)
	require.Equal(t, StateCancelled, h.status(t, receipt.OrderID).State)

	h.clock.Advance(10*time.Minute - time.Second)
	h.status(t, receipt.OrderID)

	h.clock.Advance(time.Second)
	_, err := h.coord.Status(context.Background(), receipt.OrderID)
	require.ErrorIs(t, err, ErrOrderNotFound)
	require.Equal(t, EventOrderEvicted, h.emitter.types(receipt.OrderID)[len(h.emitter.types(receipt.OrderID))-1])
	require.False(t, h.coord.Scheduler().Armed(finalizeKey(receipt.OrderID)))
	require.Zero(t, h.coord.Scheduler().Pending())
}

func TestNegativeRetentionKeepsOrders(t *testing.T) {
	h := newHarness(t, WithRetention(-1))
	receipt := h.create(t, "alice")
	h.clock.Advance(DefaultDelay)
	h.clock.Advance(24 * time.Hour)
	require.Equal(t, StateCancelled, h.status(t, receipt.OrderID).State)
}

func TestListFiltersByState(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "alice")
	h.clock.Advance(DefaultDelay)
	second := h.create(t, "bob")

	all, err := h.coord.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	pending, err := h.coord.List(context.Background(), Filter{State: StatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.OrderID, pending[0].OrderID)

	cancelled, err := h.coord.List(context.Background(), Filter{State: StateCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, first.OrderID, cancelled[0].OrderID)
}

func TestAbandonStaleMarksUnarmedOrdersFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Put(ctx, seedOrder("stale-pending", testEpoch.Add(-time.Hour), StatePending)))
	require.NoError(t, h.registry.Put(ctx, seedOrder("stale-finalizing", testEpoch.Add(-time.Hour), StateFinalizing)))
	require.NoError(t, h.registry.Put(ctx, seedOrder("done", testEpoch.Add(-time.Hour), StateFinished)))
	live := h.create(t, "alice")

	count, err := h.coord.AbandonStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	for _, id := range []string{"stale-pending", "stale-finalizing"} {
		status := h.status(t, id)
		require.Equal(t, StateFinalizeFailed, status.State)
		require.Equal(t, staleReason, status.FailureReason)
	}
	require.Equal(t, StateFinished, h.status(t, "done").State)
	require.True(t, h.coord.Scheduler().Armed(evictKey("done")))
	require.Equal(t, StatePending, h.status(t, live.OrderID).State)

	_, finished, cancelled := h.gateway.calls()
	require.Empty(t, finished)
	require.Empty(t, cancelled)
}

func TestConcurrentApprovalsAllRecorded(t *testing.T) {
	h := newHarness(t)
	signers := make([]string, 32)
	for i := range signers {
		signers[i] = fmt.Sprintf("signer-%02d@example.com", i)
	}
	receipt := h.create(t, signers...)

	var wg sync.WaitGroup
	for _, signer := range signers {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(signer string) {
				defer wg.Done()
				_, err := h.coord.Approve(context.Background(), receipt.OrderID, signer)
				assert.NoError(t, err)
			}(signer)
		}
	}
	wg.Wait()

	status := h.status(t, receipt.OrderID)
	require.Len(t, status.ConfirmedSigners, len(signers))
	require.True(t, status.IsFullyApproved)

	h.clock.Advance(DefaultDelay)
	_, finished, cancelled := h.gateway.calls()
	require.Len(t, finished, 1)
	require.Empty(t, cancelled)
}

func TestApprovalsRacingDeadlineAgreeWithOutcome(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, WithRetention(-1))
		signers := []string{"a", "b", "c", "d"}
		receipt := h.create(t, signers...)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []string
		)
		for _, signer := range signers {
			wg.Add(1)
			go func(signer string) {
				defer wg.Done()
				_, err := h.coord.Approve(context.Background(), receipt.OrderID, signer)
				if err != nil {
					assert.ErrorIs(t, err, ErrOrderClosed)
					return
				}
				mu.Lock()
				accepted = append(accepted, signer)
				mu.Unlock()
			}(signer)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.clock.Advance(DefaultDelay)
		}()
		wg.Wait()

		status := h.status(t, receipt.OrderID)
		require.ElementsMatch(t, accepted, status.ConfirmedSigners)
		_, finished, cancelled := h.gateway.calls()
		require.Equal(t, 1, len(finished)+len(cancelled), "exactly one ledger decision")
		if status.IsFullyApproved {
			require.Equal(t, StateFinished, status.State)
		} else {
			require.Equal(t, StateCancelled, status.State)
		}
	}
}

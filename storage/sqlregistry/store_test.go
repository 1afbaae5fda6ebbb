package sqlregistry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumpay/native/approval"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleOrder(id string, created time.Time) *approval.Order {
	return &approval.Order{
		ID:        id,
		EscrowRef: "escrow-" + id,
		Amount:    4200,
		Signers:   []string{"alice@example.com", "bob@example.com"},
		Deadline:  created.Add(time.Minute),
		State:     approval.StatePending,
		Memo:      "offsite",
		CreatedAt: created,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Put(ctx, sampleOrder("a", epoch)))
	require.ErrorIs(t, store.Put(ctx, sampleOrder("a", epoch)), approval.ErrDuplicateOrder)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "escrow-a", got.EscrowRef)
	require.Equal(t, int64(4200), got.Amount)
	require.Equal(t, []string{"alice@example.com", "bob@example.com"}, got.Signers)
	require.Empty(t, got.Approvals)
	require.True(t, got.Deadline.Equal(epoch.Add(time.Minute)))
	require.True(t, got.CreatedAt.Equal(epoch))
	require.True(t, got.FinalizedAt.IsZero())
	require.Equal(t, approval.StatePending, got.State)
	require.Equal(t, "offsite", got.Memo)
	require.EqualValues(t, 1, got.Version)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, approval.ErrOrderNotFound)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Put(ctx, sampleOrder("a", epoch)))

	boom := errors.New("boom")
	_, err := store.Update(ctx, "a", func(o *approval.Order) error {
		o.State = approval.StateFinalizing
		return boom
	})
	require.ErrorIs(t, err, boom)

	updated, err := store.Update(ctx, "a", func(o *approval.Order) error {
		o.Approvals = append(o.Approvals, "bob@example.com")
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	finalizedAt := epoch.Add(2 * time.Minute)
	_, err = store.Update(ctx, "a", func(o *approval.Order) error {
		o.State = approval.StateFinalizeFailed
		o.FailureReason = "escrow gateway cancel failed: timeout"
		o.FinalizedAt = finalizedAt
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"bob@example.com"}, got.Approvals)
	require.Equal(t, approval.StateFinalizeFailed, got.State)
	require.Equal(t, "escrow gateway cancel failed: timeout", got.FailureReason)
	require.True(t, got.FinalizedAt.Equal(finalizedAt))
	require.EqualValues(t, 3, got.Version)

	_, err = store.Update(ctx, "missing", func(*approval.Order) error { return nil })
	require.ErrorIs(t, err, approval.ErrOrderNotFound)
}

func TestStoreConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	order := sampleOrder("a", epoch)
	order.Signers = []string{"s1", "s2", "s3", "s4"}
	require.NoError(t, store.Put(ctx, order))

	var wg sync.WaitGroup
	for _, signer := range order.Signers {
		wg.Add(1)
		go func(signer string) {
			defer wg.Done()
			_, err := store.Update(ctx, "a", func(o *approval.Order) error {
				if !o.HasApproved(signer) {
					o.Approvals = append(o.Approvals, signer)
				}
				return nil
			})
			assert.NoError(t, err)
		}(signer)
	}
	wg.Wait()

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.ElementsMatch(t, order.Signers, got.Approvals)
	require.True(t, got.FullyApproved())
}

func TestStoreRemoveAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Put(ctx, sampleOrder("c", epoch.Add(time.Second))))
	require.NoError(t, store.Put(ctx, sampleOrder("b", epoch)))
	require.NoError(t, store.Put(ctx, sampleOrder("a", epoch)))
	_, err := store.Update(ctx, "b", func(o *approval.Order) error {
		o.State = approval.StateFinalizing
		return nil
	})
	require.NoError(t, err)

	all, err := store.List(ctx, approval.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "b", all[1].ID)
	require.Equal(t, "c", all[2].ID)

	finalizing, err := store.List(ctx, approval.Filter{State: approval.StateFinalizing})
	require.NoError(t, err)
	require.Len(t, finalizing, 1)
	require.Equal(t, "b", finalizing[0].ID)

	require.NoError(t, store.Remove(ctx, "b"))
	require.ErrorIs(t, store.Remove(ctx, "b"), approval.ErrOrderNotFound)
	_, err = store.Get(ctx, "b")
	require.ErrorIs(t, err, approval.ErrOrderNotFound)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:"))

	store, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, sampleOrder("a", epoch)))
	require.NoError(t, store.Close())

	reopened, err := Open(dsn)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, approval.StatePending, got.State)
}

func TestFileDSNRequiresPath(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)
	_, err = Open("")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestCoordinatorAbandonsOrdersLeftByPreviousProcess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Put(ctx, sampleOrder("left-over", epoch)))

	coord, err := approval.NewCoordinator(store, noopGateway{})
	require.NoError(t, err)
	count, err := coord.AbandonStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := store.Get(ctx, "left-over")
	require.NoError(t, err)
	require.Equal(t, approval.StateFinalizeFailed, got.State)
	require.Equal(t, "process restarted before finalize", got.FailureReason)
	require.NoError(t, coord.Scheduler().Stop(ctx))
}

type noopGateway struct{}

func (noopGateway) Create(context.Context, int64, time.Duration) (approval.EscrowHandle, error) {
	return approval.EscrowHandle{}, errors.New("unused")
}

func (noopGateway) Finish(context.Context, string) (approval.LedgerResult, error) {
	return approval.LedgerResult{}, errors.New("unused")
}

func (noopGateway) Cancel(context.Context, string) (approval.LedgerResult, error) {
	return approval.LedgerResult{}, errors.New("unused")
}

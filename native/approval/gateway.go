package approval

import (
	"context"
	"time"
)

// EscrowHandle identifies an escrow created on the ledger and the deadline the
// ledger enforces for it.
type EscrowHandle struct {
	Ref      string
	Deadline time.Time
}

// LedgerResult is the outcome reported by the ledger for finish/cancel.
type LedgerResult struct {
	TxHash string
	Result string
}

// EscrowGateway is the remote escrow ledger. Calls may take arbitrary latency
// and are never retried by the coordinator; finish and cancel are not
// idempotent on the ledger side.
type EscrowGateway interface {
	Create(ctx context.Context, amount int64, delay time.Duration) (EscrowHandle, error)
	Finish(ctx context.Context, escrowRef string) (LedgerResult, error)
	Cancel(ctx context.Context, escrowRef string) (LedgerResult, error)
}

// Notification is the approval request sent to a single signer.
type Notification struct {
	OrderID      string
	Signer       string
	ApprovalLink string
	Amount       int64
	Signers      []string
	Memo         string
	Deadline     time.Time
}

// Notifier delivers approval requests. Delivery is best-effort: failures are
// the notifier's to log and never reach the caller of CreateOrder.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LinkBuilder renders the approval link embedded in notifications.
type LinkBuilder func(orderID, signer string) string

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) {}

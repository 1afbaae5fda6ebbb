package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quorumpay/observability/logging"
)

const (
	DefaultDelay     = 60 * time.Second
	DefaultMaxDelay  = 24 * time.Hour
	DefaultRetention = 15 * time.Minute

	staleReason = "process restarted before finalize"
)

var (
	errUnchanged     = errors.New("approval: unchanged")
	errNotPending    = errors.New("approval: order not pending")
	errNotFinalizing = errors.New("approval: order not finalizing")
)

// Coordinator owns the approval workflow: it creates escrowed orders, records
// signer approvals and makes the single finish-or-cancel decision at each
// order's deadline.
type Coordinator struct {
	registry  Registry
	gateway   EscrowGateway
	notifier  Notifier
	scheduler *Scheduler
	clock     Clock
	emitter   Emitter
	logger    *slog.Logger
	links     LinkBuilder
	newID     func() string
	tracer    trace.Tracer

	defaultDelay time.Duration
	maxDelay     time.Duration
	retention    time.Duration
}

// Option customises the coordinator instance.
type Option func(*Coordinator)

// WithNotifier supplies the notifier used to reach signers.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock sets the time source used for deadlines and timers.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithScheduler overrides the deadline scheduler. The scheduler must share
// the coordinator's clock.
func WithScheduler(s *Scheduler) Option {
	return func(c *Coordinator) { c.scheduler = s }
}

// WithEmitter configures the lifecycle event sink.
func WithEmitter(e Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithLinkBuilder sets the function rendering approval links.
func WithLinkBuilder(b LinkBuilder) Option {
	return func(c *Coordinator) { c.links = b }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithDefaultDelay sets the approval window used when a request omits one.
func WithDefaultDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.defaultDelay = d }
}

// WithMaxDelay caps the approval window a caller may request.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.maxDelay = d }
}

// WithRetention sets how long terminal orders remain queryable. A negative
// value keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

// NewCoordinator wires the workflow with its registry and escrow gateway.
func NewCoordinator(registry Registry, gateway EscrowGateway, opts ...Option) (*Coordinator, error) {
	if registry == nil {
		return nil, errors.New("approval: registry required")
	}
	if gateway == nil {
		return nil, errors.New("approval: escrow gateway required")
	}
	c := &Coordinator{
		registry:     registry,
		gateway:      gateway,
		defaultDelay: DefaultDelay,
		maxDelay:     DefaultMaxDelay,
		retention:    DefaultRetention,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = SystemClock()
	}
	if c.scheduler == nil {
		c.scheduler = NewScheduler(c.clock)
	}
	if c.notifier == nil {
		c.notifier = noopNotifier{}
	}
	if c.emitter == nil {
		c.emitter = NoopEmitter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.links == nil {
		c.links = func(orderID, signer string) string { return "" }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("quorumpay/native/approval")
	}
	if c.defaultDelay <= 0 {
		c.defaultDelay = DefaultDelay
	}
	if c.maxDelay < c.defaultDelay {
		c.maxDelay = c.defaultDelay
	}
	c.logger = c.logger.With("component", "approval")
	return c, nil
}

// Scheduler exposes the deadline scheduler for shutdown handling.
func (c *Coordinator) Scheduler() *Scheduler { return c.scheduler }

// CreateOrder escrows the amount on the ledger, registers a pending order,
// arms its deadline and asks every signer for approval.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateRequest) (Receipt, error) {
	signers, err := normalizeSigners(req.Signers)
	if err != nil {
		return Receipt{}, err
	}
	if req.Amount <= 0 {
		return Receipt{}, invalidRequest("amount must be positive")
	}
	delay := req.Delay
	if delay == 0 {
		delay = c.defaultDelay
	}
	if delay < time.Second || delay > c.maxDelay {
		return Receipt{}, invalidRequest("delay must be between 1s and %s", c.maxDelay)
	}

	id := c.newID()
	handle, err := c.callCreate(ctx, id, req.Amount, delay)
	if err != nil {
		c.logger.Error("escrow create failed", "order", id, "amount", req.Amount, "error", err)
		return Receipt{}, &Error{Code: CodeEscrowCreateFailed, OrderID: id, Total: len(signers), Err: gatewayError("create", err)}
	}

	now := c.clock.Now()
	deadline := handle.Deadline
	if deadline.IsZero() {
		deadline = now.Add(delay)
	}
	order := &Order{
		ID:        id,
		EscrowRef: handle.Ref,
		Amount:    req.Amount,
		Signers:   signers,
		Approvals: []string{},
		Deadline:  deadline,
		State:     StatePending,
		Memo:      strings.TrimSpace(req.Memo),
		CreatedAt: now,
	}
	if err := c.registry.Put(ctx, order); err != nil {
		c.logger.Error("order registration failed after escrow create", "order", id, "escrow", handle.Ref, "error", err)
		return Receipt{}, fmt.Errorf("register order %s: %w", id, err)
	}
	c.logger.Info("order created", "order", id, "escrow", handle.Ref, "amount", req.Amount,
		"signers", len(signers), "deadline", deadline.Format(time.RFC3339))
	c.emitter.Emit(ctx, newEvent(EventOrderCreated, order, now))

	if err := c.scheduler.Schedule(finalizeKey(id), deadline, func() { c.finalize(id) }); err != nil {
		reason := fmt.Sprintf("deadline scheduling failed: %v", err)
		c.logger.Error("order deadline not armed", "order", id, "escrow", handle.Ref, "error", err)
		c.abandon(context.WithoutCancel(ctx), id, reason)
		return Receipt{}, fmt.Errorf("schedule order %s: %w", id, err)
	}

	c.notifySigners(ctx, order)
	return Receipt{OrderID: id, EscrowRef: handle.Ref, Deadline: deadline}, nil
}

// Approve records signerID's approval. Approving twice is a no-op success that
// reports the current status.
func (c *Coordinator) Approve(ctx context.Context, orderID, signerID string) (Status, error) {
	signerID = strings.TrimSpace(signerID)
	var (
		existing *Order
		now      time.Time
	)
	updated, err := c.registry.Update(ctx, orderID, func(o *Order) error {
		now = c.clock.Now()
		if !o.IsSigner(signerID) {
			return orderError(CodeUnauthorized, o, signerID)
		}
		if o.HasApproved(signerID) {
			existing = o.Clone()
			return errUnchanged
		}
		if !o.AcceptsApprovals(now) {
			err := orderError(CodeOrderClosed, o, signerID)
			if o.State == StatePending {
				err.Detail = "approval window elapsed"
			} else {
				err.Detail = "order is " + o.State.String()
			}
			return err
		}
		o.Approvals = append(o.Approvals, signerID)
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		status := existing.Snapshot(now)
		status.AlreadyApproved = true
		c.logger.Debug("approval repeated", "order", orderID, "signer", logging.MaskEmail(signerID))
		return status, nil
	case errors.Is(err, ErrOrderNotFound):
		return Status{}, &Error{Code: CodeOrderNotFound, OrderID: orderID, Signer: signerID}
	case err != nil:
		c.logger.Warn("approval rejected", "order", orderID, "signer", logging.MaskEmail(signerID), "error", err)
		return Status{}, err
	}

	evt := newEvent(EventOrderApproved, updated, now)
	evt.Signer = signerID
	c.emitter.Emit(ctx, evt)
	c.logger.Info("approval recorded", "order", orderID, "signer", logging.MaskEmail(signerID),
		"confirmed", len(updated.Approvals), "total", len(updated.Signers))
	return updated.Snapshot(now), nil
}

// Status returns a read-only snapshot of the order.
func (c *Coordinator) Status(ctx context.Context, orderID string) (Status, error) {
	order, err := c.registry.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return Status{}, &Error{Code: CodeOrderNotFound, OrderID: orderID}
		}
		return Status{}, err
	}
	return order.Snapshot(c.clock.Now()), nil
}

// List returns snapshots of the orders matching filter.
func (c *Coordinator) List(ctx context.Context, filter Filter) ([]Status, error) {
	orders, err := c.registry.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	out := make([]Status, 0, len(orders))
	for _, order := range orders {
		out = append(out, order.Snapshot(now))
	}
	return out, nil
}

// AbandonStale moves non-terminal orders without an armed deadline (left over
// by a previous process in a persistent registry) to finalize_failed so an
// operator can settle their escrows by hand. Terminal leftovers get their
// retention eviction re-armed. It returns the number of orders abandoned.
func (c *Coordinator) AbandonStale(ctx context.Context) (int, error) {
	orders, err := c.registry.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, order := range orders {
		if order.State.Terminal() {
			if !c.scheduler.Armed(evictKey(order.ID)) {
				from := order.FinalizedAt
				if from.IsZero() {
					from = c.clock.Now()
				}
				c.scheduleEviction(order.ID, from)
			}
			continue
		}
		if c.scheduler.Armed(finalizeKey(order.ID)) {
			continue
		}
		if c.abandon(ctx, order.ID, staleReason) {
			count++
		}
	}
	return count, nil
}

// finalize runs once per order when its deadline fires.
func (c *Coordinator) finalize(orderID string) {
	ctx := context.Background()
	snapshot, err := c.registry.Update(ctx, orderID, func(o *Order) error {
		if o.State != StatePending {
			return errNotPending
		}
		o.State = StateFinalizing
		return nil
	})
	if err != nil {
		c.logger.Warn("finalize skipped", "order", orderID, "error", err)
		return
	}
	c.emitter.Emit(ctx, newEvent(EventOrderFinalizing, snapshot, c.clock.Now()))

	op, target := "cancel", StateCancelled
	call := c.gateway.Cancel
	if snapshot.FullyApproved() {
		op, target = "finish", StateFinished
		call = c.gateway.Finish
	}
	c.logger.Info("finalizing order", "order", orderID, "escrow", snapshot.EscrowRef, "action", op,
		"confirmed", len(snapshot.Approvals), "total", len(snapshot.Signers))

	result, callErr := c.callLedger(ctx, op, snapshot, call)
	reason := ""
	var failure *Error
	if callErr != nil {
		target = StateFinalizeFailed
		failure = orderError(CodeFinalizeFailed, snapshot, "")
		failure.Err = gatewayError(op, callErr)
		reason = failure.Err.Error()
	}

	finalized, err := c.registry.Update(ctx, orderID, func(o *Order) error {
		if o.State != StateFinalizing {
			return errNotFinalizing
		}
		o.State = target
		o.FailureReason = reason
		o.FinalizedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		c.logger.Error("finalize outcome not recorded", "order", orderID, "escrow", snapshot.EscrowRef,
			"outcome", target.String(), "error", err)
		return
	}

	evt := newEvent(finalEventType(target), finalized, finalized.FinalizedAt)
	evt.TxHash = result.TxHash
	c.emitter.Emit(ctx, evt)
	if target == StateFinalizeFailed {
		c.logger.Error("order finalize failed; escrow needs manual remediation", "order", orderID,
			"escrow", snapshot.EscrowRef, "action", op, "error", failure)
	} else {
		c.logger.Info("order finalized", "order", orderID, "escrow", snapshot.EscrowRef,
			"state", target.String(), "tx", result.TxHash)
	}
	c.scheduleEviction(orderID, finalized.FinalizedAt)
}

func (c *Coordinator) scheduleEviction(orderID string, from time.Time) {
	if c.retention < 0 {
		return
	}
	if err := c.scheduler.Schedule(evictKey(orderID), from.Add(c.retention), func() { c.evict(orderID) }); err != nil {
		c.logger.Warn("eviction not scheduled", "order", orderID, "error", err)
	}
}

func (c *Coordinator) evict(orderID string) {
	ctx := context.Background()
	defer func() {
		c.scheduler.Release(finalizeKey(orderID))
		c.scheduler.Release(evictKey(orderID))
	}()
	order, err := c.registry.Get(ctx, orderID)
	if err != nil {
		return
	}
	if !order.State.Terminal() {
		c.logger.Warn("refusing to evict non-terminal order", "order", orderID, "state", order.State.String())
		return
	}
	if err := c.registry.Remove(ctx, orderID); err != nil {
		c.logger.Warn("order eviction failed", "order", orderID, "error", err)
		return
	}
	c.emitter.Emit(ctx, newEvent(EventOrderEvicted, order, c.clock.Now()))
	c.logger.Debug("order evicted", "order", orderID, "state", order.State.String())
}

// abandon walks a non-terminal order forward to finalize_failed without
// touching the ledger.
func (c *Coordinator) abandon(ctx context.Context, orderID, reason string) bool {
	now := c.clock.Now()
	updated, err := c.registry.Update(ctx, orderID, func(o *Order) error {
		if o.State == StatePending {
			o.State = StateFinalizing
		}
		if !o.State.CanTransition(StateFinalizeFailed) {
			return errNotFinalizing
		}
		o.State = StateFinalizeFailed
		o.FailureReason = reason
		o.FinalizedAt = now
		return nil
	})
	if err != nil {
		return false
	}
	c.emitter.Emit(ctx, newEvent(EventOrderFinalizeFailed, updated, now))
	c.logger.Error("order abandoned; escrow needs manual remediation", "order", orderID,
		"escrow", updated.EscrowRef, "reason", reason)
	c.scheduleEviction(orderID, now)
	return true
}

func (c *Coordinator) notifySigners(ctx context.Context, order *Order) {
	notes := make([]Notification, 0, len(order.Signers))
	for _, signer := range order.Signers {
		notes = append(notes, Notification{
			OrderID:      order.ID,
			Signer:       signer,
			ApprovalLink: c.links(order.ID, signer),
			Amount:       order.Amount,
			Signers:      append([]string(nil), order.Signers...),
			Memo:         order.Memo,
			Deadline:     order.Deadline,
		})
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		for _, n := range notes {
			c.notifier.Notify(detached, n)
		}
	}()
}

func (c *Coordinator) callCreate(ctx context.Context, orderID string, amount int64, delay time.Duration) (EscrowHandle, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.create", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.Int64("escrow.amount", amount),
		attribute.Int64("escrow.delay_seconds", int64(delay/time.Second)),
	))
	defer span.End()
	handle, err := c.gateway.Create(ctx, amount, delay)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EscrowHandle{}, err
	}
	if strings.TrimSpace(handle.Ref) == "" {
		err := errors.New("gateway returned empty escrow reference")
		span.SetStatus(codes.Error, err.Error())
		return EscrowHandle{}, err
	}
	span.SetAttributes(attribute.String("escrow.ref", handle.Ref))
	return handle, nil
}

func (c *Coordinator) callLedger(ctx context.Context, op string, order *Order, call func(context.Context, string) (LedgerResult, error)) (LedgerResult, error) {
	ctx, span := c.tracer.Start(ctx, "escrow."+op, trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("escrow.ref", order.EscrowRef),
	))
	defer span.End()
	result, err := call(ctx, order.EscrowRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return LedgerResult{}, err
	}
	return result, nil
}

func normalizeSigners(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, invalidRequest("at least one signer required")
	}
	seen := make(map[string]struct{}, len(raw))
	signers := make([]string, 0, len(raw))
	for _, s := range raw {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return nil, invalidRequest("signer identifiers must be non-empty")
		}
		if _, dup := seen[trimmed]; dup {
			return nil, invalidRequest("duplicate signer %q", trimmed)
		}
		seen[trimmed] = struct{}{}
		signers = append(signers, trimmed)
	}
	return signers, nil
}

func finalizeKey(orderID string) string { return "finalize/" + orderID }
func evictKey(orderID string) string    { return "evict/" + orderID }

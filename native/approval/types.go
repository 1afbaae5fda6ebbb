package approval

import (
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle states of an approval order. States only move
// forward: pending → finalizing → {finished, cancelled, finalize_failed}.
type State uint8

const (
	StatePending State = iota + 1
	StateFinalizing
	StateFinished
	StateCancelled
	StateFinalizeFailed
)

var stateNames = map[State]string{
	StatePending:        "pending",
	StateFinalizing:     "finalizing",
	StateFinished:       "finished",
	StateCancelled:      "cancelled",
	StateFinalizeFailed: "finalize_failed",
}

// String returns the canonical lowercase name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateCancelled, StateFinalizeFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateFinalizing
	case StateFinalizing:
		return next == StateFinished || next == StateCancelled || next == StateFinalizeFailed
	default:
		return false
	}
}

// ParseState converts the canonical name back into a State.
func ParseState(raw string) (State, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	for state, name := range stateNames {
		if name == trimmed {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown order state: %q", raw)
}

// MarshalText implements encoding.TextMarshaler so states render by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid order state: %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Order is the unit of work tracked by the registry. Signers are fixed at
// creation; Approvals holds signer ids in arrival order and is always a subset
// of Signers.
type Order struct {
	ID            string
	EscrowRef     string
	Amount        int64
	Signers       []string
	Approvals     []string
	Deadline      time.Time
	State         State
	Memo          string
	FailureReason string
	CreatedAt     time.Time
	FinalizedAt   time.Time
	Version       uint64
}

// Clone returns a deep copy so callers can mutate the copy without touching the
// stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Signers = append([]string(nil), o.Signers...)
	clone.Approvals = append([]string(nil), o.Approvals...)
	return &clone
}

// IsSigner reports whether id is one of the order's signers.
func (o *Order) IsSigner(id string) bool {
	return contains(o.Signers, id)
}

// HasApproved reports whether id already approved the order.
func (o *Order) HasApproved(id string) bool {
	return contains(o.Approvals, id)
}

// FullyApproved reports whether every signer has approved.
func (o *Order) FullyApproved() bool {
	if len(o.Signers) == 0 {
		return false
	}
	for _, signer := range o.Signers {
		if !o.HasApproved(signer) {
			return false
		}
	}
	return true
}

// AcceptsApprovals reports whether the approval window is open at now.
func (o *Order) AcceptsApprovals(now time.Time) bool {
	return o.State == StatePending && now.Before(o.Deadline)
}

func contains(list []string, id string) bool {
	for _, entry := range list {
		if entry == id {
			return true
		}
	}
	return false
}

// Status is a read-only snapshot of an order returned to callers.
type Status struct {
	OrderID          string     `json:"orderId"`
	EscrowRef        string     `json:"escrowRef"`
	Amount           int64      `json:"amount"`
	Memo             string     `json:"memo,omitempty"`
	Signers          []string   `json:"signers"`
	ConfirmedSigners []string   `json:"confirmedSigners"`
	TotalSigners     int        `json:"totalSigners"`
	IsFullyApproved  bool       `json:"isFullyApproved"`
	State            State      `json:"state"`
	Deadline         time.Time  `json:"deadline"`
	TimeRemaining    int64      `json:"timeRemainingSeconds"`
	FailureReason    string     `json:"failureReason,omitempty"`
	FinalizedAt      *time.Time `json:"finalizedAt,omitempty"`
	AlreadyApproved  bool       `json:"alreadyApproved,omitempty"`
}

// Snapshot builds the externally visible status of o at now.
func (o *Order) Snapshot(now time.Time) Status {
	remaining := o.Deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	status := Status{
		OrderID:          o.ID,
		EscrowRef:        o.EscrowRef,
		Amount:           o.Amount,
		Memo:             o.Memo,
		Signers:          append([]string(nil), o.Signers...),
		ConfirmedSigners: append([]string{}, o.Approvals...),
		TotalSigners:     len(o.Signers),
		IsFullyApproved:  o.FullyApproved(),
		State:            o.State,
		Deadline:         o.Deadline,
		TimeRemaining:    int64(remaining / time.Second),
		FailureReason:    o.FailureReason,
	}
	if !o.FinalizedAt.IsZero() {
		finalized := o.FinalizedAt
		status.FinalizedAt = &finalized
	}
	return status
}

// Err reports a failed finalization as an *Error with CodeFinalizeFailed. It
// returns nil for every other state.
func (s Status) Err() error {
	if s.State != StateFinalizeFailed {
		return nil
	}
	return &Error{
		Code:      CodeFinalizeFailed,
		OrderID:   s.OrderID,
		Confirmed: len(s.ConfirmedSigners),
		Total:     s.TotalSigners,
		Detail:    s.FailureReason,
	}
}

// CreateRequest carries the caller supplied parameters for a new order.
// A zero Delay selects the coordinator's default approval window.
type CreateRequest struct {
	Amount  int64
	Signers []string
	Delay   time.Duration
	Memo    string
}

// Receipt is returned once an order has been escrowed and registered.
type Receipt struct {
	OrderID   string    `json:"orderId"`
	EscrowRef string    `json:"escrowRef"`
	Deadline  time.Time `json:"deadline"`
}

// Filter narrows List results. A zero State matches every order.
type Filter struct {
	State State
}

// Matches reports whether o satisfies the filter.
func (f Filter) Matches(o *Order) bool {
	if f.State != 0 && o.State != f.State {
		return false
	}
	return true
}

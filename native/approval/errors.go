package approval

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest marks malformed creation input. Callers must fix the input.
	ErrInvalidRequest = errors.New("approval: invalid request")
	// ErrOrderNotFound is returned for unknown or evicted order ids.
	ErrOrderNotFound = errors.New("approval: order not found")
	// ErrUnauthorized is returned when the signer is not listed on the order.
	ErrUnauthorized = errors.New("approval: signer not authorized for order")
	// ErrOrderClosed is returned when an approval arrives after the deadline or
	// after finalization started.
	ErrOrderClosed = errors.New("approval: order closed for approvals")
	// ErrEscrowCreateFailed wraps gateway failures during order creation. No
	// order is registered when it is returned.
	ErrEscrowCreateFailed = errors.New("approval: escrow create failed")
	// ErrFinalizeFailed classifies orders whose finish or cancel call failed
	// at the deadline, or that were abandoned without reaching the ledger.
	ErrFinalizeFailed = errors.New("approval: finalize failed")
	// ErrDuplicateOrder is returned by registries when an id is reused.
	ErrDuplicateOrder = errors.New("approval: order already registered")
	// ErrAlreadyScheduled is returned when a scheduler key is armed twice.
	ErrAlreadyScheduled = errors.New("approval: task already scheduled")
)

// Code is the stable, machine readable error classification exposed to callers.
type Code string

const (
	CodeInvalidRequest     Code = "InvalidRequest"
	CodeOrderNotFound      Code = "OrderNotFound"
	CodeUnauthorized       Code = "Unauthorized"
	CodeOrderClosed        Code = "OrderClosed"
	CodeEscrowCreateFailed Code = "EscrowCreateFailed"
	CodeFinalizeFailed     Code = "FinalizeFailed"
	CodeInternal           Code = "Internal"
)

var codeSentinels = map[Code]error{
	CodeInvalidRequest:     ErrInvalidRequest,
	CodeOrderNotFound:      ErrOrderNotFound,
	CodeUnauthorized:       ErrUnauthorized,
	CodeOrderClosed:        ErrOrderClosed,
	CodeEscrowCreateFailed: ErrEscrowCreateFailed,
	CodeFinalizeFailed:     ErrFinalizeFailed,
}

// Error carries enough context for a caller to decide whether to retry: the
// order, the signer involved and the approval count at the time of failure.
type Error struct {
	Code      Code
	OrderID   string
	Signer    string
	Confirmed int
	Total     int
	Detail    string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if sentinel, ok := codeSentinels[e.Code]; ok {
		b.WriteString(sentinel.Error())
	} else {
		b.WriteString("approval: ")
		b.WriteString(string(e.Code))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.OrderID != "" {
		fmt.Fprintf(&b, " (order=%s", e.OrderID)
		if e.Signer != "" {
			fmt.Fprintf(&b, " signer=%s", e.Signer)
		}
		if e.Total > 0 {
			fmt.Fprintf(&b, " confirmed=%d/%d", e.Confirmed, e.Total)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause so gateway errors remain inspectable.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel associated with the error code.
func (e *Error) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// CodeOf returns the classification for err, or CodeInternal if err does not
// originate from this package.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Detail: fmt.Sprintf(format, args...)}
}

func orderError(code Code, order *Order, signer string) *Error {
	err := &Error{Code: code, Signer: signer}
	if order != nil {
		err.OrderID = order.ID
		err.Confirmed = len(order.Approvals)
		err.Total = len(order.Signers)
	}
	return err
}

// GatewayError describes a failed escrow gateway round trip.
type GatewayError struct {
	Op     string
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	msg := "escrow gateway " + e.Op + " failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Err.Error() != e.Reason {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// gatewayError normalises arbitrary gateway failures into *GatewayError.
func gatewayError(op string, err error) *GatewayError {
	var typed *GatewayError
	if errors.As(err, &typed) {
		return typed
	}
	return &GatewayError{Op: op, Reason: err.Error(), Err: err}
}

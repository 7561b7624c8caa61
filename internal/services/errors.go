package services

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidWager         = errors.New("invalid wager")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrAlreadyHasActiveGame = errors.New("already has active game")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrSelfJoin             = errors.New("cannot join own game")
	ErrAlreadySettled       = errors.New("already settled")
	ErrSettlementFailed     = errors.New("settlement failed")
	ErrTimeout              = errors.New("timeout")
)

// ErrorCode is the stable identifier exposed to API clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrAlreadySettled):
		return "ALREADY_SETTLED"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrInvalidWager):
		return "INVALID_WAGER"
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrInvalidAddress):
		return "INVALID_ADDRESS"
	case errors.Is(err, ErrAlreadyHasActiveGame):
		return "ALREADY_HAS_ACTIVE_GAME"
	case errors.Is(err, ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, ErrSelfJoin):
		return "SELF_JOIN"
	case errors.Is(err, ErrSettlementFailed):
		return "SETTLEMENT_FAILED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// storageError folds context expiry into ErrTimeout so callers see one
// retryable condition regardless of where the deadline hit.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

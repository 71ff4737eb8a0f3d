/*
errors.go - Centralized error types for the stock engine

ERROR CATEGORIES:
  1. Not found       - product, round, order does not exist (no retry)
  2. Workflow errors - operation attempted out of sequence (operator fixes workflow)
  3. Validation      - missing reason, bad quantity (operator supplies input)
  4. Store errors    - transaction aborted; nothing persisted, safe to retry

A second confirmation of an already-confirmed round is NOT an error:
handover and return return the stored record with AlreadyConfirmed set.

USAGE:
  if errors.Is(err, stock.ErrDiscrepancyUnexplained) {
      var d *stock.DiscrepancyError
      errors.As(err, &d) // d.Discrepancy, d.ExpectedRemaining ...
  }
*/
package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrProductNotFound = errors.New("product not found")
	ErrRoundNotFound   = errors.New("round not found")
	ErrOrderNotFound   = errors.New("order not found")

	// ErrInvalidRoundState is returned when a round operation is attempted out
	// of sequence, e.g. a return before the handover.
	ErrInvalidRoundState = errors.New("invalid round state")

	// ErrDiscrepancyUnexplained is returned when a return is confirmed with a
	// nonzero discrepancy and no reason.
	ErrDiscrepancyUnexplained = errors.New("discrepancy requires a reason")

	// ErrTransactionFailure is returned when the backing store could not begin
	// or commit a transaction. Nothing from the operation was persisted.
	ErrTransactionFailure = errors.New("transaction failure")

	ErrInvalidAdjustment       = errors.New("invalid adjustment")
	ErrReasonRequired          = errors.New("reason required")
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrInvalidRound            = errors.New("invalid round")
	ErrDuplicateProductCode    = errors.New("duplicate product code")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrOrderAlreadyAssigned    = errors.New("order already assigned to an open round")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidRoundStateError names the round, its state and the refused operation.
type InvalidRoundStateError struct {
	RoundID   RoundID
	State     RoundState
	Operation string
}

func (e *InvalidRoundStateError) Error() string {
	return fmt.Sprintf("cannot %s round %s in state %s", e.Operation, e.RoundID, e.State)
}

func (e *InvalidRoundStateError) Unwrap() error { return ErrInvalidRoundState }

// DiscrepancyError details an unexplained return discrepancy.
type DiscrepancyError struct {
	RoundID           RoundID
	ConfirmedQuantity int
	Delivered         int
	ExpectedRemaining int
	Returned          int
	Discrepancy       int
}

func (e *DiscrepancyError) Error() string {
	return fmt.Sprintf("round %s: expected %d units back, %d returned (discrepancy %d): reason required",
		e.RoundID, e.ExpectedRemaining, e.Returned, e.Discrepancy)
}

func (e *DiscrepancyError) Unwrap() error { return ErrDiscrepancyUnexplained }

// TransactionError wraps a store failure to begin or commit.
// It matches both ErrTransactionFailure and the underlying driver error.
type TransactionError struct {
	Op  string // "begin", "commit"
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error { return []error{ErrTransactionFailure, e.Err} }

// StatusTransitionError names a refused order status change.
type StatusTransitionError struct {
	OrderID OrderID
	From    OrderStatus
	To      OrderStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if repeating the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailure)
}

// IsClientError returns true if the error is due to operator input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDiscrepancyUnexplained) ||
		errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidRound) ||
		errors.Is(err, ErrDuplicateProductCode)
}

// IsConflict returns true if the error reflects a workflow ordering problem.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidRoundState) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrOrderAlreadyAssigned)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrRoundNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}

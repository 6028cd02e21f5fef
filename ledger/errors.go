/*
errors.go - Centralized error types for the stock ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and the event processor wrap these errors with additional context.

ERROR CATEGORIES:
  1. Business preconditions - inactive product, insufficient stock,
     closed count sessions
  2. Lookup failures - missing catalog rows
  3. Persistence failures - unexpected database errors

PROPAGATION:
  Every error returned inside a TxStore.WithTx callback rolls the whole
  transaction back. Partial ledger writes are never observable.

USAGE:
  if errors.Is(err, ledger.ErrProductInactive) {
      // report to caller, nothing was written
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrProductInactive is returned when the effective product is deleted or inactive.
	ErrProductInactive = errors.New("product inactive")

	// ErrLookupFailure is returned when a required catalog row does not exist.
	ErrLookupFailure = errors.New("catalog lookup failed")

	// ErrPersistence wraps unexpected database errors.
	ErrPersistence = errors.New("persistence failure")

	// ErrInsufficientStock is returned when an out movement would leave a negative balance.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrRecipeNotFound is returned when a produced SKU has no stock-deducting recipe items.
	ErrRecipeNotFound = errors.New("recipe not found")

	// ErrCountFinalized is returned when items are posted to a finalized count session.
	ErrCountFinalized = errors.New("count session already finalized")

	// ErrCountDeleted is returned when items are posted to a deleted count session.
	ErrCountDeleted = errors.New("count session deleted")

	// ErrInvalidQuantity is returned for zero or negative event quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ProductInactiveError identifies the inactive product.
type ProductInactiveError struct {
	StoreID   StoreID
	ProductID ProductID
}

func (e *ProductInactiveError) Error() string {
	return fmt.Sprintf("product %d deleted or inactive at store %d", e.ProductID, e.StoreID)
}

func (e *ProductInactiveError) Unwrap() error {
	return ErrProductInactive
}

// LookupError names the catalog row that was missing.
type LookupError struct {
	What string
	Key  string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

func (e *LookupError) Unwrap() error {
	return ErrLookupFailure
}

// NotFound builds a LookupError.
func NotFound(what string, key ...any) error {
	return &LookupError{What: what, Key: fmt.Sprint(key...)}
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	StoreID   StoreID
	ProductID ProductID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d at store %d: available %s, requested %s",
		e.ProductID, e.StoreID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Persistence wraps a database error so callers can classify it.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the submitted event.
func IsClientError(err error) bool {
	return errors.Is(err, ErrProductInactive) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrCountFinalized) ||
		errors.Is(err, ErrCountDeleted) ||
		errors.Is(err, ErrInvalidQuantity)
}

// IsNotFound returns true if the error indicates a missing catalog row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLookupFailure) ||
		errors.Is(err, ErrRecipeNotFound)
}

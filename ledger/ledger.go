// Package ledger holds user transactions, the resource behind the admission-guarded
// /api/transactions endpoints.
package ledger

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/nursefi/nursefi"
)

var (
	// ErrNotFound is returned when a transaction does not exist for the user.
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrMissingUser is returned when an operation has no user id.
	ErrMissingUser = errors.New("ledger: user id is required")
)

// Transaction is a single income or expense entry.
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	AccountID       string          `json:"account_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Category        string          `json:"category"`
	Description     string          `json:"description,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ClientRequestID string          `json:"client_request_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CreateTransactionRequest is the body of POST /api/transactions. Negative amounts are
// expenses.
type CreateTransactionRequest struct {
	AccountID   string          `json:"account_id" validate:"omitempty,max=64"`
	Amount      decimal.Decimal `json:"amount" validate:"nonzero_decimal"`
	Currency    string          `json:"currency" validate:"required,iso4217"`
	Category    string          `json:"category" validate:"required,max=64"`
	Description string          `json:"description" validate:"max=500"`
	OccurredAt  time.Time       `json:"occurred_at" validate:"required"`
}

// Transaction builds the stored form of r for userID.
func (r CreateTransactionRequest) Transaction(userID, clientRequestID string) Transaction {
	return Transaction{
		UserID:          userID,
		AccountID:       r.AccountID,
		Amount:          r.Amount,
		Currency:        strings.ToUpper(r.Currency),
		Category:        r.Category,
		Description:     r.Description,
		OccurredAt:      r.OccurredAt.UTC(),
		ClientRequestID: clientRequestID,
	}
}

// ListFilter narrows List results.
type ListFilter struct {
	// Since excludes transactions that occurred before it when non-zero.
	Since time.Time `query:"since"`

	// Limit caps the result count; 0 means DefaultListLimit.
	Limit int `query:"limit" validate:"omitempty,min=1,max=500"`
}

// DefaultListLimit is the List page size when none is given.
const DefaultListLimit = 100

// Repository stores transactions.
type Repository interface {
	// Create stores tx. When tx.ClientRequestID was already used by the same user the
	// existing transaction is returned with created false.
	Create(ctx context.Context, tx Transaction) (Transaction, bool, error)

	// CreateBatch stores txs in order with Create semantics and returns how many were
	// created and how many were duplicates.
	CreateBatch(ctx context.Context, txs []Transaction) (created, duplicates int, err error)

	// Delete removes a user's transaction.
	Delete(ctx context.Context, userID, id string) error

	// List returns a user's transactions, most recent first.
	List(ctx context.Context, userID string, filter ListFilter) ([]Transaction, error)
}

// RegisterValidators teaches request binding about decimal amounts. Call once at startup.
func RegisterValidators() error {
	nursefi.RegisterCustomType(decimalValue, decimal.Decimal{})
	return nursefi.RegisterValidation("nonzero_decimal", nonZeroDecimal)
}

func decimalValue(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.String()
	}
	return nil
}

func nonZeroDecimal(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && !d.IsZero()
}

package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

// AllocationInput assigns part of the payment amount to one invoice.
type AllocationInput struct {
	InvoiceID snowflake.ID `json:"invoice_id"`
	Amount    int64        `json:"amount"`
}

type RecordPaymentRequest struct {
	AccountID      snowflake.ID
	Amount         int64
	Currency       string
	Allocations    []AllocationInput
	Reference      *string
	Notes          *string
	IdempotencyKey *string
	ReceivedAt     *time.Time
	Metadata       map[string]any
}

// Validate rejects malformed requests before any transaction opens.
func (r RecordPaymentRequest) Validate() error {
	if r.AccountID == 0 {
		return ErrInvalidAccount
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.Currency) == "" {
		return ErrInvalidCurrency
	}
	if len(r.Allocations) == 0 {
		return ErrNoAllocations
	}
	var allocated int64
	for _, alloc := range r.Allocations {
		if alloc.InvoiceID == 0 {
			return ErrInvalidInvoice
		}
		if alloc.Amount <= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
		allocated += alloc.Amount
	}
	if allocated > r.Amount {
		return ErrAllocationMismatch
	}
	return nil
}

type RecordPaymentResult struct {
	Payment  Payment                 `json:"payment"`
	Invoices []invoicedomain.Invoice `json:"invoices"`
	// Deduplicated marks a replay matched by idempotency key; no new state
	// was written.
	Deduplicated bool `json:"deduplicated"`
}

type DeletePaymentResult struct {
	Payment  Payment                 `json:"payment"`
	Invoices []invoicedomain.Invoice `json:"invoices"`
}

type ListPaymentRequest struct {
	pagination.Pagination
	AccountID snowflake.ID
}

type ListPaymentResponse struct {
	pagination.PageInfo
	Payments []Payment `json:"payments"`
}

// Service records and deletes payments. The Tx methods run inside the
// caller's transaction; reads use the service's own connection.
type Service interface {
	RecordTx(ctx context.Context, tx *gorm.DB, req RecordPaymentRequest) (RecordPaymentResult, error)
	DeleteTx(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (DeletePaymentResult, error)

	GetByID(ctx context.Context, id snowflake.ID) (Payment, error)
	ListAllocations(ctx context.Context, paymentID snowflake.ID) ([]ledgerdomain.PaymentAllocation, error)
	List(ctx context.Context, req ListPaymentRequest) (ListPaymentResponse, error)
}

var (
	ErrNotFound           = errors.New("payment_not_found")
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidAmount      = errors.New("invalid_payment_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidInvoice     = errors.New("invalid_invoice")
	ErrNoAllocations      = errors.New("no_allocations")
	ErrAllocationMismatch = errors.New("allocation_mismatch")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
)

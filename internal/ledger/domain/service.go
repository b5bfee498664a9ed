package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"gorm.io/gorm"
)

// SourceType distinguishes cash allocations from credit applications.
type SourceType string

const (
	SourceTypePayment    SourceType = "payment"
	SourceTypeCreditNote SourceType = "credit_note"
)

// Source identifies the parent of a ledger row being written or reversed.
type Source struct {
	Type      SourceType
	ID        snowflake.ID
	AppliedBy string
	AppliedAt time.Time
	Notes     *string
}

// Service is the only writer of allocation/application rows and of the
// derived invoice balance fields. Every method runs inside the transaction
// passed by the caller; the caller owns commit and rollback.
type Service interface {
	// LockInvoices write-locks the given invoices in ascending id order and
	// returns them keyed by id. Duplicate ids are locked once.
	LockInvoices(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]invoicedomain.Invoice, error)

	// ApplyAllocation inserts one ledger row for source against the invoice
	// and rebuilds the invoice balance from all active rows.
	ApplyAllocation(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount int64, source Source) (invoicedomain.Invoice, error)

	// ReverseAllocations deletes every ledger row belonging to source and
	// rebuilds each touched invoice from the rows that remain.
	ReverseAllocations(ctx context.Context, tx *gorm.DB, source Source) ([]invoicedomain.Invoice, error)

	// Recompute rebuilds one invoice balance from its active rows.
	Recompute(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (invoicedomain.Invoice, error)
}

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidSource = errors.New("invalid_source")
)

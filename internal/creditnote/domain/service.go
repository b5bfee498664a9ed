package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

type IssueCreditNoteRequest struct {
	AccountID snowflake.ID
	Amount    int64
	Currency  string
	Reason    *string
	Notes     *string
}

func (r IssueCreditNoteRequest) Validate() error {
	if r.AccountID == 0 {
		return ErrInvalidAccount
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.Currency) == "" {
		return ErrInvalidCurrency
	}
	return nil
}

type ApplyCreditNoteRequest struct {
	CreditNoteID snowflake.ID
	InvoiceID    snowflake.ID
	Amount       int64
	AppliedBy    string
	Notes        *string
}

func (r ApplyCreditNoteRequest) Validate() error {
	if r.CreditNoteID == 0 {
		return ErrNotFound
	}
	if r.InvoiceID == 0 {
		return invoicedomain.ErrNotFound
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

type VoidCreditNoteRequest struct {
	CreditNoteID snowflake.ID
	VoidedBy     string
	Reason       string
}

type ApplyCreditNoteResult struct {
	CreditNote CreditNote            `json:"credit_note"`
	Invoice    invoicedomain.Invoice `json:"invoice"`
}

type VoidCreditNoteResult struct {
	CreditNote CreditNote              `json:"credit_note"`
	Invoices   []invoicedomain.Invoice `json:"invoices"`
}

type ListCreditNoteRequest struct {
	pagination.Pagination
	AccountID snowflake.ID
	Status    CreditNoteStatus
}

type ListCreditNoteResponse struct {
	pagination.PageInfo
	CreditNotes []CreditNote `json:"credit_notes"`
}

// Service issues, applies, and voids credit notes. The Tx methods run inside
// the caller's transaction; reads use the service's own connection.
type Service interface {
	IssueTx(ctx context.Context, tx *gorm.DB, req IssueCreditNoteRequest) (CreditNote, error)
	ApplyTx(ctx context.Context, tx *gorm.DB, req ApplyCreditNoteRequest) (ApplyCreditNoteResult, error)
	VoidTx(ctx context.Context, tx *gorm.DB, req VoidCreditNoteRequest) (VoidCreditNoteResult, error)

	GetByID(ctx context.Context, id snowflake.ID) (CreditNote, error)
	ListApplications(ctx context.Context, creditNoteID snowflake.ID) ([]ledgerdomain.CreditNoteApplication, error)
	List(ctx context.Context, req ListCreditNoteRequest) (ListCreditNoteResponse, error)
}

var (
	ErrNotFound               = errors.New("credit_note_not_found")
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidAmount          = errors.New("invalid_credit_amount")
	ErrInvalidCurrency        = errors.New("invalid_currency")
	ErrVoided                 = errors.New("credit_note_voided")
	ErrAlreadyFullyApplied    = errors.New("credit_note_fully_applied")
	ErrInsufficientCredit     = errors.New("insufficient_credit")
	ErrAlreadyVoid            = errors.New("credit_note_already_void")
	ErrCannotVoidFullyApplied = errors.New("cannot_void_fully_applied")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
)

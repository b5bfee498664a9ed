package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
)

// Service is the single entry point for settlement writes. Each operation
// runs in one database transaction; partial effects never survive a failure.
type Service interface {
	RecordPayment(ctx context.Context, req paymentdomain.RecordPaymentRequest) (paymentdomain.RecordPaymentResult, error)
	DeletePayment(ctx context.Context, paymentID snowflake.ID) (paymentdomain.DeletePaymentResult, error)

	IssueCreditNote(ctx context.Context, req creditnotedomain.IssueCreditNoteRequest) (creditnotedomain.CreditNote, error)
	ApplyCreditNote(ctx context.Context, req creditnotedomain.ApplyCreditNoteRequest) (creditnotedomain.ApplyCreditNoteResult, error)
	VoidCreditNote(ctx context.Context, req creditnotedomain.VoidCreditNoteRequest) (creditnotedomain.VoidCreditNoteResult, error)
}

// ErrResourceContended maps lock wait timeouts; callers should retry.
var ErrResourceContended = errors.New("resource_contended")

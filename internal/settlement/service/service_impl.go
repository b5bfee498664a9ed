package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/actorcontext"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/config"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/settlement/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Cfg           config.Config
	AuditSvc      auditdomain.Service
	PaymentSvc    paymentdomain.Service
	CreditNoteSvc creditnotedomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           config.Config
	auditSvc      auditdomain.Service
	paymentSvc    paymentdomain.Service
	creditNoteSvc creditnotedomain.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("settlement.service"),
		cfg:           p.Cfg,
		auditSvc:      p.AuditSvc,
		paymentSvc:    p.PaymentSvc,
		creditNoteSvc: p.CreditNoteSvc,
		metrics:       p.Metrics,
	}
}

func (s *Service) RecordPayment(ctx context.Context, req paymentdomain.RecordPaymentRequest) (paymentdomain.RecordPaymentResult, error) {
	var result paymentdomain.RecordPaymentResult
	record := func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.paymentSvc.RecordTx(ctx, tx, req)
		return txErr
	}

	err := s.transact(ctx, "record_payment", record)
	if err != nil && req.IdempotencyKey != nil && db.IsDuplicateKeyErr(err) {
		// Lost a race with a concurrent identical request. The retry hits
		// the dedupe read and returns the winner's payment.
		err = s.transact(ctx, "record_payment", record)
	}
	if err != nil {
		return paymentdomain.RecordPaymentResult{}, err
	}

	if !result.Deduplicated {
		s.audit(ctx, "payment.recorded", "payment", result.Payment.ID, map[string]any{
			"account_id": result.Payment.AccountID.String(),
			"amount":     result.Payment.Amount,
			"currency":   result.Payment.Currency,
			"invoices":   invoiceIDs(result.Invoices),
		})
		s.metrics.RecordAllocationRows(ctx, string(ledgerdomain.SourceTypePayment), len(req.Allocations))
	}
	return result, nil
}

func (s *Service) DeletePayment(ctx context.Context, paymentID snowflake.ID) (paymentdomain.DeletePaymentResult, error) {
	var result paymentdomain.DeletePaymentResult
	err := s.transact(ctx, "delete_payment", func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.paymentSvc.DeleteTx(ctx, tx, paymentID)
		return txErr
	})
	if err != nil {
		return paymentdomain.DeletePaymentResult{}, err
	}

	s.audit(ctx, "payment.deleted", "payment", result.Payment.ID, map[string]any{
		"account_id": result.Payment.AccountID.String(),
		"amount":     result.Payment.Amount,
		"invoices":   invoiceIDs(result.Invoices),
	})
	return result, nil
}

func (s *Service) IssueCreditNote(ctx context.Context, req creditnotedomain.IssueCreditNoteRequest) (creditnotedomain.CreditNote, error) {
	var note creditnotedomain.CreditNote
	err := s.transact(ctx, "issue_credit_note", func(tx *gorm.DB) error {
		var txErr error
		note, txErr = s.creditNoteSvc.IssueTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return creditnotedomain.CreditNote{}, err
	}

	s.audit(ctx, "credit_note.issued", "credit_note", note.ID, map[string]any{
		"account_id": note.AccountID.String(),
		"amount":     note.Amount,
		"currency":   note.Currency,
	})
	return note, nil
}

func (s *Service) ApplyCreditNote(ctx context.Context, req creditnotedomain.ApplyCreditNoteRequest) (creditnotedomain.ApplyCreditNoteResult, error) {
	var result creditnotedomain.ApplyCreditNoteResult
	err := s.transact(ctx, "apply_credit_note", func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.creditNoteSvc.ApplyTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return creditnotedomain.ApplyCreditNoteResult{}, err
	}

	s.audit(ctx, "credit_note.applied", "credit_note", result.CreditNote.ID, map[string]any{
		"invoice_id": result.Invoice.ID.String(),
		"amount":     req.Amount,
		"status":     string(result.CreditNote.Status),
	})
	s.metrics.RecordAllocationRows(ctx, string(ledgerdomain.SourceTypeCreditNote), 1)
	return result, nil
}

func (s *Service) VoidCreditNote(ctx context.Context, req creditnotedomain.VoidCreditNoteRequest) (creditnotedomain.VoidCreditNoteResult, error) {
	var result creditnotedomain.VoidCreditNoteResult
	err := s.transact(ctx, "void_credit_note", func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.creditNoteSvc.VoidTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return creditnotedomain.VoidCreditNoteResult{}, err
	}

	s.audit(ctx, "credit_note.voided", "credit_note", result.CreditNote.ID, map[string]any{
		"reason":   req.Reason,
		"invoices": invoiceIDs(result.Invoices),
	})
	return result, nil
}

// transact runs fn in one transaction with a bounded lock wait. Lock
// timeouts surface as ErrResourceContended so clients can retry instead of
// queueing behind a long-held row lock.
func (s *Service) transact(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" && s.cfg.LockTimeoutMS > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeoutMS)).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
	if err != nil {
		if db.IsLockTimeoutErr(err) {
			s.metrics.RecordLockContention(ctx, operation)
			s.log.Warn("settlement lock contention",
				zap.String("operation", operation),
				zap.Error(err),
			)
			return domain.ErrResourceContended
		}
		s.metrics.RecordOperationError(ctx, operation, err.Error())
		return err
	}

	s.metrics.RecordOperation(ctx, operation, time.Since(start))
	return nil
}

// audit records the event after commit. Failures are logged and swallowed;
// the settled state stands regardless.
func (s *Service) audit(ctx context.Context, action, targetType string, targetID snowflake.ID, metadata map[string]any) {
	actorID := actorcontext.ActorIDFromContext(ctx)
	if err := s.auditSvc.Record(ctx, action, targetType, targetID.String(), actorID, metadata); err != nil {
		s.log.Warn("audit record failed after commit",
			zap.String("action", action),
			zap.String("target_id", targetID.String()),
			zap.Error(err),
		)
	}
}

func invoiceIDs(invoices []invoicedomain.Invoice) []string {
	ids := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID.String())
	}
	return ids
}

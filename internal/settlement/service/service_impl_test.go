package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	creditnoteservice "github.com/smallbiznis/settlement/internal/creditnote/service"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	settlementdomain "github.com/smallbiznis/settlement/internal/settlement/domain"
	settlementservice "github.com/smallbiznis/settlement/internal/settlement/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordedAudit struct {
	Action     string
	TargetType string
	TargetID   string
}

type capturingAuditService struct {
	events []recordedAudit
}

func (s *capturingAuditService) Record(ctx context.Context, action string, targetType string, targetID string, actorID string, metadata map[string]any) error {
	s.events = append(s.events, recordedAudit{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
	})
	return nil
}

func (s *capturingAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fixture struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	audit    *capturingAuditService
	facade   settlementdomain.Service
	payments paymentdomain.Service
	credits  creditnotedomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&invoicedomain.Invoice{},
		&paymentdomain.Payment{},
		&ledgerdomain.PaymentAllocation{},
		&creditnotedomain.CreditNote{},
		&ledgerdomain.CreditNoteApplication{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(12)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		Log:   log,
		GenID: node,
		Clock: clk,
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		LedgerSvc: ledgerSvc,
	})
	creditNoteSvc := creditnoteservice.NewService(creditnoteservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		LedgerSvc: ledgerSvc,
	})

	audit := &capturingAuditService{}
	facade := settlementservice.NewService(settlementservice.Params{
		DB:            db,
		Log:           log,
		Cfg:           config.Config{},
		AuditSvc:      audit,
		PaymentSvc:    paymentSvc,
		CreditNoteSvc: creditNoteSvc,
	})

	return &fixture{
		db:       db,
		clk:      clk,
		audit:    audit,
		facade:   facade,
		payments: paymentSvc,
		credits:  creditNoteSvc,
	}
}

func (f *fixture) seedInvoice(t *testing.T, id snowflake.ID, total int64) {
	t.Helper()

	now := f.clk.Now()
	invoice := invoicedomain.Invoice{
		ID:            id,
		Number:        fmt.Sprintf("INV-%s", id.String()),
		AccountID:     1,
		Currency:      "USD",
		Total:         total,
		AmountDue:     total,
		PaymentStatus: invoicedomain.PaymentStatusUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.db.Create(&invoice).Error)
}

func (f *fixture) invoice(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.Where("id = ?", id).First(&invoice).Error)
	return invoice
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()

	var got int64
	require.NoError(t, f.db.Model(model).Count(&got).Error)
	return got
}

func (f *fixture) lastAudit(t *testing.T) recordedAudit {
	t.Helper()

	require.NotEmpty(t, f.audit.events)
	return f.audit.events[len(f.audit.events)-1]
}

func TestRecordPaymentAcrossInvoices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := snowflake.ID(2001)
	second := snowflake.ID(2002)
	f.seedInvoice(t, first, 10_000)
	f.seedInvoice(t, second, 5_000)

	result, err := f.facade.RecordPayment(ctx, paymentdomain.RecordPaymentRequest{
		AccountID: 1,
		Amount:    12_000,
		Currency:  "USD",
		Allocations: []paymentdomain.AllocationInput{
			{InvoiceID: first, Amount: 10_000},
			{InvoiceID: second, Amount: 2_000},
		},
	})
	require.NoError(t, err)
	require.False(t, result.Deduplicated)
	require.Len(t, result.Invoices, 2)

	paidInvoice := f.invoice(t, first)
	require.Equal(t, invoicedomain.PaymentStatusPaid, paidInvoice.PaymentStatus)
	require.Equal(t, int64(0), paidInvoice.AmountDue)
	require.NotNil(t, paidInvoice.PaidAt)

	partialInvoice := f.invoice(t, second)
	require.Equal(t, invoicedomain.PaymentStatusPartiallyPaid, partialInvoice.PaymentStatus)
	require.Equal(t, int64(3_000), partialInvoice.AmountDue)
	require.Nil(t, partialInvoice.PaidAt)

	require.Equal(t, int64(2), f.count(t, &ledgerdomain.PaymentAllocation{}))

	event := f.lastAudit(t)
	require.Equal(t, "payment.recorded", event.Action)
	require.Equal(t, "payment", event.TargetType)
	require.Equal(t, result.Payment.ID.String(), event.TargetID)
}

func TestRecordPaymentOverAllocationRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := snowflake.ID(2003)
	second := snowflake.ID(2004)
	f.seedInvoice(t, first, 10_000)
	f.seedInvoice(t, second, 1_000)

	_, err := f.facade.RecordPayment(ctx, paymentdomain.RecordPaymentRequest{
		AccountID: 1,
		Amount:    5_000,
		Currency:  "USD",
		Allocations: []paymentdomain.AllocationInput{
			{InvoiceID: first, Amount: 3_000},
			{InvoiceID: second, Amount: 2_000}, // exceeds the invoice total
		},
	})
	require.ErrorIs(t, err, invoicedomain.ErrOverAllocation)

	// Nothing survives the rollback: no payment row, no allocation rows, and
	// the first invoice is untouched even though its allocation succeeded
	// inside the transaction.
	require.Equal(t, int64(0), f.count(t, &paymentdomain.Payment{}))
	require.Equal(t, int64(0), f.count(t, &ledgerdomain.PaymentAllocation{}))
	require.Equal(t, int64(0), f.invoice(t, first).AmountPaid)
	require.Empty(t, f.audit.events)
}

func TestRecordPaymentAllocationMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoiceID := snowflake.ID(2005)
	f.seedInvoice(t, invoiceID, 10_000)

	_, err := f.facade.RecordPayment(ctx, paymentdomain.RecordPaymentRequest{
		AccountID: 1,
		Amount:    1_000,
		Currency:  "USD",
		Allocations: []paymentdomain.AllocationInput{
			{InvoiceID: invoiceID, Amount: 1_500},
		},
	})
	require.ErrorIs(t, err, paymentdomain.ErrAllocationMismatch)
	require.Equal(t, int64(0), f.count(t, &paymentdomain.Payment{}))
}

func TestRecordPaymentIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoiceID := snowflake.ID(2006)
	f.seedInvoice(t, invoiceID, 10_000)

	key := "req-7c1b"
	req := paymentdomain.RecordPaymentRequest{
		AccountID:      1,
		Amount:         4_000,
		Currency:       "USD",
		IdempotencyKey: &key,
		Allocations: []paymentdomain.AllocationInput{
			{InvoiceID: invoiceID, Amount: 4_000},
		},
	}

	first, err := f.facade.RecordPayment(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := f.facade.RecordPayment(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.Payment.ID, second.Payment.ID)

	// The replay wrote nothing and was not audited again.
	require.Equal(t, int64(1), f.count(t, &paymentdomain.Payment{}))
	require.Equal(t, int64(1), f.count(t, &ledgerdomain.PaymentAllocation{}))
	require.Equal(t, int64(4_000), f.invoice(t, invoiceID).AmountPaid)
	require.Len(t, f.audit.events, 1)
}

func TestDeletePaymentReversesAllEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := snowflake.ID(2007)
	second := snowflake.ID(2008)
	f.seedInvoice(t, first, 3_000)
	f.seedInvoice(t, second, 9_000)

	recorded, err := f.facade.RecordPayment(ctx, paymentdomain.RecordPaymentRequest{
		AccountID: 1,
		Amount:    8_000,
		Currency:  "USD",
		Allocations: []paymentdomain.AllocationInput{
			{InvoiceID: first, Amount: 3_000},
			{InvoiceID: second, Amount: 5_000},
		},
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.PaymentStatusPaid, f.invoice(t, first).PaymentStatus)

	deleted, err := f.facade.DeletePayment(ctx, recorded.Payment.ID)
	require.NoError(t, err)
	require.Equal(t, recorded.Payment.ID, deleted.Payment.ID)
	require.Len(t, deleted.Invoices, 2)

	require.Equal(t, int64(0), f.count(t, &paymentdomain.Payment{}))
	require.Equal(t, int64(0), f.count(t, &ledgerdomain.PaymentAllocation{}))
	for _, id := range []snowflake.ID{first, second} {
		invoice := f.invoice(t, id)
		require.Equal(t, int64(0), invoice.AmountPaid)
		require.Equal(t, invoice.Total, invoice.AmountDue)
		require.Equal(t, invoicedomain.PaymentStatusUnpaid, invoice.PaymentStatus)
		require.Nil(t, invoice.PaidAt)
	}

	event := f.lastAudit(t)
	require.Equal(t, "payment.deleted", event.Action)

	_, err = f.payments.GetByID(ctx, recorded.Payment.ID)
	require.ErrorIs(t, err, paymentdomain.ErrNotFound)

	_, err = f.facade.DeletePayment(ctx, recorded.Payment.ID)
	require.ErrorIs(t, err, paymentdomain.ErrNotFound)
}

func TestCreditNoteLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoiceID := snowflake.ID(2009)
	f.seedInvoice(t, invoiceID, 10_000)

	note, err := f.facade.IssueCreditNote(ctx, creditnotedomain.IssueCreditNoteRequest{
		AccountID: 1,
		Amount:    6_000,
		Currency:  "USD",
	})
	require.NoError(t, err)
	require.Equal(t, creditnotedomain.CreditNoteStatusIssued, note.Status)
	require.Equal(t, int64(6_000), note.RemainingAmount)
	require.Equal(t, "credit_note.issued", f.lastAudit(t).Action)

	partial, err := f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       2_000,
		AppliedBy:    "ops@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, creditnotedomain.CreditNoteStatusPartiallyApplied, partial.CreditNote.Status)
	require.Equal(t, int64(2_000), partial.CreditNote.AppliedAmount)
	require.Equal(t, int64(4_000), partial.CreditNote.RemainingAmount)
	require.Equal(t, int64(2_000), partial.Invoice.AmountPaid)

	full, err := f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       4_000,
		AppliedBy:    "ops@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, creditnotedomain.CreditNoteStatusFullyApplied, full.CreditNote.Status)
	require.Equal(t, int64(0), full.CreditNote.RemainingAmount)
	require.Equal(t, int64(6_000), full.CreditNote.AppliedAmount)
	require.Equal(t, int64(6_000), full.Invoice.AmountPaid)

	_, err = f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       1,
		AppliedBy:    "ops@example.com",
	})
	require.ErrorIs(t, err, creditnotedomain.ErrAlreadyFullyApplied)

	_, err = f.facade.VoidCreditNote(ctx, creditnotedomain.VoidCreditNoteRequest{
		CreditNoteID: note.ID,
		VoidedBy:     "ops@example.com",
		Reason:       "mistake",
	})
	require.ErrorIs(t, err, creditnotedomain.ErrCannotVoidFullyApplied)
}

func TestApplyCreditNoteInsufficientCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoiceID := snowflake.ID(2010)
	f.seedInvoice(t, invoiceID, 10_000)

	note, err := f.facade.IssueCreditNote(ctx, creditnotedomain.IssueCreditNoteRequest{
		AccountID: 1,
		Amount:    1_000,
		Currency:  "USD",
	})
	require.NoError(t, err)

	_, err = f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       1_500,
		AppliedBy:    "ops@example.com",
	})
	require.ErrorIs(t, err, creditnotedomain.ErrInsufficientCredit)

	// Note and invoice are both untouched by the failed apply.
	stored, err := f.credits.GetByID(ctx, note.ID)
	require.NoError(t, err)
	require.Equal(t, creditnotedomain.CreditNoteStatusIssued, stored.Status)
	require.Equal(t, int64(1_000), stored.RemainingAmount)
	require.Equal(t, int64(0), f.invoice(t, invoiceID).AmountPaid)
	require.Equal(t, int64(0), f.count(t, &ledgerdomain.CreditNoteApplication{}))
}

func TestVoidCreditNoteReversesAndFreezesSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoiceID := snowflake.ID(2011)
	f.seedInvoice(t, invoiceID, 10_000)

	note, err := f.facade.IssueCreditNote(ctx, creditnotedomain.IssueCreditNoteRequest{
		AccountID: 1,
		Amount:    5_000,
		Currency:  "USD",
	})
	require.NoError(t, err)

	_, err = f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       3_000,
		AppliedBy:    "ops@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3_000), f.invoice(t, invoiceID).AmountPaid)

	voided, err := f.facade.VoidCreditNote(ctx, creditnotedomain.VoidCreditNoteRequest{
		CreditNoteID: note.ID,
		VoidedBy:     "ops@example.com",
		Reason:       "issued in error",
	})
	require.NoError(t, err)
	require.Equal(t, creditnotedomain.CreditNoteStatusVoid, voided.CreditNote.Status)
	require.NotNil(t, voided.CreditNote.VoidedAt)

	// applied/remaining stay frozen at their pre-void values.
	require.Equal(t, int64(3_000), voided.CreditNote.AppliedAmount)
	require.Equal(t, int64(2_000), voided.CreditNote.RemainingAmount)

	// The invoice no longer carries the credit.
	invoice := f.invoice(t, invoiceID)
	require.Equal(t, int64(0), invoice.AmountPaid)
	require.Equal(t, invoicedomain.PaymentStatusUnpaid, invoice.PaymentStatus)
	require.Equal(t, int64(0), f.count(t, &ledgerdomain.CreditNoteApplication{}))
	require.Equal(t, "credit_note.voided", f.lastAudit(t).Action)

	// Voided credit cannot be spent or voided again.
	_, err = f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       100,
		AppliedBy:    "ops@example.com",
	})
	require.ErrorIs(t, err, creditnotedomain.ErrVoided)

	_, err = f.facade.VoidCreditNote(ctx, creditnotedomain.VoidCreditNoteRequest{
		CreditNoteID: note.ID,
		VoidedBy:     "ops@example.com",
		Reason:       "again",
	})
	require.ErrorIs(t, err, creditnotedomain.ErrAlreadyVoid)
}

func TestMixedSettlementRecomputesFromRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	invoiceID := snowflake.ID(2012)
	f.seedInvoice(t, invoiceID, 10_000)

	payment, err := f.facade.RecordPayment(ctx, paymentdomain.RecordPaymentRequest{
		AccountID: 1,
		Amount:    4_000,
		Currency:  "USD",
		Allocations: []paymentdomain.AllocationInput{
			{InvoiceID: invoiceID, Amount: 4_000},
		},
	})
	require.NoError(t, err)

	note, err := f.facade.IssueCreditNote(ctx, creditnotedomain.IssueCreditNoteRequest{
		AccountID: 1,
		Amount:    6_000,
		Currency:  "USD",
	})
	require.NoError(t, err)

	_, err = f.facade.ApplyCreditNote(ctx, creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: note.ID,
		InvoiceID:    invoiceID,
		Amount:       6_000,
		AppliedBy:    "ops@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.PaymentStatusPaid, f.invoice(t, invoiceID).PaymentStatus)

	// Deleting the cash payment leaves only the credit contribution; the
	// balance comes out of the remaining rows, not a delta.
	_, err = f.facade.DeletePayment(ctx, payment.Payment.ID)
	require.NoError(t, err)

	invoice := f.invoice(t, invoiceID)
	require.Equal(t, int64(6_000), invoice.AmountPaid)
	require.Equal(t, int64(4_000), invoice.AmountDue)
	require.Equal(t, invoicedomain.PaymentStatusPartiallyPaid, invoice.PaymentStatus)
	require.Nil(t, invoice.PaidAt)
}

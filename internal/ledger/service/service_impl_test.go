package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/settlement/internal/clock"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
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

	return db
}

func newLedgerService(t *testing.T, clk clock.Clock) ledgerdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(11)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	return ledgerservice.NewService(ledgerservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
}

func seedInvoice(t *testing.T, db *gorm.DB, id snowflake.ID, total int64) {
	t.Helper()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	invoice := invoicedomain.Invoice{
		ID:            id,
		Number:        fmt.Sprintf("INV-%s", id.String()),
		AccountID:     1,
		Currency:      "USD",
		Total:         total,
		AmountPaid:    0,
		AmountDue:     total,
		PaymentStatus: invoicedomain.PaymentStatusUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, db.Create(&invoice).Error)
}

func getInvoice(t *testing.T, db *gorm.DB, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()

	var invoice invoicedomain.Invoice
	require.NoError(t, db.Where("id = ?", id).First(&invoice).Error)
	return invoice
}

func assertCount(t *testing.T, db *gorm.DB, model any, want int64) {
	t.Helper()

	var got int64
	require.NoError(t, db.Model(model).Count(&got).Error)
	require.Equal(t, want, got)
}

func TestApplyAllocationRecomputesBalance(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	svc := newLedgerService(t, clk)

	invoiceID := snowflake.ID(1001)
	seedInvoice(t, db, invoiceID, 10_000)
	source := ledgerdomain.Source{Type: ledgerdomain.SourceTypePayment, ID: 9001}

	err := db.Transaction(func(tx *gorm.DB) error {
		invoice, err := svc.ApplyAllocation(ctx, tx, invoiceID, 4_000, source)
		require.NoError(t, err)
		require.Equal(t, int64(4_000), invoice.AmountPaid)
		require.Equal(t, int64(6_000), invoice.AmountDue)
		require.Equal(t, invoicedomain.PaymentStatusPartiallyPaid, invoice.PaymentStatus)
		require.Nil(t, invoice.PaidAt)
		return nil
	})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	err = db.Transaction(func(tx *gorm.DB) error {
		invoice, err := svc.ApplyAllocation(ctx, tx, invoiceID, 6_000, source)
		require.NoError(t, err)
		require.Equal(t, int64(10_000), invoice.AmountPaid)
		require.Equal(t, int64(0), invoice.AmountDue)
		require.Equal(t, invoicedomain.PaymentStatusPaid, invoice.PaymentStatus)
		require.NotNil(t, invoice.PaidAt)
		require.Equal(t, clk.Now(), invoice.PaidAt.UTC())
		return nil
	})
	require.NoError(t, err)

	stored := getInvoice(t, db, invoiceID)
	require.Equal(t, stored.Total, stored.AmountPaid+stored.AmountDue)
	assertCount(t, db, &ledgerdomain.PaymentAllocation{}, 2)
}

func TestApplyAllocationOverAllocationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedgerService(t, clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)))

	invoiceID := snowflake.ID(1002)
	seedInvoice(t, db, invoiceID, 5_000)
	source := ledgerdomain.Source{Type: ledgerdomain.SourceTypePayment, ID: 9002}

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ApplyAllocation(ctx, tx, invoiceID, 5_001, source)
		return err
	})
	require.ErrorIs(t, err, invoicedomain.ErrOverAllocation)

	// The transaction rolled back: no row survived and the balance is intact.
	assertCount(t, db, &ledgerdomain.PaymentAllocation{}, 0)
	stored := getInvoice(t, db, invoiceID)
	require.Equal(t, int64(0), stored.AmountPaid)
	require.Equal(t, int64(5_000), stored.AmountDue)
	require.Equal(t, invoicedomain.PaymentStatusUnpaid, stored.PaymentStatus)
}

func TestApplyAllocationValidation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedgerService(t, clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)))

	invoiceID := snowflake.ID(1003)
	seedInvoice(t, db, invoiceID, 5_000)
	source := ledgerdomain.Source{Type: ledgerdomain.SourceTypePayment, ID: 9003}

	_, err := svc.ApplyAllocation(ctx, db, invoiceID, 0, source)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.ApplyAllocation(ctx, db, invoiceID, -100, source)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.ApplyAllocation(ctx, db, invoiceID, 100, ledgerdomain.Source{Type: ledgerdomain.SourceTypePayment})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSource)

	_, err = svc.ApplyAllocation(ctx, db, snowflake.ID(4040), 100, source)
	require.ErrorIs(t, err, invoicedomain.ErrNotFound)
}

func TestReverseAllocationsRestoresBalances(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	svc := newLedgerService(t, clk)

	first := snowflake.ID(1004)
	second := snowflake.ID(1005)
	seedInvoice(t, db, first, 4_000)
	seedInvoice(t, db, second, 6_000)
	source := ledgerdomain.Source{Type: ledgerdomain.SourceTypePayment, ID: 9004}

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.ApplyAllocation(ctx, tx, first, 4_000, source); err != nil {
			return err
		}
		_, err := svc.ApplyAllocation(ctx, tx, second, 1_500, source)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.PaymentStatusPaid, getInvoice(t, db, first).PaymentStatus)

	err = db.Transaction(func(tx *gorm.DB) error {
		invoices, err := svc.ReverseAllocations(ctx, tx, source)
		require.NoError(t, err)
		require.Len(t, invoices, 2)
		// Recomputed in ascending invoice id order.
		require.Equal(t, first, invoices[0].ID)
		require.Equal(t, second, invoices[1].ID)
		return nil
	})
	require.NoError(t, err)

	assertCount(t, db, &ledgerdomain.PaymentAllocation{}, 0)
	for _, id := range []snowflake.ID{first, second} {
		stored := getInvoice(t, db, id)
		require.Equal(t, int64(0), stored.AmountPaid)
		require.Equal(t, stored.Total, stored.AmountDue)
		require.Equal(t, invoicedomain.PaymentStatusUnpaid, stored.PaymentStatus)
		require.Nil(t, stored.PaidAt)
	}
}

func TestReverseAllocationsWithoutRowsIsNoop(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedgerService(t, clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)))

	invoices, err := svc.ReverseAllocations(ctx, db, ledgerdomain.Source{
		Type: ledgerdomain.SourceTypePayment,
		ID:   9005,
	})
	require.NoError(t, err)
	require.Empty(t, invoices)
}

func TestRecomputeMergesBothRowKinds(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	svc := newLedgerService(t, clk)

	invoiceID := snowflake.ID(1006)
	seedInvoice(t, db, invoiceID, 10_000)

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.ApplyAllocation(ctx, tx, invoiceID, 3_000, ledgerdomain.Source{
			Type: ledgerdomain.SourceTypePayment,
			ID:   9006,
		}); err != nil {
			return err
		}
		invoice, err := svc.ApplyAllocation(ctx, tx, invoiceID, 7_000, ledgerdomain.Source{
			Type:      ledgerdomain.SourceTypeCreditNote,
			ID:        8006,
			AppliedBy: "ops@example.com",
		})
		require.NoError(t, err)
		require.Equal(t, int64(10_000), invoice.AmountPaid)
		require.Equal(t, invoicedomain.PaymentStatusPaid, invoice.PaymentStatus)
		return nil
	})
	require.NoError(t, err)

	assertCount(t, db, &ledgerdomain.PaymentAllocation{}, 1)
	assertCount(t, db, &ledgerdomain.CreditNoteApplication{}, 1)
}

func TestPaidAtClearedWhenLeavingPaid(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	svc := newLedgerService(t, clk)

	invoiceID := snowflake.ID(1007)
	seedInvoice(t, db, invoiceID, 2_000)
	cash := ledgerdomain.Source{Type: ledgerdomain.SourceTypePayment, ID: 9007}
	credit := ledgerdomain.Source{Type: ledgerdomain.SourceTypeCreditNote, ID: 8007}

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.ApplyAllocation(ctx, tx, invoiceID, 1_000, cash); err != nil {
			return err
		}
		_, err := svc.ApplyAllocation(ctx, tx, invoiceID, 1_000, credit)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, getInvoice(t, db, invoiceID).PaidAt)

	// Reversing the credit application drops the invoice back below total;
	// paid_at must not linger on a no-longer-paid invoice.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ReverseAllocations(ctx, tx, credit)
		return err
	})
	require.NoError(t, err)

	stored := getInvoice(t, db, invoiceID)
	require.Equal(t, invoicedomain.PaymentStatusPartiallyPaid, stored.PaymentStatus)
	require.Nil(t, stored.PaidAt)
}

func TestLockInvoicesDedupesAndChecksExistence(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedgerService(t, clock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)))

	first := snowflake.ID(1008)
	second := snowflake.ID(1009)
	seedInvoice(t, db, first, 100)
	seedInvoice(t, db, second, 200)

	locked, err := svc.LockInvoices(ctx, db, []snowflake.ID{second, first, second, first})
	require.NoError(t, err)
	require.Len(t, locked, 2)
	require.Equal(t, int64(100), locked[first].Total)
	require.Equal(t, int64(200), locked[second].Total)

	_, err = svc.LockInvoices(ctx, db, []snowflake.ID{first, snowflake.ID(5050)})
	require.ErrorIs(t, err, invoicedomain.ErrNotFound)
}

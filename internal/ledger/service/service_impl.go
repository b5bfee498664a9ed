package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) LockInvoices(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]invoicedomain.Invoice, error) {
	unique := make([]snowflake.ID, 0, len(ids))
	seen := make(map[snowflake.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	// Ascending id order keeps lock acquisition deterministic across
	// concurrent operations touching overlapping invoice sets.
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	locked := make(map[snowflake.ID]invoicedomain.Invoice, len(unique))
	for _, id := range unique {
		invoice, err := s.lockInvoice(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = invoice
	}
	return locked, nil
}

func (s *Service) ApplyAllocation(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount int64, source ledgerdomain.Source) (invoicedomain.Invoice, error) {
	if amount <= 0 {
		return invoicedomain.Invoice{}, ledgerdomain.ErrInvalidAmount
	}
	if source.ID == 0 {
		return invoicedomain.Invoice{}, ledgerdomain.ErrInvalidSource
	}

	invoice, err := s.lockInvoice(ctx, tx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	if err := s.insertRow(ctx, tx, invoiceID, amount, source); err != nil {
		return invoicedomain.Invoice{}, err
	}

	updated, err := s.recompute(ctx, tx, invoice)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.log.Debug("allocation applied",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("source_type", string(source.Type)),
		zap.String("source_id", source.ID.String()),
		zap.Int64("amount", amount),
	)
	return updated, nil
}

func (s *Service) ReverseAllocations(ctx context.Context, tx *gorm.DB, source ledgerdomain.Source) ([]invoicedomain.Invoice, error) {
	if source.ID == 0 {
		return nil, ledgerdomain.ErrInvalidSource
	}

	table, parentColumn, err := sourceTable(source.Type)
	if err != nil {
		return nil, err
	}

	var invoiceIDs []snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT DISTINCT invoice_id FROM `+table+` WHERE `+parentColumn+` = ?`,
		source.ID,
	).Scan(&invoiceIDs).Error; err != nil {
		return nil, err
	}
	if len(invoiceIDs) == 0 {
		return nil, nil
	}

	locked, err := s.LockInvoices(ctx, tx, invoiceIDs)
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM `+table+` WHERE `+parentColumn+` = ?`,
		source.ID,
	).Error; err != nil {
		return nil, err
	}

	ordered := make([]snowflake.ID, 0, len(locked))
	for id := range locked {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	updated := make([]invoicedomain.Invoice, 0, len(ordered))
	for _, id := range ordered {
		invoice, err := s.recompute(ctx, tx, locked[id])
		if err != nil {
			return nil, err
		}
		updated = append(updated, invoice)
	}

	s.log.Debug("allocations reversed",
		zap.String("source_type", string(source.Type)),
		zap.String("source_id", source.ID.String()),
		zap.Int("invoices", len(updated)),
	)
	return updated, nil
}

func (s *Service) Recompute(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := s.lockInvoice(ctx, tx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return s.recompute(ctx, tx, invoice)
}

type invoiceRow struct {
	ID            snowflake.ID
	Number        string
	AccountID     snowflake.ID
	Currency      string
	Total         int64
	AmountPaid    int64
	AmountDue     int64
	PaymentStatus invoicedomain.PaymentStatus
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Service) lockInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (invoicedomain.Invoice, error) {
	var row invoiceRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, number, account_id, currency, total, amount_paid, amount_due,
		        payment_status, paid_at, created_at, updated_at
		 FROM invoices
		 WHERE id = ?`+db.LockSuffix(tx),
		id,
	).Scan(&row).Error
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if row.ID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrNotFound
	}
	return invoicedomain.Invoice(row), nil
}

// recompute rebuilds the cached balance from the full active row set rather
// than adjusting by delta, so repeated apply/reverse cycles cannot drift.
func (s *Service) recompute(ctx context.Context, tx *gorm.DB, invoice invoicedomain.Invoice) (invoicedomain.Invoice, error) {
	var amounts []int64
	err := tx.WithContext(ctx).Raw(
		`SELECT amount FROM payment_allocations WHERE invoice_id = ?
		 UNION ALL
		 SELECT amount FROM credit_note_applications WHERE invoice_id = ?`,
		invoice.ID,
		invoice.ID,
	).Scan(&amounts).Error
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	balance, err := invoicedomain.ComputeBalance(invoice.Total, amounts)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	paidAt := invoice.PaidAt
	switch {
	case balance.Status == invoicedomain.PaymentStatusPaid && invoice.PaymentStatus != invoicedomain.PaymentStatusPaid:
		now := s.clock.Now()
		paidAt = &now
	case balance.Status != invoicedomain.PaymentStatusPaid:
		paidAt = nil
	}

	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET amount_paid = ?, amount_due = ?, payment_status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ?`,
		balance.AmountPaid,
		balance.AmountDue,
		balance.Status,
		paidAt,
		now,
		invoice.ID,
	).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice.AmountPaid = balance.AmountPaid
	invoice.AmountDue = balance.AmountDue
	invoice.PaymentStatus = balance.Status
	invoice.PaidAt = paidAt
	invoice.UpdatedAt = now
	return invoice, nil
}

func (s *Service) insertRow(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount int64, source ledgerdomain.Source) error {
	now := s.clock.Now()
	switch source.Type {
	case ledgerdomain.SourceTypePayment:
		return tx.WithContext(ctx).Exec(
			`INSERT INTO payment_allocations (id, payment_id, invoice_id, amount, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			source.ID,
			invoiceID,
			amount,
			now,
		).Error
	case ledgerdomain.SourceTypeCreditNote:
		appliedAt := source.AppliedAt
		if appliedAt.IsZero() {
			appliedAt = now
		}
		return tx.WithContext(ctx).Exec(
			`INSERT INTO credit_note_applications (id, credit_note_id, invoice_id, amount, applied_by, applied_at, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			source.ID,
			invoiceID,
			amount,
			source.AppliedBy,
			appliedAt,
			source.Notes,
			now,
		).Error
	default:
		return ledgerdomain.ErrInvalidSource
	}
}

func sourceTable(kind ledgerdomain.SourceType) (table, parentColumn string, err error) {
	switch kind {
	case ledgerdomain.SourceTypePayment:
		return "payment_allocations", "payment_id", nil
	case ledgerdomain.SourceTypeCreditNote:
		return "credit_note_applications", "credit_note_id", nil
	default:
		return "", "", ledgerdomain.ErrInvalidSource
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, req paymentdomain.RecordPaymentRequest) (paymentdomain.RecordPaymentResult, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.RecordPaymentResult{}, err
	}

	if req.IdempotencyKey != nil {
		if prior, ok, err := s.findByIdempotencyKey(ctx, tx, *req.IdempotencyKey); err != nil {
			return paymentdomain.RecordPaymentResult{}, err
		} else if ok {
			invoices, err := s.invoicesForPayment(ctx, tx, prior.ID)
			if err != nil {
				return paymentdomain.RecordPaymentResult{}, err
			}
			return paymentdomain.RecordPaymentResult{
				Payment:      prior,
				Invoices:     invoices,
				Deduplicated: true,
			}, nil
		}
	}

	invoiceIDs := make([]snowflake.ID, 0, len(req.Allocations))
	for _, alloc := range req.Allocations {
		invoiceIDs = append(invoiceIDs, alloc.InvoiceID)
	}
	if _, err := s.ledgerSvc.LockInvoices(ctx, tx, invoiceIDs); err != nil {
		return paymentdomain.RecordPaymentResult{}, err
	}

	now := s.clock.Now()
	receivedAt := now
	if req.ReceivedAt != nil {
		receivedAt = req.ReceivedAt.UTC()
	}

	payment := paymentdomain.Payment{
		ID:             s.genID.Generate(),
		AccountID:      req.AccountID,
		Currency:       strings.TrimSpace(req.Currency),
		Amount:         req.Amount,
		Reference:      req.Reference,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       datatypes.JSONMap(req.Metadata),
		ReceivedAt:     receivedAt,
		CreatedAt:      now,
	}
	payment.Number = fmt.Sprintf("PAY-%s", payment.ID.String())

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO payments (id, number, account_id, currency, amount, reference, notes, idempotency_key, metadata, received_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.Number,
		payment.AccountID,
		payment.Currency,
		payment.Amount,
		payment.Reference,
		payment.Notes,
		payment.IdempotencyKey,
		payment.Metadata,
		payment.ReceivedAt,
		payment.CreatedAt,
	).Error; err != nil {
		// A duplicate idempotency_key here means we lost a race with a
		// concurrent identical request; the caller retries and hits the
		// dedupe read above.
		return paymentdomain.RecordPaymentResult{}, err
	}

	updated := make(map[snowflake.ID]invoicedomain.Invoice, len(req.Allocations))
	source := ledgerdomain.Source{
		Type: ledgerdomain.SourceTypePayment,
		ID:   payment.ID,
	}
	for _, alloc := range req.Allocations {
		invoice, err := s.ledgerSvc.ApplyAllocation(ctx, tx, alloc.InvoiceID, alloc.Amount, source)
		if err != nil {
			return paymentdomain.RecordPaymentResult{}, err
		}
		updated[invoice.ID] = invoice
	}

	s.log.Info("payment recorded",
		zap.String("payment_id", payment.ID.String()),
		zap.String("account_id", payment.AccountID.String()),
		zap.Int64("amount", payment.Amount),
		zap.Int("allocations", len(req.Allocations)),
	)

	return paymentdomain.RecordPaymentResult{
		Payment:  payment,
		Invoices: sortedInvoices(updated),
	}, nil
}

func (s *Service) DeleteTx(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (paymentdomain.DeletePaymentResult, error) {
	payment, err := s.lockPayment(ctx, tx, paymentID)
	if err != nil {
		return paymentdomain.DeletePaymentResult{}, err
	}

	invoices, err := s.ledgerSvc.ReverseAllocations(ctx, tx, ledgerdomain.Source{
		Type: ledgerdomain.SourceTypePayment,
		ID:   payment.ID,
	})
	if err != nil {
		return paymentdomain.DeletePaymentResult{}, err
	}

	if err := tx.WithContext(ctx).Exec(
		`DELETE FROM payments WHERE id = ?`,
		payment.ID,
	).Error; err != nil {
		return paymentdomain.DeletePaymentResult{}, err
	}

	s.log.Info("payment deleted",
		zap.String("payment_id", payment.ID.String()),
		zap.Int("invoices_recomputed", len(invoices)),
	)

	return paymentdomain.DeletePaymentResult{
		Payment:  payment,
		Invoices: invoices,
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paymentdomain.Payment{}, paymentdomain.ErrNotFound
		}
		return paymentdomain.Payment{}, err
	}
	return payment, nil
}

func (s *Service) ListAllocations(ctx context.Context, paymentID snowflake.ID) ([]ledgerdomain.PaymentAllocation, error) {
	var allocations []ledgerdomain.PaymentAllocation
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("id").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (s *Service) List(ctx context.Context, req paymentdomain.ListPaymentRequest) (paymentdomain.ListPaymentResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	stmt := s.db.WithContext(ctx).Model(&paymentdomain.Payment{})
	if req.AccountID != 0 {
		stmt = stmt.Where("account_id = ?", req.AccountID)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return paymentdomain.ListPaymentResponse{}, paymentdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, cursor.CreatedAt)
		if err != nil {
			return paymentdomain.ListPaymentResponse{}, paymentdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(cursor.ID))
		if err != nil || id == 0 {
			return paymentdomain.ListPaymentResponse{}, paymentdomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var items []*paymentdomain.Payment
	if err := stmt.
		Order("created_at desc, id desc").
		Limit(int(pageSize) + 1).
		Find(&items).Error; err != nil {
		return paymentdomain.ListPaymentResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *paymentdomain.Payment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	payments := make([]paymentdomain.Payment, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		payments = append(payments, *item)
	}

	resp := paymentdomain.ListPaymentResponse{Payments: payments}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (paymentdomain.Payment, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return paymentdomain.Payment{}, false, nil
	}

	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paymentdomain.Payment{}, false, nil
		}
		return paymentdomain.Payment{}, false, err
	}
	return payment, true, nil
}

func (s *Service) invoicesForPayment(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT i.* FROM invoices i
		 WHERE i.id IN (SELECT invoice_id FROM payment_allocations WHERE payment_id = ?)
		 ORDER BY i.id`,
		paymentID,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) lockPayment(ctx context.Context, tx *gorm.DB, id snowflake.ID) (paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE id = ?`+db.LockSuffix(tx),
		id,
	).Scan(&payment).Error
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment.ID == 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrNotFound
	}
	return payment, nil
}

func sortedInvoices(byID map[snowflake.ID]invoicedomain.Invoice) []invoicedomain.Invoice {
	out := make([]invoicedomain.Invoice, 0, len(byID))
	for _, invoice := range byID {
		out = append(out, invoice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
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

func NewService(p Params) creditnotedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("creditnote.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) IssueTx(ctx context.Context, tx *gorm.DB, req creditnotedomain.IssueCreditNoteRequest) (creditnotedomain.CreditNote, error) {
	if err := req.Validate(); err != nil {
		return creditnotedomain.CreditNote{}, err
	}

	now := s.clock.Now()
	note := creditnotedomain.CreditNote{
		ID:              s.genID.Generate(),
		AccountID:       req.AccountID,
		Currency:        strings.TrimSpace(req.Currency),
		Amount:          req.Amount,
		AppliedAmount:   0,
		RemainingAmount: req.Amount,
		Status:          creditnotedomain.CreditNoteStatusIssued,
		Reason:          req.Reason,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	note.Number = fmt.Sprintf("CN-%s", note.ID.String())

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_notes (id, number, account_id, currency, amount, applied_amount, remaining_amount, status, reason, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID,
		note.Number,
		note.AccountID,
		note.Currency,
		note.Amount,
		note.AppliedAmount,
		note.RemainingAmount,
		note.Status,
		note.Reason,
		note.Notes,
		note.CreatedAt,
		note.UpdatedAt,
	).Error; err != nil {
		return creditnotedomain.CreditNote{}, err
	}

	s.log.Info("credit note issued",
		zap.String("credit_note_id", note.ID.String()),
		zap.String("account_id", note.AccountID.String()),
		zap.Int64("amount", note.Amount),
	)
	return note, nil
}

func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, req creditnotedomain.ApplyCreditNoteRequest) (creditnotedomain.ApplyCreditNoteResult, error) {
	if err := req.Validate(); err != nil {
		return creditnotedomain.ApplyCreditNoteResult{}, err
	}

	// The credit note row is locked before any invoice row; all writers
	// follow the same order.
	note, err := s.lockCreditNote(ctx, tx, req.CreditNoteID)
	if err != nil {
		return creditnotedomain.ApplyCreditNoteResult{}, err
	}

	switch note.Status {
	case creditnotedomain.CreditNoteStatusVoid:
		return creditnotedomain.ApplyCreditNoteResult{}, creditnotedomain.ErrVoided
	case creditnotedomain.CreditNoteStatusFullyApplied:
		return creditnotedomain.ApplyCreditNoteResult{}, creditnotedomain.ErrAlreadyFullyApplied
	}
	if req.Amount > note.RemainingAmount {
		return creditnotedomain.ApplyCreditNoteResult{}, creditnotedomain.ErrInsufficientCredit
	}

	now := s.clock.Now()
	invoice, err := s.ledgerSvc.ApplyAllocation(ctx, tx, req.InvoiceID, req.Amount, ledgerdomain.Source{
		Type:      ledgerdomain.SourceTypeCreditNote,
		ID:        note.ID,
		AppliedBy: req.AppliedBy,
		AppliedAt: now,
		Notes:     req.Notes,
	})
	if err != nil {
		return creditnotedomain.ApplyCreditNoteResult{}, err
	}

	note.AppliedAmount += req.Amount
	note.RemainingAmount -= req.Amount
	note.Status = creditnotedomain.DeriveStatus(note.AppliedAmount, note.RemainingAmount)
	note.AppliedAt = &now
	note.UpdatedAt = now

	if err := tx.WithContext(ctx).Exec(
		`UPDATE credit_notes
		 SET applied_amount = ?, remaining_amount = ?, status = ?, applied_at = ?, updated_at = ?
		 WHERE id = ?`,
		note.AppliedAmount,
		note.RemainingAmount,
		note.Status,
		note.AppliedAt,
		note.UpdatedAt,
		note.ID,
	).Error; err != nil {
		return creditnotedomain.ApplyCreditNoteResult{}, err
	}

	s.log.Info("credit note applied",
		zap.String("credit_note_id", note.ID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("status", string(note.Status)),
	)

	return creditnotedomain.ApplyCreditNoteResult{
		CreditNote: note,
		Invoice:    invoice,
	}, nil
}

func (s *Service) VoidTx(ctx context.Context, tx *gorm.DB, req creditnotedomain.VoidCreditNoteRequest) (creditnotedomain.VoidCreditNoteResult, error) {
	note, err := s.lockCreditNote(ctx, tx, req.CreditNoteID)
	if err != nil {
		return creditnotedomain.VoidCreditNoteResult{}, err
	}

	switch note.Status {
	case creditnotedomain.CreditNoteStatusVoid:
		return creditnotedomain.VoidCreditNoteResult{}, creditnotedomain.ErrAlreadyVoid
	case creditnotedomain.CreditNoteStatusFullyApplied:
		// A fully consumed note cannot be voided; its effects must be
		// unwound through the invoices it settled.
		return creditnotedomain.VoidCreditNoteResult{}, creditnotedomain.ErrCannotVoidFullyApplied
	}

	invoices, err := s.ledgerSvc.ReverseAllocations(ctx, tx, ledgerdomain.Source{
		Type: ledgerdomain.SourceTypeCreditNote,
		ID:   note.ID,
	})
	if err != nil {
		return creditnotedomain.VoidCreditNoteResult{}, err
	}

	now := s.clock.Now()
	voidedBy := strings.TrimSpace(req.VoidedBy)
	var voidReason *string
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		voidReason = &reason
	}

	// applied_amount and remaining_amount are left untouched: a voided
	// note keeps its consumption history as a frozen snapshot.
	if err := tx.WithContext(ctx).Exec(
		`UPDATE credit_notes
		 SET status = ?, voided_at = ?, voided_by = ?, void_reason = ?, updated_at = ?
		 WHERE id = ?`,
		creditnotedomain.CreditNoteStatusVoid,
		now,
		voidedBy,
		voidReason,
		now,
		note.ID,
	).Error; err != nil {
		return creditnotedomain.VoidCreditNoteResult{}, err
	}

	note.Status = creditnotedomain.CreditNoteStatusVoid
	note.VoidedAt = &now
	note.VoidedBy = &voidedBy
	note.VoidReason = voidReason
	note.UpdatedAt = now

	s.log.Info("credit note voided",
		zap.String("credit_note_id", note.ID.String()),
		zap.Int("invoices_recomputed", len(invoices)),
	)

	return creditnotedomain.VoidCreditNoteResult{
		CreditNote: note,
		Invoices:   invoices,
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (creditnotedomain.CreditNote, error) {
	var note creditnotedomain.CreditNote
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return creditnotedomain.CreditNote{}, creditnotedomain.ErrNotFound
		}
		return creditnotedomain.CreditNote{}, err
	}
	return note, nil
}

func (s *Service) ListApplications(ctx context.Context, creditNoteID snowflake.ID) ([]ledgerdomain.CreditNoteApplication, error) {
	var applications []ledgerdomain.CreditNoteApplication
	err := s.db.WithContext(ctx).
		Where("credit_note_id = ?", creditNoteID).
		Order("id").
		Find(&applications).Error
	if err != nil {
		return nil, err
	}
	return applications, nil
}

func (s *Service) List(ctx context.Context, req creditnotedomain.ListCreditNoteRequest) (creditnotedomain.ListCreditNoteResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	stmt := s.db.WithContext(ctx).Model(&creditnotedomain.CreditNote{})
	if req.AccountID != 0 {
		stmt = stmt.Where("account_id = ?", req.AccountID)
	}
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return creditnotedomain.ListCreditNoteResponse{}, creditnotedomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, cursor.CreatedAt)
		if err != nil {
			return creditnotedomain.ListCreditNoteResponse{}, creditnotedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(cursor.ID))
		if err != nil || id == 0 {
			return creditnotedomain.ListCreditNoteResponse{}, creditnotedomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var items []*creditnotedomain.CreditNote
	if err := stmt.
		Order("created_at desc, id desc").
		Limit(int(pageSize) + 1).
		Find(&items).Error; err != nil {
		return creditnotedomain.ListCreditNoteResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *creditnotedomain.CreditNote) string {
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

	notes := make([]creditnotedomain.CreditNote, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		notes = append(notes, *item)
	}

	resp := creditnotedomain.ListCreditNoteResponse{CreditNotes: notes}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

type creditNoteRow struct {
	ID              snowflake.ID
	Number          string
	AccountID       snowflake.ID
	Currency        string
	Amount          int64
	AppliedAmount   int64
	RemainingAmount int64
	Status          creditnotedomain.CreditNoteStatus
	Reason          *string
	Notes           *string
	AppliedAt       *time.Time
	VoidedAt        *time.Time
	VoidedBy        *string
	VoidReason      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Service) lockCreditNote(ctx context.Context, tx *gorm.DB, id snowflake.ID) (creditnotedomain.CreditNote, error) {
	var row creditNoteRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, number, account_id, currency, amount, applied_amount, remaining_amount,
		        status, reason, notes, applied_at, voided_at, voided_by, void_reason,
		        created_at, updated_at
		 FROM credit_notes
		 WHERE id = ?`+db.LockSuffix(tx),
		id,
	).Scan(&row).Error
	if err != nil {
		return creditnotedomain.CreditNote{}, err
	}
	if row.ID == 0 {
		return creditnotedomain.CreditNote{}, creditnotedomain.ErrNotFound
	}
	return creditnotedomain.CreditNote(row), nil
}

// Package domain contains the credit note model and its state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditNoteStatus follows ISSUED -> PARTIALLY_APPLIED -> FULLY_APPLIED,
// monotonic while applying. VOID is terminal and reachable only before the
// note is fully consumed.
type CreditNoteStatus string

const (
	CreditNoteStatusIssued           CreditNoteStatus = "ISSUED"
	CreditNoteStatusPartiallyApplied CreditNoteStatus = "PARTIALLY_APPLIED"
	CreditNoteStatusFullyApplied     CreditNoteStatus = "FULLY_APPLIED"
	CreditNoteStatusVoid             CreditNoteStatus = "VOID"
)

// CreditNote is credit issued to an account, consumable against invoices.
// While not VOID, AppliedAmount + RemainingAmount == Amount. Voiding freezes
// the applied/remaining figures as an audit snapshot.
type CreditNote struct {
	ID              snowflake.ID     `json:"id" gorm:"primaryKey"`
	Number          string           `json:"number" gorm:"type:text;not null;uniqueIndex:ux_credit_notes_number"`
	AccountID       snowflake.ID     `json:"account_id" gorm:"not null;index"`
	Currency        string           `json:"currency" gorm:"type:text;not null"`
	Amount          int64            `json:"amount" gorm:"not null"`
	AppliedAmount   int64            `json:"applied_amount" gorm:"not null;default:0"`
	RemainingAmount int64            `json:"remaining_amount" gorm:"not null;default:0"`
	Status          CreditNoteStatus `json:"status" gorm:"type:text;not null;default:'ISSUED'"`
	Reason          *string          `json:"reason" gorm:"type:text"`
	Notes           *string          `json:"notes" gorm:"type:text"`
	AppliedAt       *time.Time       `json:"applied_at"`
	VoidedAt        *time.Time       `json:"voided_at"`
	VoidedBy        *string          `json:"voided_by" gorm:"type:text"`
	VoidReason      *string          `json:"void_reason" gorm:"type:text"`
	CreatedAt       time.Time        `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time        `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditNote) TableName() string { return "credit_notes" }

// DeriveStatus computes the non-void status from the credit arithmetic.
func DeriveStatus(applied, remaining int64) CreditNoteStatus {
	switch {
	case remaining <= 0:
		return CreditNoteStatusFullyApplied
	case applied > 0:
		return CreditNoteStatusPartiallyApplied
	default:
		return CreditNoteStatusIssued
	}
}

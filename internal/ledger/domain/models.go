// Package domain contains the settlement ledger rows. These rows are the
// source of truth for invoice balances; the invoice balance fields are a
// projection rebuilt from them on every mutation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PaymentAllocation assigns a portion of a payment to one invoice. Rows are
// created and deleted with their parent payment, never edited.
type PaymentAllocation struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID snowflake.ID `json:"payment_id" gorm:"not null;index"`
	InvoiceID snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	Amount    int64        `json:"amount" gorm:"not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAllocation) TableName() string { return "payment_allocations" }

// CreditNoteApplication assigns a portion of a credit note to one invoice.
// Deleted only when the parent credit note is voided.
type CreditNoteApplication struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	CreditNoteID snowflake.ID `json:"credit_note_id" gorm:"not null;index"`
	InvoiceID    snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	Amount       int64        `json:"amount" gorm:"not null"`
	AppliedBy    string       `json:"applied_by" gorm:"type:text;not null"`
	AppliedAt    time.Time    `json:"applied_at" gorm:"not null"`
	Notes        *string      `json:"notes" gorm:"type:text"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditNoteApplication) TableName() string { return "credit_note_applications" }

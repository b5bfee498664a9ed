// Package domain contains persistence models for invoices under settlement.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PaymentStatus represents how much of an invoice has been settled.
type PaymentStatus string

const (
	PaymentStatusUnpaid        PaymentStatus = "UNPAID"
	PaymentStatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	PaymentStatusPaid          PaymentStatus = "PAID"
)

// Invoice is the settlement view of an invoice. Invoices are created by the
// invoicing workflow upstream; this service only mutates the derived balance
// fields. AmountPaid and AmountDue are a cached projection of the active
// allocation and application rows.
type Invoice struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	Number        string        `json:"number" gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	AccountID     snowflake.ID  `json:"account_id" gorm:"not null;index"`
	Currency      string        `json:"currency" gorm:"type:text;not null"`
	Total         int64         `json:"total" gorm:"not null"`
	AmountPaid    int64         `json:"amount_paid" gorm:"not null;default:0"`
	AmountDue     int64         `json:"amount_due" gorm:"not null;default:0"`
	PaymentStatus PaymentStatus `json:"payment_status" gorm:"type:text;not null;default:'UNPAID'"`
	PaidAt        *time.Time    `json:"paid_at"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

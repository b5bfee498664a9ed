package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Payment represents money received from an account, split across invoices
// by its allocation rows. The allocation sum may be below Amount; the
// unallocated remainder is tracked implicitly.
type Payment struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	Number         string            `json:"number" gorm:"type:text;not null;uniqueIndex:ux_payments_number"`
	AccountID      snowflake.ID      `json:"account_id" gorm:"not null;index"`
	Currency       string            `json:"currency" gorm:"type:text;not null"`
	Amount         int64             `json:"amount" gorm:"not null"`
	Reference      *string           `json:"reference" gorm:"type:text"`
	Notes          *string           `json:"notes" gorm:"type:text"`
	IdempotencyKey *string           `json:"idempotency_key" gorm:"type:text;uniqueIndex:ux_payments_idempotency_key"`
	Metadata       datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	ReceivedAt     time.Time         `json:"received_at" gorm:"not null"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
)

type ListInvoiceRequest struct {
	pagination.Pagination
	AccountID     snowflake.ID
	PaymentStatus PaymentStatus
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Invoice, error)
	GetByNumber(ctx context.Context, number string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
}

var (
	ErrNotFound         = errors.New("invoice_not_found")
	ErrOverAllocation   = errors.New("over_allocation")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
)

type allocationInput struct {
	InvoiceID string `json:"invoice_id"`
	Amount    int64  `json:"amount"`
}

type recordPaymentRequest struct {
	AccountID      string            `json:"account_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Allocations    []allocationInput `json:"allocations"`
	Reference      *string           `json:"reference"`
	Notes          *string           `json:"notes"`
	IdempotencyKey *string           `json:"idempotency_key"`
	ReceivedAt     *time.Time        `json:"received_at"`
	Metadata       map[string]any    `json:"metadata"`
}

func (s *Server) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := snowflake.ParseString(strings.TrimSpace(req.AccountID))
	if err != nil || accountID == 0 {
		AbortWithError(c, newValidationError("account_id", "invalid_account", "invalid account_id"))
		return
	}

	allocations := make([]paymentdomain.AllocationInput, 0, len(req.Allocations))
	for _, alloc := range req.Allocations {
		invoiceID, err := snowflake.ParseString(strings.TrimSpace(alloc.InvoiceID))
		if err != nil || invoiceID == 0 {
			AbortWithError(c, newValidationError("allocations.invoice_id", "invalid_invoice", "invalid invoice_id"))
			return
		}
		allocations = append(allocations, paymentdomain.AllocationInput{
			InvoiceID: invoiceID,
			Amount:    alloc.Amount,
		})
	}

	result, err := s.settlementSvc.RecordPayment(c.Request.Context(), paymentdomain.RecordPaymentRequest{
		AccountID:      accountID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Allocations:    allocations,
		Reference:      req.Reference,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		ReceivedAt:     req.ReceivedAt,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (s *Server) DeletePayment(c *gin.Context) {
	paymentID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.settlementSvc.DeletePayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	paymentID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.paymentSvc.GetByID(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) ListPaymentAllocations(c *gin.Context) {
	paymentID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	allocations, err := s.paymentSvc.ListAllocations(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": allocations})
}

type listPaymentsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
	AccountID string `form:"account_id"`
}

func (s *Server) ListPayments(c *gin.Context) {
	var query listPaymentsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var accountID snowflake.ID
	if value := strings.TrimSpace(query.AccountID); value != "" {
		parsed, err := snowflake.ParseString(value)
		if err != nil {
			AbortWithError(c, newValidationError("account_id", "invalid_account", "invalid account_id"))
			return
		}
		accountID = parsed
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), paymentdomain.ListPaymentRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		AccountID: accountID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "page_info": resp.PageInfo})
}

package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
)

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoiceID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.invoiceSvc.GetByID(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

type listInvoicesQuery struct {
	PageToken     string `form:"page_token"`
	PageSize      int32  `form:"page_size"`
	AccountID     string `form:"account_id"`
	PaymentStatus string `form:"payment_status"`
	Number        string `form:"number"`
}

func (s *Server) ListInvoices(c *gin.Context) {
	var query listInvoicesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if number := strings.TrimSpace(query.Number); number != "" {
		record, err := s.invoiceSvc.GetByNumber(c.Request.Context(), number)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": []invoicedomain.Invoice{record}})
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

	resp, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListInvoiceRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		AccountID:     accountID,
		PaymentStatus: invoicedomain.PaymentStatus(strings.ToUpper(strings.TrimSpace(query.PaymentStatus))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "page_info": resp.PageInfo})
}

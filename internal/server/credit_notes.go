package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/settlement/internal/actorcontext"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
)

type issueCreditNoteRequest struct {
	AccountID string  `json:"account_id"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	Reason    *string `json:"reason"`
	Notes     *string `json:"notes"`
}

func (s *Server) IssueCreditNote(c *gin.Context) {
	var req issueCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := snowflake.ParseString(strings.TrimSpace(req.AccountID))
	if err != nil || accountID == 0 {
		AbortWithError(c, newValidationError("account_id", "invalid_account", "invalid account_id"))
		return
	}

	note, err := s.settlementSvc.IssueCreditNote(c.Request.Context(), creditnotedomain.IssueCreditNoteRequest{
		AccountID: accountID,
		Amount:    req.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(req.Currency)),
		Reason:    req.Reason,
		Notes:     req.Notes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, note)
}

type applyCreditNoteRequest struct {
	InvoiceID string  `json:"invoice_id"`
	Amount    int64   `json:"amount"`
	Notes     *string `json:"notes"`
}

func (s *Server) ApplyCreditNote(c *gin.Context) {
	creditNoteID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req applyCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil || invoiceID == 0 {
		AbortWithError(c, newValidationError("invoice_id", "invalid_invoice", "invalid invoice_id"))
		return
	}

	result, err := s.settlementSvc.ApplyCreditNote(c.Request.Context(), creditnotedomain.ApplyCreditNoteRequest{
		CreditNoteID: creditNoteID,
		InvoiceID:    invoiceID,
		Amount:       req.Amount,
		AppliedBy:    actorcontext.ActorIDFromContext(c.Request.Context()),
		Notes:        req.Notes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type voidCreditNoteRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) VoidCreditNote(c *gin.Context) {
	creditNoteID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req voidCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.settlementSvc.VoidCreditNote(c.Request.Context(), creditnotedomain.VoidCreditNoteRequest{
		CreditNoteID: creditNoteID,
		VoidedBy:     actorcontext.ActorIDFromContext(c.Request.Context()),
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetCreditNoteByID(c *gin.Context) {
	creditNoteID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	note, err := s.creditNoteSvc.GetByID(c.Request.Context(), creditNoteID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, note)
}

func (s *Server) ListCreditNoteApplications(c *gin.Context) {
	creditNoteID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	applications, err := s.creditNoteSvc.ListApplications(c.Request.Context(), creditNoteID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": applications})
}

type listCreditNotesQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
	AccountID string `form:"account_id"`
	Status    string `form:"status"`
}

func (s *Server) ListCreditNotes(c *gin.Context) {
	var query listCreditNotesQuery
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

	resp, err := s.creditNoteSvc.List(c.Request.Context(), creditnotedomain.ListCreditNoteRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		AccountID: accountID,
		Status:    creditnotedomain.CreditNoteStatus(strings.ToUpper(strings.TrimSpace(query.Status))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.CreditNotes, "page_info": resp.PageInfo})
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/settlement/internal/audit"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/creditnote"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	"github.com/smallbiznis/settlement/internal/invoice"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/ledger"
	"github.com/smallbiznis/settlement/internal/observability"
	obsmiddleware "github.com/smallbiznis/settlement/internal/observability/logger"
	obstracing "github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/payment"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/settlement"
	settlementdomain "github.com/smallbiznis/settlement/internal/settlement/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	invoice.Module,
	ledger.Module,
	payment.Module,
	creditnote.Module,
	settlement.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ActorContext())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	return NewEngine(cfg, obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	settlementSvc settlementdomain.Service
	paymentSvc    paymentdomain.Service
	creditNoteSvc creditnotedomain.Service
	invoiceSvc    invoicedomain.Service
	auditSvc      auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	SettlementSvc settlementdomain.Service
	PaymentSvc    paymentdomain.Service
	CreditNoteSvc creditnotedomain.Service
	InvoiceSvc    invoicedomain.Service
	AuditSvc      auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		settlementSvc: p.SettlementSvc,
		paymentSvc:    p.PaymentSvc,
		creditNoteSvc: p.CreditNoteSvc,
		invoiceSvc:    p.InvoiceSvc,
		auditSvc:      p.AuditSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payments --------
	api.POST("/payments", s.RecordPayment)
	api.GET("/payments", s.ListPayments)
	api.GET("/payments/:id", s.GetPaymentByID)
	api.GET("/payments/:id/allocations", s.ListPaymentAllocations)
	api.DELETE("/payments/:id", s.DeletePayment)

	// -------- Credit notes --------
	api.POST("/credit_notes", s.IssueCreditNote)
	api.GET("/credit_notes", s.ListCreditNotes)
	api.GET("/credit_notes/:id", s.GetCreditNoteByID)
	api.GET("/credit_notes/:id/applications", s.ListCreditNoteApplications)
	api.POST("/credit_notes/:id/apply", s.ApplyCreditNote)
	api.POST("/credit_notes/:id/void", s.VoidCreditNote)

	// -------- Invoices --------
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)

	// -------- Audit --------
	api.GET("/audit_logs", s.ListAuditLogs)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(value)
	if err != nil || id == 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

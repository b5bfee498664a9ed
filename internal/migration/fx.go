package migration

import (
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/config"
	creditnotedomain "github.com/smallbiznis/settlement/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The migrate driver targets postgres; other dialects are for
			// local development and use AutoMigrate instead.
			return conn.AutoMigrate(
				&invoicedomain.Invoice{},
				&paymentdomain.Payment{},
				&ledgerdomain.PaymentAllocation{},
				&creditnotedomain.CreditNote{},
				&ledgerdomain.CreditNoteApplication{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

package audit

import (
	"github.com/smallbiznis/settlement/internal/audit/repository"
	"github.com/smallbiznis/settlement/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)

package settlement

import (
	"github.com/smallbiznis/settlement/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(service.NewService),
)

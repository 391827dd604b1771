package points

import (
	"github.com/fanhive/fanhive/internal/points/service"
	"go.uber.org/fx"
)

var Module = fx.Module("points",
	fx.Provide(service.NewService),
)

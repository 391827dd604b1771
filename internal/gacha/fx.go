package gacha

import (
	"github.com/fanhive/fanhive/internal/gacha/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gacha",
	fx.Provide(service.NewService),
)

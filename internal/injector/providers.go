package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/hotswap/internal/config"
	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/internal/runtime"
)

var ProviderSet = wire.NewSet(ProvideLogger, ProvideRuntime)

// ProvideLogger builds the process logger from the log section of cfg.
func ProvideLogger(cfg config.Config) log.Log {
	var opts []log.Option
	if cfg.Log.Development {
		opts = append(opts, log.WithDevelopment())
	}
	return log.New(cfg.Level(), opts...)
}

func ProvideRuntime(cfg config.Config, logger log.Log) (*runtime.Runtime, error) {
	return runtime.New(cfg, runtime.WithLogger(logger))
}

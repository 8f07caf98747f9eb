//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/hotswap/internal/config"
	"github.com/zeusync/hotswap/internal/runtime"
)

func InitializeRuntime(cfg config.Config) (*runtime.Runtime, error) {
	wire.Build(ProviderSet)
	return nil, nil
}

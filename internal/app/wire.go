//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"gptbot/internal/config"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config, opts builderOptions) (*App, error) {
	wire.Build(provideAppBuilder, provideAppFromBuilder)
	return nil, nil
}

package gen

import (
	"fmt"

	"github.com/renderforge/renderforge/internal/config"
	"github.com/renderforge/renderforge/internal/gen/mock"
	"github.com/renderforge/renderforge/internal/gen/openai"
	"github.com/renderforge/renderforge/pkg/models"
)

// NewGenerator constructs the configured code generation provider.
// Called once at server startup.
func NewGenerator(cfg config.GenConfig) (models.Generator, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.Timeout), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q: must be one of openai, mock", cfg.Provider)
	}
}

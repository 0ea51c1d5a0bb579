// Package mock provides a deterministic Generator for tests and local
// development without a model provider.
package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/renderforge/renderforge/pkg/models"
)

// Provider satisfies models.Generator with canned scenes.
type Provider struct {
	Name_          string
	GenerateFunc   func(ctx context.Context, prompt string) (string, error)
	RegenerateFunc func(ctx context.Context, prompt, priorCode, errText string) (string, error)
}

func (p *Provider) Name() string {
	if p.Name_ == "" {
		return "mock"
	}
	return p.Name_
}

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	if p.GenerateFunc != nil {
		return p.GenerateFunc(ctx, prompt)
	}
	return cannedScene(prompt), nil
}

func (p *Provider) Regenerate(ctx context.Context, prompt, priorCode, errText string) (string, error) {
	if p.RegenerateFunc != nil {
		return p.RegenerateFunc(ctx, prompt, priorCode, errText)
	}
	return cannedScene(prompt), nil
}

// NewProvider returns a Provider emitting a minimal valid scene.
func NewProvider() *Provider {
	return &Provider{Name_: "mock"}
}

// NewFailingProvider returns a Provider that always returns the given error.
func NewFailingProvider(err error) *Provider {
	return &Provider{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ string) (string, error) {
			return "", err
		},
		RegenerateFunc: func(_ context.Context, _, _, _ string) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a Provider that blocks until context is cancelled.
func NewTimeoutProvider() *Provider {
	return &Provider{
		Name_: "mock-timeout",
		GenerateFunc: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", models.ErrGenTimeout
		},
		RegenerateFunc: func(ctx context.Context, _, _, _ string) (string, error) {
			<-ctx.Done()
			return "", models.ErrGenTimeout
		},
	}
}

func cannedScene(prompt string) string {
	title := strings.ReplaceAll(prompt, `"`, `'`)
	return fmt.Sprintf(`from manim import *


class GeneratedScene(Scene):
    def construct(self):
        title = Text("%s"[:40])
        self.play(Write(title))
        self.wait(1)
`, title)
}

// Compile-time check that Provider implements Generator.
var _ models.Generator = (*Provider)(nil)

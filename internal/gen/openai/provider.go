// Package openai implements code generation against an OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/renderforge/renderforge/internal/config"
	"github.com/renderforge/renderforge/pkg/models"
)

const systemPrompt = `You write animation scenes for the Manim Community library.
Reply with a single complete Python file and nothing else: no prose, no markdown fences.
The file must import from manim and define exactly one class extending Scene.
Do not use the network, subprocess, eval or exec.`

// Provider implements models.Generator using an OpenAI-compatible API.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.complete(ctx, fmt.Sprintf("Write a Manim scene for: %s", prompt))
}

func (p *Provider) Regenerate(ctx context.Context, prompt, priorCode, errText string) (string, error) {
	user := fmt.Sprintf(
		"The scene below for the prompt %q failed to render.\n\nCode:\n%s\n\nError:\n%s\n\nReturn a corrected complete file.",
		prompt, priorCode, errText)
	return p.complete(ctx, user)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) complete(ctx context.Context, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", models.ErrGenUnavailable, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrGenInvalidResponse, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", models.ErrGenInvalidResponse
	}

	code := stripFences(chatResp.Choices[0].Message.Content)
	if strings.TrimSpace(code) == "" {
		return "", models.ErrGenInvalidResponse
	}
	return code, nil
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite the instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```python")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrGenTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrGenTimeout
	}
	return fmt.Errorf("%w: %v", models.ErrGenUnavailable, err)
}

var _ models.Generator = (*Provider)(nil)

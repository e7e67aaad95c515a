// Package ollama implements llm.Generator against a local Ollama runtime.
package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"

	"github.com/hazyhaar/recherche/llm"
)

// Config selects the Ollama endpoint and model.
type Config struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "llama3.1"
	}
}

// Client generates text through a local Ollama server.
type Client struct {
	model llms.Model
	cfg   Config
}

// New connects a client to the configured Ollama endpoint.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	model, err := lcollama.New(
		lcollama.WithServerURL(cfg.BaseURL),
		lcollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("connect ollama at %s: %w", cfg.BaseURL, err)
	}
	return &Client{model: model, cfg: cfg}, nil
}

// Generate implements llm.Generator.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	var msgs []llms.MessageContent
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var opts []llms.CallOption
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", fmt.Errorf("ollama generate (%s): %w", c.cfg.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ollama generate (%s): empty response", c.cfg.Model)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

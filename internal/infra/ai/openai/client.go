package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

const defaultTimeout = 10 * time.Second

// Checker verifies LLM credentials against an OpenAI-compatible API before a
// worker is spawned. Models of other providers are only checked when an
// apiBase points at an OpenAI-compatible gateway.
type Checker struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewChecker(timeout time.Duration) *Checker {
	return &Checker{Timeout: timeout}
}

// Check looks the model up with the supplied key. 401/403/404 map to
// ErrLLMRejected and 429 to ErrLLMQuota; other failures are returned as is.
func (c *Checker) Check(ctx context.Context, cfg domain.LLMConfig) error {
	provider, model, ok := strings.Cut(cfg.Model, "/")
	if !ok {
		provider, model = "openai", cfg.Model
	}
	if provider != "openai" && cfg.APIBase == "" {
		return nil
	}

	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		occ.BaseURL = strings.TrimSuffix(cfg.APIBase, "/")
	}
	if c.HTTPClient != nil {
		occ.HTTPClient = c.HTTPClient
	}
	cli := openai.NewClientWithConfig(occ)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := cli.GetModel(ctx, model); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: provider answered %d", domain.ErrLLMRejected, code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: provider answered %d", domain.ErrLLMQuota, code)
	}
	return fmt.Errorf("llm preflight: %w", err)
}

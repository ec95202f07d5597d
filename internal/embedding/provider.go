// Package embedding owns everything downstream of a memory write: the
// gateway provider client, the durable job queue worker, the checkpointed
// backfill, model selection, and the observability snapshot.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the provider breaker rejects calls.
var ErrCircuitOpen = errors.New("embedding provider circuit breaker is open")

// ProviderError carries the classification the queue needs to decide between
// retry and dead-letter.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding provider: %s (status %d)", e.Message, e.StatusCode)
	}
	return "embedding provider: " + e.Message
}

// IsRetryable reports whether the worker should schedule another attempt:
// network failures, 429s, 5xx responses, malformed payloads, and an open
// circuit all qualify.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ErrorCode extracts the metric error code for a provider failure.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "CIRCUIT_OPEN"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "PROVIDER_ERROR"
}

// EmbedResult is one successful provider response.
type EmbedResult struct {
	Vector []float32
	Model  string
}

// ModelInfo is one catalog entry from the gateway.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// Provider generates embedding vectors.
type Provider interface {
	Embed(ctx context.Context, model, input string) (*EmbedResult, error)
}

// GatewayConfig configures the AI gateway client.
type GatewayConfig struct {
	APIKey  string
	BaseURL string        // default: https://ai-gateway.vercel.sh/v1
	Timeout time.Duration // default: 30s
	// RequestsPerSecond caps outbound provider calls. Zero means 10/s.
	RequestsPerSecond float64
}

// GatewayClient calls the embedding gateway behind a circuit breaker and a
// client-side rate limiter.
type GatewayClient struct {
	cfg     GatewayConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGatewayClient creates a gateway client with defaults applied.
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://ai-gateway.vercel.sh/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	settings := gobreaker.Settings{
		Name:        "EmbeddingGateway",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &GatewayClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed requests one vector from the gateway.
func (c *GatewayClient) Embed(ctx context.Context, model, input string) (*EmbedResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.embed(ctx, model, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.(*EmbedResult), nil
}

func (c *GatewayClient) embed(ctx context.Context, model, input string) (*EmbedResult, error) {
	body, err := json.Marshal(embedRequest{Model: model, Input: input})
	if err != nil {
		return nil, &ProviderError{Code: "REQUEST_FAILED", Message: err.Error(), Retryable: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Code: "REQUEST_FAILED", Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classifyStatus(resp.StatusCode, string(payload))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ProviderError{Code: "MALFORMED_RESPONSE", Message: err.Error(), Retryable: true}
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, &ProviderError{Code: "MALFORMED_RESPONSE", Message: "empty embedding in response", Retryable: true}
	}

	raw := parsed.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return &EmbedResult{Vector: vec, Model: parsed.Model}, nil
}

func classifyStatus(status int, payload string) *ProviderError {
	switch {
	case status == http.StatusTooManyRequests:
		return &ProviderError{StatusCode: status, Code: "RATE_LIMITED", Message: payload, Retryable: true}
	case status >= 500:
		return &ProviderError{StatusCode: status, Code: "UPSTREAM_ERROR", Message: payload, Retryable: true}
	default:
		return &ProviderError{StatusCode: status, Code: "REQUEST_REJECTED", Message: payload, Retryable: false}
	}
}

type catalogResponse struct {
	Data []ModelInfo `json:"data"`
}

// ListModels fetches the model catalog from the gateway.
func (c *GatewayClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, &ProviderError{Code: "REQUEST_FAILED", Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Code: "NETWORK_ERROR", Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, classifyStatus(resp.StatusCode, string(payload))
	}

	var parsed catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ProviderError{Code: "MALFORMED_RESPONSE", Message: err.Error(), Retryable: true}
	}
	return parsed.Data, nil
}

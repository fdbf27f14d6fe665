package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/imgquorum/quorum/util"
)

type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

type ChatImageURL struct {
	URL string `json:"url"`
}

type ChatMessage struct {
	Role    string            `json:"role"`
	Content []ChatContentPart `json:"content"`
}

type ChatResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequest struct {
	Model          string              `json:"model"`
	Messages       []ChatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *ChatResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Text completion returned by the provider.
type ChatCompletion struct {
	// provider-reported model identifier
	Model   string
	Content string
}

// Client for an OpenAI-compatible chat completions API. Shared by all adapters.
type ChatClient struct {
	Client    *http.Client
	Host      string
	APIKey    string
	UserAgent string
	Limiter   *rate.Limiter
	Logger    *slog.Logger
}

type ChatClientConfig struct {
	Host   string
	APIKey string
	// outbound request rate limit; zero means unlimited
	RatePerSecond float64
	// Retry.Timeout is ignored; deadlines come from the caller's context
	Retry         util.RetryOptions
	Logger        *slog.Logger
}

func NewChatClient(cfg ChatClientConfig) *ChatClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.Logger == nil {
		retry.Logger = logger.With("system", "provider-http")
	}
	// each adapter bounds its calls (retries included) with its own context deadline
	retry.Timeout = 0
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	client := util.RetryingHTTPClient(retry)
	client.Transport = otelhttp.NewTransport(client.Transport)
	return &ChatClient{
		Client:    client,
		Host:      strings.TrimSuffix(cfg.Host, "/"),
		APIKey:    cfg.APIKey,
		UserAgent: "quorum-moderation/" + versioninfo.Short(),
		Limiter:   rate.NewLimiter(limit, 1),
		Logger:    logger,
	}
}

// Sends one chat completion request. Errors are always *AdapterError (with Model unset; callers fill it in).
func (c *ChatClient) Complete(ctx context.Context, req ChatRequest) (*ChatCompletion, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, &AdapterError{Reason: classifyTransportErr(err), Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &AdapterError{Reason: ReasonTransportError, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &AdapterError{Reason: ReasonTransportError, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.UserAgent)
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.Client.Do(httpReq)
	duration := time.Since(start)
	providerAPIDuration.WithLabelValues(req.Model).Observe(duration.Seconds())
	if err != nil {
		providerAPICount.WithLabelValues(req.Model, "error").Inc()
		return nil, &AdapterError{Reason: classifyTransportErr(err), Err: fmt.Errorf("provider request failed: %w", err)}
	}
	defer resp.Body.Close()
	providerAPICount.WithLabelValues(req.Model, fmt.Sprint(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AdapterError{Reason: classifyTransportErr(err), Err: fmt.Errorf("reading provider response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		c.Logger.Warn("provider request failed", "model", req.Model, "status", resp.StatusCode, "duration", duration)
		return nil, &AdapterError{
			Reason:     ReasonTransportError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider API request failed: %s", truncate(string(respBody), 256)),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &AdapterError{Reason: ReasonParseError, Err: fmt.Errorf("decoding provider envelope: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &AdapterError{Reason: ReasonParseError, Err: errors.New("provider returned no choices")}
	}
	return &ChatCompletion{
		Model:   out.Model,
		Content: out.Choices[0].Message.Content,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package openai implements the default OpenAI-compatible provider
// adapter, registered under the "openai" tag.
package openai

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"time"

	gopenai "github.com/sashabaranov/go-openai"
	"github.com/pkg/errors"

	"github.com/moltbot/moltbot/service/observability"
	"github.com/moltbot/moltbot/service/provider"
	"github.com/moltbot/moltbot/service/task"
)

func init() {
	provider.Register("openai", New)
}

const transportTimeout = 60 * time.Second

// Adapter calls an OpenAI-compatible chat-completions endpoint. Non-2xx
// responses surface as task.ErrUpstreamPermanent with no internal retry;
// transport errors and timeouts surface as task.ErrUpstreamTransient and
// are retried internally up to provider.MaxInternalRetries times with
// exponential backoff.
type Adapter struct {
	client *gopenai.Client
	cfg    provider.Config
	rng    *rand.Rand
}

// New builds an openai.Adapter from a provider.Config.
func New(cfg provider.Config) provider.Adapter {
	clientCfg := gopenai.DefaultConfig(cfg.Credentials)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: transportTimeout}
	return &Adapter{
		client: gopenai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Adapter) ChatCompletion(ctx context.Context, messages []task.Message, params task.Params) (string, error) {
	req := gopenai.ChatCompletionRequest{
		Model:    a.cfg.Name,
		Messages: toOpenAIMessages(messages),
	}
	if a.cfg.MaxTokens > 0 {
		req.MaxTokens = a.cfg.MaxTokens
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	req.Temperature = float32(a.cfg.Temperature)
	if params.Temperature != nil {
		req.Temperature = float32(*params.Temperature)
	}
	applyExtras(&req, params.Extras)

	var lastErr error
	maxAttempts := provider.MaxInternalRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", errors.Wrap(task.ErrUpstreamPermanent, "no choices returned")
			}
			return resp.Choices[0].Message.Content, nil
		}

		if !isTransient(err) {
			return "", errors.Wrap(task.ErrUpstreamPermanent, err.Error())
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		observability.ProviderRetries.WithLabelValues(a.cfg.Name).Inc()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(provider.Backoff(attempt, a.rng)):
		}
	}
	return "", errors.Wrap(task.ErrUpstreamTransient, lastErr.Error())
}

func (a *Adapter) Embeddings(ctx context.Context, input string) ([]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, gopenai.EmbeddingRequestStrings{
		Input: []string{input},
		Model: gopenai.SmallEmbedding3,
	})
	if err != nil {
		if isTransient(err) {
			return nil, errors.Wrap(task.ErrUpstreamTransient, err.Error())
		}
		return nil, errors.Wrap(task.ErrUpstreamPermanent, err.Error())
	}
	if len(resp.Data) == 0 {
		return nil, errors.Wrap(task.ErrUpstreamPermanent, "no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

// applyExtras copies known passthrough options onto req, coercing numeric
// types loosely since values arriving from JSON decode as float64. Unknown
// keys and type mismatches are silently ignored rather than rejected — the
// extras map is a best-effort passthrough, not a validated schema.
func applyExtras(req *gopenai.ChatCompletionRequest, extras map[string]any) {
	for k, v := range extras {
		switch k {
		case "top_p":
			if f, ok := asFloat(v); ok {
				req.TopP = float32(f)
			}
		case "seed":
			if f, ok := asFloat(v); ok {
				seed := int(f)
				req.Seed = &seed
			}
		case "user":
			if s, ok := v.(string); ok {
				req.User = s
			}
		case "stop":
			switch s := v.(type) {
			case string:
				req.Stop = []string{s}
			case []string:
				req.Stop = s
			case []any:
				stops := make([]string, 0, len(s))
				for _, e := range s {
					if str, ok := e.(string); ok {
						stops = append(stops, str)
					}
				}
				req.Stop = stops
			}
		case "presence_penalty":
			if f, ok := asFloat(v); ok {
				req.PresencePenalty = float32(f)
			}
		case "frequency_penalty":
			if f, ok := asFloat(v); ok {
				req.FrequencyPenalty = float32(f)
			}
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toOpenAIMessages(messages []task.Message) []gopenai.ChatCompletionMessage {
	out := make([]gopenai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = gopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// isTransient decides whether err is a retriable transport/timeout error.
// Any non-2xx API response, including 5xx and 429, is terminal here and
// raised with no internal retry — the engine's outer retry tier is what
// covers upstream failures, matching the original client's tenacity
// configuration, which only ever retries RequestError/TimeoutException.
func isTransient(err error) bool {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

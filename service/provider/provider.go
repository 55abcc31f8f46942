// Package provider defines the upstream generation adapter contract and a
// provider-tag-keyed constructor registry.
package provider

import (
	"context"
	"math/rand"
	"time"

	"github.com/moltbot/moltbot/service/task"
)

// Config carries the per-model connection details an Adapter is built from.
type Config struct {
	Name        string
	BaseURL     string
	Credentials string
	MaxTokens   int
	Temperature float64
}

// Adapter is the capability interface a registered model implements: a
// chat-completion call and an embeddings call. The engine only ever calls
// ChatCompletion; Embeddings exists so a model can be used for both
// purposes through the same registration.
type Adapter interface {
	ChatCompletion(ctx context.Context, messages []task.Message, params task.Params) (string, error)
	Embeddings(ctx context.Context, input string) ([]float32, error)
}

// Constructor builds an Adapter from a Config.
type Constructor func(Config) Adapter

var constructors = map[string]Constructor{}

// Register adds a constructor for a provider tag. Intended to be called
// from package init funcs of provider implementations.
func Register(tag string, ctor Constructor) {
	constructors[tag] = ctor
}

// New builds the Adapter registered for tag, falling back to the
// OpenAI-compatible adapter for an unknown or empty tag.
func New(tag string, cfg Config) Adapter {
	if ctor, ok := constructors[tag]; ok {
		return ctor(cfg)
	}
	return constructors["openai"](cfg)
}

// Retry parameters shared by every Adapter implementation's internal,
// transport-error-only retry loop. Exponential backoff base 2s, capped at
// 10s, with +/-20% jitter.
const (
	MaxInternalRetries = 3
	backoffBase        = 2 * time.Second
	backoffCap         = 10 * time.Second
)

// Backoff returns the delay before internal retry attempt n (1-indexed),
// with jitter, matching the original client's tenacity configuration.
func Backoff(attempt int, rng *rand.Rand) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * (0.8 + 0.4*rng.Float64()))
	return jitter
}

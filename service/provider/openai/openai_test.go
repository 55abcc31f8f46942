package openai

import (
	"context"
	"errors"
	"net"
	"testing"

	gopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/moltbot/moltbot/service/provider"
)

func TestIsTransientNeverRetriesAPIErrors(t *testing.T) {
	assert.False(t, isTransient(&gopenai.APIError{HTTPStatusCode: 503}))
	assert.False(t, isTransient(&gopenai.APIError{HTTPStatusCode: 429}))
	assert.False(t, isTransient(&gopenai.APIError{HTTPStatusCode: 400}))
	assert.False(t, isTransient(&gopenai.APIError{HTTPStatusCode: 401}))
	assert.True(t, isTransient(&net.DNSError{IsTimeout: true}))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("some other error")))
}

func TestRegisteredUnderOpenAITag(t *testing.T) {
	a := provider.New("openai", provider.Config{Credentials: "sk-test"})
	assert.NotNil(t, a)
}

func TestUnknownTagFallsBackToOpenAI(t *testing.T) {
	a := provider.New("nonexistent-tag", provider.Config{Credentials: "sk-test"})
	assert.NotNil(t, a)
}

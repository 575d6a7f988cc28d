package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// Client is the minimal chat-completion surface the gap operations need. It
// mirrors CreateChatCompletion so any OpenAI-compatible backend, or a test
// fake, can be plugged in.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider adapts *openai.Client to Client and carries the startup
// preflight against the endpoint.
type OpenAIProvider struct {
	Inner *openai.Client
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return p.Inner.CreateChatCompletion(ctx, request)
}

// Preflight checks endpoint reachability by listing models. It is
// best-effort: failures are logged, never fatal, because the gap operations
// surface real trouble through the breaker and their own retries.
func (p *OpenAIProvider) Preflight(ctx context.Context, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	models, err := p.Inner.ListModels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("LLM model list failed; continuing")
		return
	}
	if len(models.Models) == 0 {
		log.Warn().Msg("LLM returned zero models")
		return
	}
	log.Info().Int("count", len(models.Models)).Msg("LLM models available")
}

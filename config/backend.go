package config

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"massgen.dev/massgen/features/model/anthropic"
	"massgen.dev/massgen/features/model/bedrock"
	"massgen.dev/massgen/features/model/middleware"
	"massgen.dev/massgen/features/model/openai"
	"massgen.dev/massgen/runtime/agent/compress"
	"massgen.dev/massgen/runtime/agent/model"
)

// Default API key environment variables per adapter.
const (
	defaultOpenAIKeyEnv    = "OPENAI_API_KEY"
	defaultAnthropicKeyEnv = "ANTHROPIC_API_KEY"
)

// NewBackend builds the layered model backend an agent runs against:
// provider adapter, then adaptive rate limiting, then bounded retries, then
// the compression sub-protocol outermost so it observes context-overflow
// rejections the retry layer passes through.
func NewBackend(ctx context.Context, b Backend) (model.Backend, error) {
	backend, err := newAdapter(ctx, b)
	if err != nil {
		return nil, err
	}
	if b.RateLimitTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", b.RateLimitTPM, b.RateLimitMaxTPM)
		backend = limiter.Middleware()(backend)
	}
	backend = middleware.Retry(middleware.RetryOptions{})(backend)
	if b.ContextWindow > 0 {
		comp, err := compress.New(compress.Options{
			ContextWindow: b.ContextWindow,
			Threshold:     b.CompressionThreshold,
			Target:        b.CompressionTarget,
			TailKeep:      b.TailKeep,
		})
		if err != nil {
			return nil, err
		}
		backend = compress.Wrap(backend, comp)
	}
	return backend, nil
}

func newAdapter(ctx context.Context, b Backend) (model.Backend, error) {
	switch b.Type {
	case BackendOpenAI:
		return openai.NewFromAPIKey(apiKey(b, defaultOpenAIKeyEnv), b.Model)
	case BackendAnthropic:
		return anthropic.NewFromAPIKey(apiKey(b, defaultAnthropicKeyEnv), b.Model)
	case BackendBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if b.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(b.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("config: load AWS config: %w", err)
		}
		return bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: b.Model,
		})
	default:
		return nil, fmt.Errorf("config: unknown backend type %q", b.Type)
	}
}

func apiKey(b Backend, fallbackEnv string) string {
	env := b.APIKeyEnv
	if env == "" {
		env = fallbackEnv
	}
	return os.Getenv(env)
}

// Params builds the request template seeded into every turn of an agent
// using this backend.
func (b Backend) Params() model.Request {
	return model.Request{
		Model:           b.Model,
		Temperature:     b.Temperature,
		MaxTokens:       b.MaxTokens,
		EnableReasoning: b.EnableReasoning,
		ReasoningBudget: b.ReasoningBudget,
		EnableWebSearch: b.EnableWebSearch,
	}
}

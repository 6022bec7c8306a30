// Package provider resolves {provider, model, credentials} requests to a
// streaming completion capability backed by OpenAI-compatible HTTP APIs.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatrelay/pkg/config"
)

// ChatMessage is one prompt message in the provider wire format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is one element of a completion stream. A non-nil Err terminates
// the stream; Text may still be empty on keep-alive chunks.
type Delta struct {
	Text string
	Err  error
}

// Streamer produces a lazy ordered finite sequence of text deltas for a
// chat completion. The returned channel is closed when the stream ends.
type Streamer interface {
	StreamCompletion(ctx context.Context, system string, messages []ChatMessage) (<-chan Delta, error)
}

// Resolver maps a provider/model/credential triple to a Streamer.
type Resolver interface {
	Resolve(provider, model, apiKey string) (Streamer, error)
}

// UnknownProviderError is returned for provider tags outside the registry.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider: %s", e.Provider)
}

// UnknownModelError is returned when a hosted model alias does not exist.
type UnknownModelError struct {
	Provider string
	Model    string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("invalid model %q for %s provider", e.Model, e.Provider)
}

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	openAIBaseURL     = "https://api.openai.com/v1"
)

// hostedModels maps friendly hosted aliases to OpenRouter free-tier slugs.
var hostedModels = map[string]string{
	"qwen3-32b":           "qwen/qwen3-32b:free",
	"deepseek-v3":         "deepseek/deepseek-chat-v3-0324:free",
	"devstral-small-2505": "mistralai/devstral-small:free",
	"llama-4-scout":       "meta-llama/llama-4-scout:free",
}

// Registry is a closed provider registry constructed from configuration and
// injected into the coordinator (no process-wide singleton).
type Registry struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
}

// NewRegistry builds a Registry from configuration.
func NewRegistry(cfg config.ChatConfig) *Registry {
	m := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		m[p.Name] = p
	}
	return &Registry{
		providers: m,
		// streaming responses are long-lived, so bound only the time to
		// first response header; stuck streams are the reaper's job
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}},
	}
}

// Resolve returns a Streamer for the given provider tag and model. A
// caller-supplied apiKey overrides the configured credential.
func (r *Registry) Resolve(provider, model, apiKey string) (Streamer, error) {
	switch provider {
	case "hosted":
		slug, ok := hostedModels[model]
		if !ok {
			return nil, &UnknownModelError{Provider: provider, Model: model}
		}
		cfg := r.providers["hosted"]
		if cfg.APIKey == "" {
			cfg = r.providers["openrouter"]
		}
		return r.newStreamer(openRouterBaseURL, cfg, "", slug), nil
	case "openrouter":
		return r.newStreamer(openRouterBaseURL, r.providers["openrouter"], apiKey, model), nil
	case "openai":
		return r.newStreamer(openAIBaseURL, r.providers["openai"], apiKey, model), nil
	default:
		return nil, &UnknownProviderError{Provider: provider}
	}
}

func (r *Registry) newStreamer(defaultBase string, cfg config.ProviderConfig, apiKey, model string) Streamer {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	key := apiKey
	if key == "" {
		key = cfg.APIKey
	}
	return &boundModel{
		client: &Client{baseURL: base, apiKey: key, httpClient: r.client},
		model:  model,
	}
}

// boundModel pairs a Client with a resolved model slug.
type boundModel struct {
	client *Client
	model  string
}

func (b *boundModel) StreamCompletion(ctx context.Context, system string, messages []ChatMessage) (<-chan Delta, error) {
	return b.client.StreamCompletion(ctx, b.model, system, messages)
}

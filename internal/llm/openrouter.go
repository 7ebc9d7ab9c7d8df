package llm

import (
	"context"
	"errors"

	"github.com/kalambet/machinist/internal/proxy"
)

// OpenRouterProvider adapts the proxy.Client to the Provider interface.
type OpenRouterProvider struct {
	client *proxy.Client
	model  string
}

// NewOpenRouterProvider creates the "openrouter" provider answering with model.
func NewOpenRouterProvider(client *proxy.Client, model string) *OpenRouterProvider {
	return &OpenRouterProvider{client: client, model: model}
}

func (p *OpenRouterProvider) Name() string { return OpenRouter }

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	req := proxy.ChatRequest{Model: p.model, Messages: toProxy(messages)}
	if schema != nil {
		// json_object is the widest-supported structured mode; the schema
		// itself travels in the system prompt.
		req.ResponseFormat = &proxy.ResponseFormat{Type: "json_object"}
	}
	out, err := p.client.Complete(ctx, req)
	if err != nil {
		return "", unavailable(ctx, OpenRouter, err)
	}
	return out, nil
}

func (p *OpenRouterProvider) Stream(ctx context.Context, messages []Message, onToken func(string) error) error {
	var cbErr error
	err := p.client.Stream(ctx, proxy.ChatRequest{Model: p.model, Messages: toProxy(messages)}, func(tok string) error {
		if err := onToken(tok); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if err != nil && cbErr != nil && errors.Is(err, cbErr) {
		return err
	}
	return unavailable(ctx, OpenRouter, err)
}

func toProxy(messages []Message) []proxy.Message {
	msgs := make([]proxy.Message, len(messages))
	for i, m := range messages {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

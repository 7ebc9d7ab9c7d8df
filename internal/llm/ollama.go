package llm

import (
	"context"
	"errors"

	"github.com/kalambet/machinist/internal/ollama"
)

// OllamaProvider adapts the internal/ollama.Client to the Provider interface.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

// NewOllamaProvider creates the "local" provider answering with model.
func NewOllamaProvider(client *ollama.Client, model string) *OllamaProvider {
	return &OllamaProvider{client: client, model: model}
}

func (p *OllamaProvider) Name() string { return Local }

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	out, err := p.client.Chat(ctx, p.model, toOllama(messages), ollamaSchema(schema))
	if err != nil {
		return "", unavailable(ctx, Local, err)
	}
	return out, nil
}

func (p *OllamaProvider) Stream(ctx context.Context, messages []Message, onToken func(string) error) error {
	var cbErr error
	err := p.client.ChatStream(ctx, p.model, toOllama(messages), func(tok string) error {
		if err := onToken(tok); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if err != nil && cbErr != nil && errors.Is(err, cbErr) {
		return err
	}
	return unavailable(ctx, Local, err)
}

func toOllama(messages []Message) []ollama.Message {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

func ollamaSchema(schema *Schema) *ollama.Schema {
	if schema == nil {
		return nil
	}
	s := &ollama.Schema{
		Type:     schema.Type,
		Required: schema.Required,
	}
	if schema.Properties != nil {
		s.Properties = make(map[string]ollama.SchemaProperty, len(schema.Properties))
		for k, v := range schema.Properties {
			s.Properties[k] = ollama.SchemaProperty{Type: v.Type, Description: v.Description}
		}
	}
	return s
}

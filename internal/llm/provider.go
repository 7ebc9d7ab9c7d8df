// Package llm abstracts the chat backends a request can be served by.
// Every request names its provider; the orchestrator resolves it through a
// Registry and never consults a process-wide default.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrModelUnavailable marks a backend that could not be reached or did not
// answer within its deadline.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrUnknownProvider is returned by Registry.Resolve for names outside the
// configured set.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Provider names accepted on the wire.
const (
	Local      = "local"
	OpenRouter = "openrouter"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Provider is a chat backend.
type Provider interface {
	// Name returns the wire name of the provider.
	Name() string

	// Chat returns the complete assistant response. When schema is non-nil,
	// structured JSON output is requested.
	Chat(ctx context.Context, messages []Message, schema *Schema) (string, error)

	// Stream calls onToken for each fragment of the response in order.
	// Returning an error from onToken aborts the stream with that error.
	Stream(ctx context.Context, messages []Message, onToken func(string) error) error
}

// Registry maps provider names to configured backends.
type Registry struct {
	providers map[string]Provider
	aliases   map[string]string
}

// NewRegistry returns a registry containing the given providers. The aliases
// "cloud" and "remote" resolve to openrouter.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		aliases: map[string]string{
			"cloud":  OpenRouter,
			"remote": OpenRouter,
			"ollama": Local,
		},
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Resolve returns the provider for name. An empty name selects the local
// provider.
func (r *Registry) Resolve(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = Local
	}
	if alias, ok := r.aliases[key]; ok {
		key = alias
	}
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownProvider, name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// unavailable wraps a transport failure. Client cancellation is passed
// through untouched so callers can tell it apart from a dead backend.
func unavailable(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrModelUnavailable, provider, err)
}

// StripFences removes a Markdown code fence some models wrap JSON in.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

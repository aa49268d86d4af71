// Package backend implements the model-invocation capability consumed by
// the narrative executor: a provider-agnostic Generate call, a registry of
// named backends, and the exponential-backoff retry policy each adapter
// owns internally.
package backend

import (
	"context"
	"fmt"
)

// Role identifies the speaker of a message passed to a backend.
type Role string

const (
	RoleUser      Role = "User"
	RoleAssistant Role = "Assistant"
	RoleSystem    Role = "System"
)

// PartKind discriminates a Message Part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartMedia PartKind = "media"
)

// Part is one piece of a message: either plain text or a media attachment.
type Part struct {
	Kind PartKind
	Text string

	Mime  string
	Bytes []byte
	B64   string
	URL   string
}

// TextPart builds a text Part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// Message is one turn in the conversation sent to a backend.
type Message struct {
	Role    Role
	Content []Part
}

// Request is the provider-agnostic generation request (spec.md §6).
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
}

// Output is one generated output unit. Only text outputs are modeled; the
// spec's backend capability surface names no other output kind.
type Output struct {
	Text string
}

// Response is the provider-agnostic generation response.
type Response struct {
	Outputs []Output
}

// Text concatenates every text output, which is what narrative execution
// actually consumes (a single assistant text reply per act).
func (r Response) Text() string {
	out := ""
	for i, o := range r.Outputs {
		if i > 0 {
			out += "\n"
		}
		out += o.Text
	}
	return out
}

// Backend is the model-invocation capability every provider adapter
// implements. It owns its own retries/backoff and must be safe to call
// from many goroutines simultaneously.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Registry resolves a backend by name (e.g. "anthropic", "openai",
// "ollama", "gemini"). It is process-wide and read-mostly after boot.
type Registry struct {
	backends map[string]Backend
	defaultName string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its own Name(). The first backend
// registered becomes the registry's default.
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
	if r.defaultName == "" {
		r.defaultName = b.Name()
	}
}

// SetDefault overrides which backend Resolve("") falls back to.
func (r *Registry) SetDefault(name string) { r.defaultName = name }

// Resolve looks up a backend by name; an empty name resolves to the
// registry's default backend.
func (r *Registry) Resolve(name string) (Backend, error) {
	if name == "" {
		name = r.defaultName
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend: no backend registered for %q", name)
	}
	return b, nil
}

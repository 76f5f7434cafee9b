package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Stream sends a chat completion request and returns a channel of
	// fragments. The channel is closed when the response ends; a transport
	// or decoding failure arrives as a final fragment with Err set.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Fragment, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Collect drains a fragment channel, returning the concatenated content and
// the first error seen.
func Collect(stream <-chan Fragment) (string, error) {
	var content string
	var err error
	for f := range stream {
		if f.Err != nil && err == nil {
			err = f.Err
		}
		if f.Type == FragmentContent {
			content += f.Content
		}
	}
	return content, err
}

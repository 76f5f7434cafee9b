package llm

import (
	"context"
	"errors"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	StreamFunc func(ctx context.Context, messages []Message, tools []Tool) (<-chan Fragment, error)
}

func (m *MockProvider) Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Fragment, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, messages, tools)
	}
	ch := make(chan Fragment, 1)
	ch <- Fragment{Type: FragmentContent, Content: "mock stream"}
	close(ch)
	return ch, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()
	messages := []Message{{Role: "user", Content: "test"}}

	stream, err := provider.Stream(ctx, messages, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := <-stream
	if f.Content == "" {
		t.Error("expected non-empty fragment")
	}
}

func TestCollect(t *testing.T) {
	mock := &MockProvider{
		StreamFunc: func(ctx context.Context, messages []Message, tools []Tool) (<-chan Fragment, error) {
			ch := make(chan Fragment, 5)
			ch <- Fragment{Type: FragmentReasoning, Content: "thinking"}
			ch <- Fragment{Type: FragmentContent, Content: "hello "}
			ch <- Fragment{Type: FragmentContent, Content: "world"}
			ch <- Fragment{Type: FragmentContent, Content: "!"}
			ch <- Fragment{Type: FragmentStop, StopReason: StopEndTurn}
			close(ch)
			return ch, nil
		},
	}

	stream, err := mock.Stream(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	content, err := Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello world!" {
		t.Errorf("expected 'hello world!', got %q", content)
	}
}

func TestCollectError(t *testing.T) {
	boom := errors.New("connection reset")
	ch := make(chan Fragment, 2)
	ch <- Fragment{Type: FragmentContent, Content: "partial"}
	ch <- Fragment{Err: boom}
	close(ch)

	content, err := Collect(ch)
	if !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
	if content != "partial" {
		t.Errorf("expected 'partial', got %q", content)
	}
}

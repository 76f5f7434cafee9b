package runtime

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/user/turnlog/pkg/llm"
)

// DefaultWritePrefixes marks tools that change state outside the
// conversation. Calls to them wait for human approval.
var DefaultWritePrefixes = []string{"create_", "update_", "delete_", "write_", "send_"}

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolFunc adapts a plain function to Tool.
type ToolFunc struct {
	ToolName string
	Desc     string
	Params   json.RawMessage
	Fn       func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f *ToolFunc) Name() string        { return f.ToolName }
func (f *ToolFunc) Description() string { return f.Desc }

func (f *ToolFunc) Parameters() json.RawMessage {
	if len(f.Params) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return f.Params
}

func (f *ToolFunc) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f.Fn(ctx, args)
}

// Registry holds registered tools and classifies them as read or write.
type Registry struct {
	mu            sync.RWMutex
	tools         map[string]Tool
	writePrefixes []string
}

// NewRegistry creates an empty tool registry. With no prefixes given,
// DefaultWritePrefixes is used.
func NewRegistry(writePrefixes ...string) *Registry {
	if len(writePrefixes) == 0 {
		writePrefixes = DefaultWritePrefixes
	}
	return &Registry{
		tools:         make(map[string]Tool),
		writePrefixes: writePrefixes,
	}
}

// Register adds a tool to the registry, replacing one with the same name.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// IsWrite reports whether calls to name need approval. Unknown names are
// classified by prefix as well.
func (r *Registry) IsWrite(name string) bool {
	for _, p := range r.writePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tools))
}

// WriteTools returns the sorted names of registered write tools.
func (r *Registry) WriteTools() []string {
	var out []string
	for _, name := range r.Names() {
		if r.IsWrite(name) {
			out = append(out, name)
		}
	}
	return out
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	all := r.All()
	out := make([]llm.Tool, 0, len(all))
	for _, t := range all {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// Package tools contains the built-in tools available to every conversation.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Notebook is a markdown bullet list on disk shared by the note tools.
type Notebook struct {
	mu   sync.Mutex
	path string
}

// NewNotebook creates a Notebook stored at path. The file is created on the
// first write.
func NewNotebook(path string) *Notebook {
	return &Notebook{path: path}
}

func (n *Notebook) read() ([]string, error) {
	data, err := os.ReadFile(n.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	var notes []string
	for _, line := range strings.Split(string(data), "\n") {
		if s := strings.TrimSpace(strings.TrimPrefix(line, "- ")); s != "" {
			notes = append(notes, s)
		}
	}
	return notes, nil
}

func (n *Notebook) write(notes []string) error {
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	var b strings.Builder
	for _, note := range notes {
		b.WriteString("- " + note + "\n")
	}
	return os.WriteFile(n.path, []byte(b.String()), 0o644)
}

// Tools returns the list, create and delete tools backed by n. Only the
// latter two change state.
func (n *Notebook) Tools() []*NoteTool {
	return []*NoteTool{
		{name: "list_notes", desc: "List all saved notes", nb: n, run: n.list},
		{name: "create_note", desc: "Save a note for later turns", nb: n, run: n.create, needsText: true},
		{name: "delete_note", desc: "Delete a saved note (must match exactly)", nb: n, run: n.remove, needsText: true},
	}
}

func (n *Notebook) list(string) (string, error) {
	notes, err := n.read()
	if err != nil {
		return "", err
	}
	if len(notes) == 0 {
		return "No notes saved yet.", nil
	}
	return "- " + strings.Join(notes, "\n- "), nil
}

func (n *Notebook) create(text string) (string, error) {
	notes, err := n.read()
	if err != nil {
		return "", err
	}
	if slices.Contains(notes, text) {
		return "Note already exists: " + text, nil
	}
	if err := n.write(append(notes, text)); err != nil {
		return "", err
	}
	return "Saved: " + text, nil
}

func (n *Notebook) remove(text string) (string, error) {
	notes, err := n.read()
	if err != nil {
		return "", err
	}
	i := slices.Index(notes, text)
	if i < 0 {
		return "Note not found: " + text, nil
	}
	if err := n.write(slices.Delete(notes, i, i+1)); err != nil {
		return "", err
	}
	return "Deleted: " + text, nil
}

// NoteTool is one operation on a Notebook.
type NoteTool struct {
	name      string
	desc      string
	nb        *Notebook
	run       func(text string) (string, error)
	needsText bool
}

func (t *NoteTool) Name() string        { return t.name }
func (t *NoteTool) Description() string { return t.desc }

func (t *NoteTool) Parameters() json.RawMessage {
	if !t.needsText {
		return json.RawMessage(`{"type": "object", "properties": {}}`)
	}
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "The note text"}
		},
		"required": ["text"]
	}`)
}

func (t *NoteTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Text string `json:"text"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}
	text := strings.TrimSpace(params.Text)
	if t.needsText && text == "" {
		return "", fmt.Errorf("text is required")
	}

	t.nb.mu.Lock()
	defer t.nb.mu.Unlock()
	return t.run(text)
}

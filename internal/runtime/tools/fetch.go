package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	maxFetchBytes = 2 << 20
	maxFetchChars = 50000
)

// FetchURL retrieves a web page and returns it as markdown. Plain text and
// JSON bodies are returned unchanged.
type FetchURL struct {
	client *http.Client
}

// NewFetchURL creates a FetchURL tool with a 30s request timeout.
func NewFetchURL() *FetchURL {
	return &FetchURL{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *FetchURL) Name() string        { return "fetch_url" }
func (f *FetchURL) Description() string { return "Fetch a web page and return its content as markdown" }
func (f *FetchURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Absolute http(s) URL"}
		},
		"required": ["url"]
	}`)
}

func (f *FetchURL) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return "", fmt.Errorf("url must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "turnlog/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", params.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", params.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	out := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		out, err = htmltomarkdown.ConvertString(out)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	}
	if len(out) > maxFetchChars {
		out = out[:maxFetchChars] + "\n\n[truncated]"
	}
	return out, nil
}

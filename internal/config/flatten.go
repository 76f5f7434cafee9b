package config

import (
	"strings"
)

// secretKeys are masked whenever values are shown to a user.
var secretKeys = map[string]bool{
	"llm.api_key":             true,
	"sequence.redis_password": true,
	"http.token":              true,
	"telegram.token":          true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns a nested map into dot-separated keys:
// {"persist": {"workers": 10}} becomes {"persist.workers": 10}.
// Empty nested maps produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	walk(m, nil, func(path []string, v any) {
		out[strings.Join(path, ".")] = v
	})
	return out
}

func walk(m map[string]any, path []string, leaf func([]string, any)) {
	for k, v := range m {
		p := append(path[:len(path):len(path)], k)
		if child, ok := v.(map[string]any); ok {
			walk(child, p, leaf)
			continue
		}
		leaf(p, v)
	}
}

// Unflatten is the inverse of Flatten. A key that collides with a leaf
// ("a" and "a.b") replaces the leaf with a map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		setPath(out, strings.Split(k, "."), v)
	}
	return out
}

func setPath(m map[string]any, path []string, v any) {
	for _, part := range path[:len(path)-1] {
		child, ok := m[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[part] = child
		}
		m = child
	}
	m[path[len(path)-1]] = v
}

// MaskSecrets returns a copy of flat where non-empty secret strings keep
// only their last four characters: "***abcd".
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}

// Section returns the keys of flat under the named top-level section.
// An empty name returns everything.
func Section(flat map[string]any, name string) map[string]any {
	if name == "" {
		return flat
	}
	prefix := name + "."
	out := make(map[string]any)
	for k, v := range flat {
		if strings.HasPrefix(k, prefix) || k == name {
			out[k] = v
		}
	}
	return out
}

package config

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{
			"top level",
			map[string]any{"log_level": "info", "max_tool_rounds": float64(10)},
			map[string]any{"log_level": "info", "max_tool_rounds": float64(10)},
		},
		{
			"sections",
			map[string]any{
				"persist":  map[string]any{"workers": float64(10), "rate_window": "1h0m0s"},
				"sequence": map[string]any{"key_prefix": "turnlog:seq:"},
			},
			map[string]any{
				"persist.workers":     float64(10),
				"persist.rate_window": "1h0m0s",
				"sequence.key_prefix": "turnlog:seq:",
			},
		},
		{
			"deep with empty branch",
			map[string]any{"a": map[string]any{"b": map[string]any{"c": true}, "empty": map[string]any{}}},
			map[string]any{"a.b.c": true},
		},
		{
			"slices are leaves",
			map[string]any{"approval": map[string]any{"write_prefixes": []any{"create_", "send_"}}},
			map[string]any{"approval.write_prefixes": []any{"create_", "send_"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flatten(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Flatten() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFlattenSiblingPathsDoNotAlias(t *testing.T) {
	// Sibling branches share a path prefix; each key must keep its own tail.
	in := map[string]any{"x": map[string]any{
		"a": map[string]any{"1": 1, "2": 2},
		"b": map[string]any{"3": 3, "4": 4},
	}}
	got := Flatten(in)
	for _, k := range []string{"x.a.1", "x.a.2", "x.b.3", "x.b.4"} {
		if _, ok := got[k]; !ok {
			t.Errorf("missing key %q in %v", k, got)
		}
	}
}

func TestUnflattenInvertsFlatten(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.ChatID = 42
	m, err := ToMap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := Unflatten(Flatten(m)); !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", got, m)
	}
}

func TestUnflattenLeafCollision(t *testing.T) {
	got := Unflatten(map[string]any{"http": "oops", "http.addr": ":80"})
	// Map iteration order decides which write lands last; either the leaf
	// survives or it was replaced by the section.
	switch v := got["http"].(type) {
	case string:
		if v != "oops" {
			t.Errorf("unexpected leaf %q", v)
		}
	case map[string]any:
		if v["addr"] != ":80" {
			t.Errorf("unexpected section %v", v)
		}
	default:
		t.Fatalf("unexpected type %T", v)
	}
}

func TestMaskSecrets(t *testing.T) {
	in := map[string]any{
		"llm.api_key":             "sk-secret-key-1234",
		"sequence.redis_password": "pw",
		"http.token":              "abcd",
		"telegram.token":          "",
		"llm.model":               "gpt-4o-mini",
		"persist.workers":         float64(10),
	}
	want := map[string]any{
		"llm.api_key":             "***1234",
		"sequence.redis_password": "***pw",
		"http.token":              "***abcd",
		"telegram.token":          "",
		"llm.model":               "gpt-4o-mini",
		"persist.workers":         float64(10),
	}
	got := MaskSecrets(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MaskSecrets() = %v, want %v", got, want)
	}
	if in["llm.api_key"] != "sk-secret-key-1234" {
		t.Error("input map was modified")
	}
}

func TestIsSecretKey(t *testing.T) {
	for key, want := range map[string]bool{
		"llm.api_key":             true,
		"sequence.redis_password": true,
		"http.token":              true,
		"telegram.token":          true,
		"http.addr":               false,
		"llm":                     false,
	} {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestSection(t *testing.T) {
	flat := map[string]any{
		"persist.workers":    10,
		"persist.rate_limit": 100,
		"persistence":        "not a section member",
		"http.addr":          ":8484",
	}
	got := Section(flat, "persist")
	want := map[string]any{"persist.workers": 10, "persist.rate_limit": 100}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Section(persist) = %v, want %v", got, want)
	}
	if got := Section(flat, ""); len(got) != len(flat) {
		t.Errorf("empty section should return all keys, got %v", got)
	}
	if got := Section(flat, "telegram"); len(got) != 0 {
		t.Errorf("expected nothing for unknown section, got %v", got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func mapEnv(m map[string]string) Env {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv(mapEnv(nil))

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Providers.OpenAI.Endpoint != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected openai endpoint %q", cfg.Providers.OpenAI.Endpoint)
	}
	if cfg.Providers.YTL.DefaultModel != "ILMU-text" || cfg.Providers.Gemini.DefaultModel != "gemini-2.5-flash-lite" {
		t.Fatalf("unexpected default models: %+v", cfg.Providers)
	}
	if cfg.RAG.DefaultDir != filepath.Join("src", "rag") {
		t.Fatalf("unexpected rag dir %q", cfg.RAG.DefaultDir)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 1 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Providers.OpenAI.APIKeyEnv != "OPENAI_API_KEY" || cfg.Providers.YTL.EndpointEnv != "YTL_ENDPOINT" {
		t.Fatalf("unexpected env names: %+v", cfg.Providers)
	}
	if cfg.RAG.DirEnv != "LLMKIT_RAG_DIR" {
		t.Fatalf("unexpected rag dir env %q", cfg.RAG.DirEnv)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg := FromEnv(mapEnv(map[string]string{
		"OPENAI_API_KEY":              "sk-test",
		"YTL_ENDPOINT":                "http://localhost:9000/v1/chat/completions",
		"LLMKIT_RAG_DIR":              "/tmp/rag",
		"LLMKIT_RAG_MAX_CHARS":        "120",
		"LLMKIT_APPEND_JSON_CONTRACT": "1",
		"LLMKIT_LOG_LEVEL":            "debug",
	}))

	// Key、服务地址和 RAG 覆盖目录在调用时读取，配置里只保留回退值。
	if cfg.Providers.YTL.Endpoint != "https://api.ytlailabs.tech/v1/chat/completions" {
		t.Fatalf("endpoint env must not be folded into the config, got %q", cfg.Providers.YTL.Endpoint)
	}
	if cfg.RAG.Dir != "" || cfg.RAG.MaxChars != 120 {
		t.Fatalf("unexpected rag config: %+v", cfg.RAG)
	}
	if !cfg.Prompts.AppendJSONContract {
		t.Fatalf("expected json contract flag")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestLoadYAMLResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmkit.yaml")
	content := `
server:
  address: ":9090"
providers:
  gemini:
    api_key_env: MY_GEMINI_KEY
    timeout_seconds: 5
rag:
  default_dir: docs/rag
allowlist:
  path: allow.yaml
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithEnv(path, mapEnv(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Providers.Gemini.APIKeyEnv != "MY_GEMINI_KEY" || cfg.Providers.Gemini.TimeoutSeconds != 5 {
		t.Fatalf("unexpected gemini config: %+v", cfg.Providers.Gemini)
	}
	if cfg.RAG.DefaultDir != filepath.Join(dir, "docs", "rag") {
		t.Fatalf("relative rag dir not resolved: %q", cfg.RAG.DefaultDir)
	}
	if cfg.Allowlist.Path != filepath.Join(dir, "allow.yaml") {
		t.Fatalf("relative allowlist not resolved: %q", cfg.Allowlist.Path)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "llmkit.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"driver":"Redis","workers":4}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadWithEnv(path, mapEnv(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestProvidersLookup(t *testing.T) {
	cfg := FromEnv(mapEnv(nil))
	if _, ok := cfg.Providers.Lookup("ytl"); !ok {
		t.Fatalf("expected ytl provider")
	}
	if _, ok := cfg.Providers.Lookup("anthropic"); ok {
		t.Fatalf("unexpected provider")
	}
	for _, name := range cfg.Providers.Names() {
		if _, ok := cfg.Providers.Lookup(name); !ok {
			t.Fatalf("name %q has no config", name)
		}
	}
}

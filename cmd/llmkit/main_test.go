package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parkseungchul/llmkit/internal/agent"
	"github.com/parkseungchul/llmkit/internal/task"
)

func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1].Content
		reply, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "echo " + last},
				"finish_reason": "stop",
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	srv := fakeOpenAI(t)
	t.Setenv("LLMKIT_CONFIG", "")
	t.Setenv("OPENAI_ENDPOINT", srv.URL)
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LLMKIT_PROMPTS_DIR", filepath.Join(dir, "prompts"))
	t.Setenv("LLMKIT_ALLOWLIST", filepath.Join(dir, "allowlist.yaml"))
	t.Setenv("LLMKIT_RAG_DIR", filepath.Join(dir, "rag"))
	t.Setenv("LLMKIT_LOG_LEVEL", "error")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestRunSingleCase(t *testing.T) {
	dir := setupEnv(t)
	path := writeFile(t, dir, "case.json", `{"provider":"openai","user_prompt":"ping"}`)

	out, errOut, code := runCLI(t, "", "run", path, "--compact")
	if code != exitOK {
		t.Fatalf("unexpected exit code %d: %s", code, errOut)
	}
	var env agent.Envelope
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if env.View == nil || env.View.Text != "echo ping" {
		t.Fatalf("unexpected view: %+v", env.View)
	}
	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Fatalf("--compact should print a single line")
	}
}

func TestRunResolvesPromptFilesNextToCase(t *testing.T) {
	dir := setupEnv(t)
	cases := filepath.Join(dir, "cases")
	if err := os.Mkdir(cases, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, cases, "question.txt", "from file\n")
	path := writeFile(t, cases, "case.json", `{"provider":"openai","user_prompt":"@question.txt"}`)

	out, errOut, code := runCLI(t, "", "run", path)
	if code != exitOK || !strings.Contains(out, "echo from file") {
		t.Fatalf("unexpected result: code=%d out=%s err=%s", code, out, errOut)
	}
}

func TestRunReadsStdin(t *testing.T) {
	setupEnv(t)
	out, _, code := runCLI(t, `{"provider":"openai","user_prompt":"from stdin"}`, "run", "-")
	if code != exitOK || !strings.Contains(out, "echo from stdin") {
		t.Fatalf("unexpected result: code=%d out=%s", code, out)
	}
}

func TestRunUsageErrors(t *testing.T) {
	dir := setupEnv(t)
	bad := writeFile(t, dir, "bad.json", `{not json`)

	for name, args := range map[string][]string{
		"missing file": {"run", filepath.Join(dir, "missing.json")},
		"invalid json": {"run", bad},
		"no args":      {"run"},
		"unknown flag": {"run", bad, "--nope"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, code := runCLI(t, "", args...); code != exitUsage {
				t.Fatalf("expected exit %d, got %d", exitUsage, code)
			}
		})
	}
}

func TestRunBatchStopsAtFirstFailure(t *testing.T) {
	dir := setupEnv(t)
	path := writeFile(t, dir, "batch.json", `{
		"defaults": {"provider": "openai"},
		"cases": [
			{"user_prompt": "one"},
			{"provider": "gemini", "user_prompt": "two"},
			{"user_prompt": "three"}
		]
	}`)

	out, _, code := runCLI(t, "", "run", path)
	if code != exitFailed {
		t.Fatalf("expected exit %d, got %d", exitFailed, code)
	}
	var envs []agent.Envelope
	if err := json.Unmarshal([]byte(out), &envs); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(envs) != 2 || envs[1].Meta.ErrorAt != agent.StepProviderCall {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}

	out, _, code = runCLI(t, "", "run", path, "--continue")
	if code != exitFailed {
		t.Fatalf("expected exit %d, got %d", exitFailed, code)
	}
	envs = nil
	if err := json.Unmarshal([]byte(out), &envs); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(envs) != 3 || envs[2].View == nil || envs[2].View.Text != "echo three" {
		t.Fatalf("unexpected envelopes with --continue: %+v", envs)
	}
}

func TestWorkerMemoryDriver(t *testing.T) {
	setupEnv(t)
	stdin := strings.Join([]string{
		`{"id":"a","case":{"provider":"openai","user_prompt":"x"}}`,
		`{"id":"b","case":{"provider":"nope"}}`,
	}, "\n")

	out, errOut, code := runCLI(t, stdin, "worker", "--driver", "memory", "--workers", "2")
	if code != exitOK {
		t.Fatalf("unexpected exit code %d: %s", code, errOut)
	}
	results := map[string]task.Result{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var r task.Result
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("decode result line %q: %v", line, err)
		}
		results[r.ID] = r
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %s", len(results), out)
	}
	if v := results["a"].Envelope.View; v == nil || v.Text != "echo x" {
		t.Fatalf("unexpected result a: %+v", results["a"])
	}
	if results["b"].Envelope.Meta.ErrorAt != agent.StepInput {
		t.Fatalf("unexpected result b: %+v", results["b"].Envelope.Meta)
	}
}

func TestSubmitRejectsMemoryDriver(t *testing.T) {
	dir := setupEnv(t)
	path := writeFile(t, dir, "case.json", `{"user_prompt":"x"}`)
	t.Setenv("LLMKIT_QUEUE_DRIVER", "memory")
	if _, _, code := runCLI(t, "", "submit", path); code != exitUsage {
		t.Fatalf("expected exit %d, got %d", exitUsage, code)
	}
}

func TestVersion(t *testing.T) {
	out, _, code := runCLI(t, "", "version")
	if code != exitOK || strings.TrimSpace(out) != "llmkit "+version {
		t.Fatalf("unexpected version output: %d %q", code, out)
	}
}

package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFiles(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "logs", "app.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("agent").Debug("步骤完成", slog.String("step", "normalize"))
	Audit().Info("调用完成", slog.String("request_id", "r1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), "component=agent") || !strings.Contains(string(app), "step=normalize") {
		t.Fatalf("unexpected app log: %s", app)
	}
	if strings.Contains(string(app), "r1") {
		t.Fatalf("audit entries should not reach the app log")
	}

	audit, err := os.ReadFile(auditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), `"stream":"audit"`) || !strings.Contains(string(audit), `"request_id":"r1"`) {
		t.Fatalf("unexpected audit log: %s", audit)
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init(Config{Level: "warn", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	L().Info("hidden")
	L().Warn("shown")
	_ = Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Fatalf("unexpected log output: %s", data)
	}
}

func TestAuditFallsBackToDefault(t *testing.T) {
	t.Cleanup(func() { _ = Sync() })
	if err := Init(Config{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if Audit() != L() {
		t.Fatal("audit logger should reuse the default logger when disabled")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":         slog.LevelInfo,
		"DEBUG":    slog.LevelDebug,
		" warning": slog.LevelWarn,
		"error":    slog.LevelError,
		"verbose":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

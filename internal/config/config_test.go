package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Assessment.DefaultGranularity != "phoneme" || !cfg.Assessment.DefaultMiscue {
		t.Fatalf("unexpected assessment defaults: %+v", cfg.Assessment)
	}
	if cfg.Node.Capabilities[0].Name != "pronunciation.assessment" {
		t.Fatalf("unexpected default capability: %+v", cfg.Node.Capabilities)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_ASSESSMENT_DEFAULT_GRANULARITY", "word")
	t.Setenv("LOQA_ASSESSMENT_DEFAULT_MISCUE", "false")
	t.Setenv("LOQA_ASSESSMENT_COMPLETENESS_FALLBACK", "0")
	t.Setenv("LOQA_ASSESSMENT_MAX_ALIGNMENT_CELLS", "1000")
	t.Setenv("LOQA_STT_TIMEOUT_MS", "1000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store retention overrides")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Assessment.DefaultGranularity != "word" || cfg.Assessment.DefaultMiscue {
		t.Fatalf("expected assessment overrides, got %+v", cfg.Assessment)
	}
	if cfg.Assessment.CompletenessFallback != 0 || cfg.Assessment.MaxAlignmentCells != 1000 {
		t.Fatalf("expected numeric assessment overrides, got %+v", cfg.Assessment)
	}
	if cfg.STT.TimeoutMS != 1000 {
		t.Fatalf("expected stt timeout override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
runtime_name: test-assess
bus:
  embedded: true
  port: -1
assessment:
  enabled: true
  default_granularity: text
  default_miscue: false
  completeness_fallback: 50
  max_alignment_cells: 2000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-assess" || cfg.Bus.Port != -1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Assessment.DefaultGranularity != "text" || cfg.Assessment.CompletenessFallback != 50 {
		t.Fatalf("unexpected assessment block: %+v", cfg.Assessment)
	}
	// fields absent from the file keep their defaults
	if cfg.EventStore.RetentionMode != "session" {
		t.Fatalf("expected default retention mode, got %q", cfg.EventStore.RetentionMode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Port = 0
	cfg.Assessment.DefaultGranularity = "syllable"
	cfg.Assessment.CompletenessFallback = 120
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"http.port", "assessment.default_granularity", "assessment.completeness_fallback"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	cfg := Default()
	cfg.STT.Enabled = true
	cfg.STT.Mode = "exec"
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "stt.command") {
		t.Fatalf("expected stt.command error, got %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

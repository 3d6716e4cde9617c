package config

import (
	"os"
	"path/filepath"
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
	if cfg.Verification.Threshold != 0.97 {
		t.Fatalf("expected default threshold 0.97, got %v", cfg.Verification.Threshold)
	}
	if cfg.Narration.InterfaceLanguage != "en" {
		t.Fatalf("expected english narrator, got %q", cfg.Narration.InterfaceLanguage)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_PROGRESS_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_PROGRESS_STORE_RETENTION_MODE", "ephemeral")
	t.Setenv("LOQA_VERIFICATION_THRESHOLD", "0.9")
	t.Setenv("LOQA_VERIFICATION_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_CAPTURE_PERMISSION_TIMEOUT_MS", "1000")
	t.Setenv("LOQA_NARRATION_INTERFACE_LANGUAGE", "de")

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
	if cfg.ProgressStore.Path != "./tmp.db" || cfg.ProgressStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected progress store override, got %+v", cfg.ProgressStore)
	}
	if cfg.Verification.Threshold != 0.9 || cfg.Verification.TimeoutMS != 2500 {
		t.Fatalf("expected verification override, got %+v", cfg.Verification)
	}
	if cfg.Capture.PermissionTimeoutMS != 1000 {
		t.Fatalf("expected permission timeout override")
	}
	if cfg.Narration.InterfaceLanguage != "de" {
		t.Fatalf("expected interface language override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutor.yaml")
	data := []byte(`
verification:
  mode: server
  judge: remote
  endpoint: http://judge.local/check
tts:
  mode: exec
  command: piper --json
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Verification.Mode != "server" || cfg.Verification.Endpoint != "http://judge.local/check" {
		t.Fatalf("unexpected verification config %+v", cfg.Verification)
	}
	if cfg.Verification.AffirmativeMarker != "Correct" {
		t.Fatalf("expected default marker to survive partial file")
	}
	if cfg.TTS.Command != "piper --json" {
		t.Fatalf("unexpected tts command %q", cfg.TTS.Command)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	t.Setenv("LOQA_VERIFICATION_THRESHOLD", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected threshold validation error")
	}
}

func TestValidateRequiresOpenAIKey(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "openai")
	if _, err := Load(""); err == nil {
		t.Fatal("expected missing api key error")
	}
	t.Setenv("LOQA_OPENAI_API_KEY", "sk-test")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error with key set: %v", err)
	}
}

func TestValidateLLMJudgeNeedsLLM(t *testing.T) {
	t.Setenv("LOQA_VERIFICATION_MODE", "server")
	t.Setenv("LOQA_VERIFICATION_JUDGE", "llm")
	if _, err := Load(""); err == nil {
		t.Fatal("expected llm.enabled error")
	}
	t.Setenv("LOQA_LLM_ENABLED", "true")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

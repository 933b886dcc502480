package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "dataNERD" {
		t.Errorf("expected Name=dataNERD, got %s", cfg.Name)
	}
	if cfg.Database.MaxPreviewRows != 100 {
		t.Errorf("expected MaxPreviewRows=100, got %d", cfg.Database.MaxPreviewRows)
	}
	if cfg.Pipeline.MaxSQLAttempts != 3 {
		t.Errorf("expected MaxSQLAttempts=3, got %d", cfg.Pipeline.MaxSQLAttempts)
	}
	if cfg.Stages.PlannerModel == "" {
		t.Error("expected a default planner model")
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("DATANERD_API_KEY", "")
	t.Setenv("DATANERD_MODEL", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "test-key"
	cfg.Stages.PlannerModel = "gemini-2.5-pro"
	cfg.Database.Path = "testdata/sales.db"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.LLM.APIKey != "test-key" {
		t.Errorf("expected APIKey=test-key, got %s", loaded.LLM.APIKey)
	}
	if loaded.Stages.PlannerModel != "gemini-2.5-pro" {
		t.Errorf("expected PlannerModel=gemini-2.5-pro, got %s", loaded.Stages.PlannerModel)
	}
	if loaded.Database.Path != "testdata/sales.db" {
		t.Errorf("expected Path=testdata/sales.db, got %s", loaded.Database.Path)
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("DATANERD_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.MaxPreviewRows != 100 {
		t.Errorf("expected defaults, got MaxPreviewRows=%d", cfg.Database.MaxPreviewRows)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-gemini-key")
	t.Setenv("DATANERD_DB", "/tmp/override.db")
	t.Setenv("DATANERD_MODEL", "gemini-2.5-flash")
	t.Setenv("DATANERD_MAX_SQL_ATTEMPTS", "5")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.LLM.APIKey != "env-gemini-key" {
		t.Errorf("expected APIKey=env-gemini-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("expected Path=/tmp/override.db, got %s", cfg.Database.Path)
	}
	if cfg.Stages.RouterModel != "gemini-2.5-flash" || cfg.Stages.SynthesizerModel != "gemini-2.5-flash" {
		t.Errorf("expected DATANERD_MODEL to override every stage, got %+v", cfg.Stages)
	}
	if cfg.Pipeline.MaxSQLAttempts != 5 {
		t.Errorf("expected MaxSQLAttempts=5, got %d", cfg.Pipeline.MaxSQLAttempts)
	}
}

func TestConfig_DedicatedKeyWinsOverGemini(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("DATANERD_API_KEY", "datanerd-key")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.LLM.APIKey != "datanerd-key" {
		t.Errorf("expected DATANERD_API_KEY to win, got %s", cfg.LLM.APIKey)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	// Default has no API key
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing API key")
	}

	cfg.LLM.APIKey = "key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	cfg.Pipeline.MaxSQLAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero attempt budget")
	}
	cfg.Pipeline.MaxSQLAttempts = 3

	cfg.Database.QueryTimeout = "soon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for bad query_timeout")
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetQueryTimeout(); got != 30*time.Second {
		t.Errorf("expected 30s query timeout, got %v", got)
	}
	if got := cfg.GetLLMTimeout(); got != 120*time.Second {
		t.Errorf("expected 120s LLM timeout, got %v", got)
	}

	cfg.LLM.Timeout = "garbage"
	if got := cfg.GetLLMTimeout(); got != 120*time.Second {
		t.Errorf("expected fallback 120s for unparseable timeout, got %v", got)
	}

	cfg.LLM.BackoffBase = "250ms"
	if got := cfg.GetBackoffBase(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms backoff base, got %v", got)
	}
}

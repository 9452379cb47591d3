package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// noEnvFile points at a file that does not exist so tests never read a
// developer's .env.
func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestResolveConfig_Defaults(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "none.yaml"),
		EnvFile:    noEnvFile(t),
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.LLM.Value != DefaultLLM || resolved.LLM.Source != SourceDefault {
		t.Errorf("llm: %+v", resolved.LLM)
	}
	if resolved.Pest.Value != "" {
		t.Errorf("pest should come from the prompts file by default, got %q", resolved.Pest.Value)
	}
	s := resolved.Settings
	if s.Run.Workers != DefaultWorkers || s.Paths.Results != DefaultResultsDir || s.Log.Level != DefaultLogLevel {
		t.Errorf("settings defaults: %+v", s)
	}
	if !strings.HasSuffix(s.Paths.DB, filepath.Join(".pestmap", "pestmap.db")) {
		t.Errorf("db path: %q", s.Paths.DB)
	}
}

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	cfgPath := writeConfig(t, `paths:
  db: ~/.pestmap/from-config.db
  results: out
llm:
  provider: openrouter/openai/gpt-4o-mini
  retry_delay: 5s
  max_attempts: 4
pest:
  name: Jack pine budworm
  abbreviation: JPBW
geocoder:
  interval: 1500ms
years:
  earliest: 1500
run:
  workers: 2
`)
	t.Setenv("PESTMAP_DB", "~/from-env.db")
	t.Setenv("PESTMAP_LLM", "google/gemini-2.5-flash")
	t.Setenv("PESTMAP_WORKERS", "6")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		EnvFile:    noEnvFile(t),
		CLILLM:     "openai/gpt-4o",
		CLIDBPath:  "/tmp/from-cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI || resolved.Settings.Paths.DB != "/tmp/from-cli.db" {
		t.Fatalf("db path: %+v", resolved.DBPath)
	}
	if resolved.LLM.Source != SourceCLI || resolved.Settings.LLM.Provider != "openai/gpt-4o" {
		t.Fatalf("llm: %+v", resolved.LLM)
	}
	if resolved.Pest.Source != SourceConfig || resolved.Settings.Pest.Abbreviation != "JPBW" {
		t.Fatalf("pest: %+v / %+v", resolved.Pest, resolved.Settings.Pest)
	}

	s := resolved.Settings
	if s.Run.Workers != 6 {
		t.Errorf("workers: env should beat config, got %d", s.Run.Workers)
	}
	if s.LLM.RetryDelay != 5*time.Second || s.LLM.MaxAttempts != 4 {
		t.Errorf("retry: %v x%d", s.LLM.RetryDelay, s.LLM.MaxAttempts)
	}
	if s.Geocoder.Interval != 1500*time.Millisecond {
		t.Errorf("geocoder interval: %v", s.Geocoder.Interval)
	}
	if s.Years.Earliest != 1500 || s.Paths.Results != "out" {
		t.Errorf("settings: %+v", s)
	}
	if s.Log.Level != DefaultLogLevel {
		t.Errorf("unset keys should keep defaults, log level %q", s.Log.Level)
	}
}

func TestResolveConfig_EnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("PESTMAP_MAX_FILES=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// t.Setenv registers cleanup so the value loaded from the file is removed afterwards
	t.Setenv("PESTMAP_MAX_FILES", "")
	os.Unsetenv("PESTMAP_MAX_FILES")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "none.yaml"),
		EnvFile:    envPath,
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.Settings.Run.MaxFiles != 7 {
		t.Errorf("max files from .env: %d", resolved.Settings.Run.MaxFiles)
	}
}

func TestResolveConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"zero workers", "run:\n  workers: 0\n", nil},
		{"temperature", "llm:\n  temperature: 3\n", nil},
		{"llm without model", "llm:\n  provider: openai\n", nil},
		{"bad yaml", "llm: [", nil},
		{"bad env int", "", map[string]string{"PESTMAP_WORKERS": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ResolveConfig(ResolveOptions{ConfigPath: writeConfig(t, tt.yaml), EnvFile: noEnvFile(t)})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAPIKeyForProvider_EnvOverridesConfig(t *testing.T) {
	cfgPath := writeConfig(t, `llm:
  provider: openrouter/openai/gpt-4o-mini
  api_key: config-key
`)
	t.Setenv("OPENROUTER_API_KEY", "env-key")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath, EnvFile: noEnvFile(t)})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if k := resolved.APIKeyForProvider("openrouter/some-model"); k.Value != "env-key" {
		t.Fatalf("expected env key, got %q", k.Value)
	}
	if k := resolved.APIKeyForProvider(""); k.Value != "" {
		t.Fatalf("empty provider should have no key, got %q", k.Value)
	}
}

func TestAPIKeyForProvider_ConfigKey(t *testing.T) {
	for _, env := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(env, "")
	}
	cfgPath := writeConfig(t, `llm:
  provider: google/gemini-2.5-flash
  api_key: config-key
`)
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath, EnvFile: noEnvFile(t)})
	if err != nil {
		t.Fatal(err)
	}
	k := resolved.APIKeyForProvider(resolved.LLM.Value)
	if k.Value != "config-key" || k.Source != SourceConfig {
		t.Fatalf("got %+v", k)
	}
}

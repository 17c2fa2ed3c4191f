package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.LLM.Backend != BackendLlama {
		t.Errorf("LLM.Backend = %q, want %q", cfg.LLM.Backend, BackendLlama)
	}
	if cfg.LLM.AskMaxTokens != 128 {
		t.Errorf("LLM.AskMaxTokens = %d, want 128", cfg.LLM.AskMaxTokens)
	}
	if cfg.Merge.WindowMargin != 8 {
		t.Errorf("Merge.WindowMargin = %d, want 8", cfg.Merge.WindowMargin)
	}
	if cfg.Merge.NoMarkersPolicy != NoMarkersAbort {
		t.Errorf("Merge.NoMarkersPolicy = %q, want %q", cfg.Merge.NoMarkersPolicy, NoMarkersAbort)
	}
	if cfg.Fixup.ErrorContextLines != 8 {
		t.Errorf("Fixup.ErrorContextLines = %d, want 8", cfg.Fixup.ErrorContextLines)
	}
	if cfg.Context.CatContextLines != 40 {
		t.Errorf("Context.CatContextLines = %d, want 40", cfg.Context.CatContextLines)
	}
	if cfg.Build.Enabled {
		t.Error("Build.Enabled should be false by default")
	}
	if len(cfg.Build.Commands) == 0 {
		t.Error("Build.Commands should carry a default pipeline")
	}
	if cfg.History.Backend != HistoryJSON {
		t.Errorf("History.Backend = %q, want %q", cfg.History.Backend, HistoryJSON)
	}
	if !cfg.Logging.Enabled {
		t.Error("Logging.Enabled should be true by default")
	}
}

func TestTimeouts(t *testing.T) {
	cfg := Default()
	if got := cfg.LLM.OpenTimeout(); got != 30*time.Second {
		t.Errorf("LLM.OpenTimeout() = %v, want 30s", got)
	}
	if got := cfg.LLM.ReadTimeout(); got != 15*time.Minute {
		t.Errorf("LLM.ReadTimeout() = %v, want 15m", got)
	}
	if got := cfg.Build.ReadTimeout(); got != time.Hour {
		t.Errorf("Build.ReadTimeout() = %v, want 1h", got)
	}
}

func TestResolveStateDir(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		name     string
		stateDir string
		repoDir  string
		want     string
	}{
		{"empty uses .rllm", "", "/src/linux", "/src/linux/.rllm"},
		{"relative", "state", "/src/linux", "/src/linux/state"},
		{"absolute", "/var/lib/rllm", "/src/linux", "/var/lib/rllm"},
		{"home", "~/rllm", "/src/linux", filepath.Join(home, "rllm")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsConfig{StateDir: tt.stateDir}
			if got := p.ResolveStateDir(tt.repoDir); got != tt.want {
				t.Errorf("ResolveStateDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryPath(t *testing.T) {
	cfg := Default()
	if got := cfg.HistoryPath("/r"); got != "/r/.rllm/history.json" {
		t.Errorf("HistoryPath() = %q", got)
	}
	cfg.History.Backend = HistorySQLite
	if got := cfg.HistoryPath("/r"); got != "/r/.rllm/history.db" {
		t.Errorf("HistoryPath() = %q", got)
	}
	cfg.History.Path = "/tmp/h.db"
	if got := cfg.HistoryPath("/r"); got != "/tmp/h.db" {
		t.Errorf("HistoryPath() = %q", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/rllm" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/rllm")
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		want := filepath.Join(home, ".config", "rllm")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigFile(); got != "/custom/config/rllm/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestLoad(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with defaults failed: %v", err)
	}
	if cfg.Context.LineBudget != Default().Context.LineBudget {
		t.Errorf("Context.LineBudget = %d, want default", cfg.Context.LineBudget)
	}
	if len(cfg.Build.Commands) != len(Default().Build.Commands) {
		t.Errorf("Build.Commands = %v", cfg.Build.Commands)
	}

	viper.Set("context.line_budget", -1)
	viper.Set("merge.no_markers_policy", "guess")
	_, err = Load()
	if err == nil {
		t.Fatal("Load() with invalid values succeeded")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("len(ValidationErrors) = %d, want 2: %v", len(verrs), verrs)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	yaml := `
repo:
  range: v6.12..v6.13
llm:
  backend: gemini
  model: gemini-2.5-pro
build:
  enabled: true
  executor: local
  commands:
    - run: make -C {{.Workdir}}
    - run: ./scripts/check
      can_fail: true
`
	viper.SetConfigType("yaml")
	if err := viper.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.LLM.Backend != BackendGemini || cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if len(cfg.Build.Commands) != 2 || !cfg.Build.Commands[1].CanFail {
		t.Errorf("Build.Commands = %+v", cfg.Build.Commands)
	}
	if cfg.Merge.MaxTurns != Default().Merge.MaxTurns {
		t.Errorf("Merge.MaxTurns = %d, want default", cfg.Merge.MaxTurns)
	}
}

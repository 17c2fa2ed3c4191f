package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for rllm
type Config struct {
	Repo    RepoConfig    `mapstructure:"repo"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Context ContextConfig `mapstructure:"context"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Fixup   FixupConfig   `mapstructure:"fixup"`
	Build   BuildConfig   `mapstructure:"build"`
	Driver  DriverConfig  `mapstructure:"driver"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`
}

// RepoConfig selects what is ported where
type RepoConfig struct {
	// Path is the repository working tree (default: ".")
	Path string `mapstructure:"path"`
	// Base is the commit or branch the port starts from
	Base string `mapstructure:"base"`
	// Range is the upstream commit range to port, e.g. "v6.12..v6.13"
	Range string `mapstructure:"range"`
	// Branch is the work branch reset to Base at the start of every attempt
	Branch string `mapstructure:"branch"`
	// CommitterName and CommitterEmail are used for ported commits.
	// Authors are always kept from the original commit.
	CommitterName  string `mapstructure:"committer_name"`
	CommitterEmail string `mapstructure:"committer_email"`
}

// LLMConfig controls the inference backend
type LLMConfig struct {
	// Backend is "llama" (llama.cpp compatible HTTP server) or "gemini"
	Backend string `mapstructure:"backend"`
	// Endpoint is the base URL of the llama backend
	Endpoint string `mapstructure:"endpoint"`
	// Model names the model for backends that need one
	Model string `mapstructure:"model"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	Temperature float64 `mapstructure:"temperature"`
	// MaxTokens caps solution and edit-location completions
	MaxTokens int `mapstructure:"max_tokens"`
	// AskMaxTokens caps completions of the context-gathering turns
	AskMaxTokens       int  `mapstructure:"ask_max_tokens"`
	OpenTimeoutSeconds int  `mapstructure:"open_timeout_seconds"`
	ReadTimeoutSeconds int  `mapstructure:"read_timeout_seconds"`
	CacheEnabled       bool `mapstructure:"cache_enabled"`
	// Slot is the llama.cpp slot used for prompt cache save/restore
	Slot int `mapstructure:"slot"`
	// Grammar enables grammar-constrained decoding of asks and solutions
	Grammar bool `mapstructure:"grammar"`
}

// ContextConfig controls the context-gathering sessions
type ContextConfig struct {
	// LineBudget is the total evidence lines for one session on the first attempt
	LineBudget int `mapstructure:"line_budget"`
	// PerAskLines caps the lines one ask may return
	PerAskLines int `mapstructure:"per_ask_lines"`
	// IterationLimit is the number of model turns for one session on the first attempt
	IterationLimit   int `mapstructure:"iteration_limit"`
	GrepContextLines int `mapstructure:"grep_context_lines"`
	CatContextLines  int `mapstructure:"cat_context_lines"`
	// BudgetGrowth multiplies LineBudget and IterationLimit on every retry
	BudgetGrowth float64 `mapstructure:"budget_growth"`
}

// MergeConfig controls the merge iteration
type MergeConfig struct {
	// WindowMargin is the context lines around a conflict block
	WindowMargin int `mapstructure:"window_margin"`
	// MaxTurns bounds conflict-loop turns per commit
	MaxTurns int `mapstructure:"max_turns"`
	// NoMarkersPolicy decides what happens to a conflicted file without
	// markers: "abort", "stage" or "delete"
	NoMarkersPolicy string `mapstructure:"no_markers_policy"`
}

// FixupConfig controls the build fixup iteration
type FixupConfig struct {
	// WindowMargin is the context lines around an edit location
	WindowMargin int `mapstructure:"window_margin"`
	// ErrorContextLines is the context shown around every compiler error
	ErrorContextLines int `mapstructure:"error_context_lines"`
	MaxLocations      int `mapstructure:"max_locations"`
	// LocationAttempts bounds re-prompts for well-formed edit locations
	LocationAttempts int `mapstructure:"location_attempts"`
	// MaxPasses bounds build-fixup-rebuild cycles per attempt
	MaxPasses int `mapstructure:"max_passes"`
	// AttachBlame shows the commit that introduced each location's line
	AttachBlame bool `mapstructure:"attach_blame"`
}

// BuildConfig controls the build executor
type BuildConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Executor is "ssh" or "local"
	Executor   string `mapstructure:"executor"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	KeyFile    string `mapstructure:"key_file"`
	KnownHosts string `mapstructure:"known_hosts"`
	// Workdir is the checkout on the build host; templates see it as {{.Workdir}}
	Workdir string `mapstructure:"workdir"`
	// PushRemote, when set, receives the work branch before every build
	PushRemote         string          `mapstructure:"push_remote"`
	Commands           []CommandConfig `mapstructure:"commands"`
	OpenTimeoutSeconds int             `mapstructure:"open_timeout_seconds"`
	ReadTimeoutSeconds int             `mapstructure:"read_timeout_seconds"`
}

// CommandConfig is one step of the build pipeline
type CommandConfig struct {
	// Run is a text/template over .Branch, .Commit and .Workdir
	Run     string `mapstructure:"run"`
	CanFail bool   `mapstructure:"can_fail"`
}

// DriverConfig controls the outer retry loop
type DriverConfig struct {
	// MaxAttempts bounds full attempts over the commit range
	MaxAttempts int `mapstructure:"max_attempts"`
	// WatchStop stops the run after the current commit when a STOP file
	// appears in the state directory
	WatchStop bool `mapstructure:"watch_stop"`
}

// HistoryConfig controls where porting history is persisted
type HistoryConfig struct {
	// Backend is "json" or "sqlite"
	Backend string `mapstructure:"backend"`
	// Path overrides the store location (default: inside paths.state_dir)
	Path string `mapstructure:"path"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether rllm.log is written (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// PathsConfig controls where rllm stores data
type PathsConfig struct {
	// StateDir holds rllm.log and the history store. Relative paths are
	// resolved against repo.path. Supports ~ for home directory expansion.
	StateDir string `mapstructure:"state_dir"`
}

// ResolveStateDir returns the absolute state directory for repoDir.
func (p *PathsConfig) ResolveStateDir(repoDir string) string {
	dir := p.StateDir
	if dir == "" {
		dir = ".rllm"
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoDir, dir)
	}
	return filepath.Clean(dir)
}

// HistoryPath returns the store path for the configured backend.
func (c *Config) HistoryPath(repoDir string) string {
	if c.History.Path != "" {
		return c.History.Path
	}
	name := "history.json"
	if c.History.Backend == "sqlite" {
		name = "history.db"
	}
	return filepath.Join(c.Paths.ResolveStateDir(repoDir), name)
}

// OpenTimeout returns the connect timeout for inference requests.
func (c *LLMConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// ReadTimeout returns the response timeout for inference requests.
func (c *LLMConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// OpenTimeout returns the SSH dial timeout.
func (c *BuildConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// ReadTimeout returns the time a whole build pipeline may take.
func (c *BuildConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Repo: RepoConfig{
			Path:           ".",
			Branch:         "rllm-port",
			CommitterName:  "rllm",
			CommitterEmail: "rllm@localhost",
		},
		LLM: LLMConfig{
			Backend:            "llama",
			Endpoint:           "http://127.0.0.1:8080",
			APIKeyEnv:          "GEMINI_API_KEY",
			Temperature:        0.2,
			MaxTokens:          4096,
			AskMaxTokens:       128,
			OpenTimeoutSeconds: 30,
			ReadTimeoutSeconds: 900,
			CacheEnabled:       true,
			Slot:               0,
		},
		Context: ContextConfig{
			LineBudget:       200,
			PerAskLines:      80,
			IterationLimit:   6,
			GrepContextLines: 8,
			CatContextLines:  40,
			BudgetGrowth:     2.0,
		},
		Merge: MergeConfig{
			WindowMargin:    8,
			MaxTurns:        12,
			NoMarkersPolicy: NoMarkersAbort,
		},
		Fixup: FixupConfig{
			WindowMargin:      5,
			ErrorContextLines: 8,
			MaxLocations:      8,
			LocationAttempts:  3,
			MaxPasses:         3,
			AttachBlame:       true,
		},
		Build: BuildConfig{
			Enabled:  false,
			Executor: ExecutorSSH,
			Port:     22,
			Workdir:  "~/src",
			Commands: []CommandConfig{
				{Run: "cd {{.Workdir}} && git fetch origin {{.Branch}}"},
				{Run: "cd {{.Workdir}} && git checkout -f {{.Commit}}"},
				{Run: "cd {{.Workdir}} && make -j$(nproc) 2>&1"},
			},
			OpenTimeoutSeconds: 30,
			ReadTimeoutSeconds: 3600,
		},
		Driver: DriverConfig{
			MaxAttempts: 4,
			WatchStop:   true,
		},
		History: HistoryConfig{
			Backend: HistoryJSON,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			StateDir: ".rllm",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Repo defaults
	viper.SetDefault("repo.path", defaults.Repo.Path)
	viper.SetDefault("repo.base", defaults.Repo.Base)
	viper.SetDefault("repo.range", defaults.Repo.Range)
	viper.SetDefault("repo.branch", defaults.Repo.Branch)
	viper.SetDefault("repo.committer_name", defaults.Repo.CommitterName)
	viper.SetDefault("repo.committer_email", defaults.Repo.CommitterEmail)

	// LLM defaults
	viper.SetDefault("llm.backend", defaults.LLM.Backend)
	viper.SetDefault("llm.endpoint", defaults.LLM.Endpoint)
	viper.SetDefault("llm.model", defaults.LLM.Model)
	viper.SetDefault("llm.api_key_env", defaults.LLM.APIKeyEnv)
	viper.SetDefault("llm.temperature", defaults.LLM.Temperature)
	viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	viper.SetDefault("llm.ask_max_tokens", defaults.LLM.AskMaxTokens)
	viper.SetDefault("llm.open_timeout_seconds", defaults.LLM.OpenTimeoutSeconds)
	viper.SetDefault("llm.read_timeout_seconds", defaults.LLM.ReadTimeoutSeconds)
	viper.SetDefault("llm.cache_enabled", defaults.LLM.CacheEnabled)
	viper.SetDefault("llm.slot", defaults.LLM.Slot)
	viper.SetDefault("llm.grammar", defaults.LLM.Grammar)

	// Context defaults
	viper.SetDefault("context.line_budget", defaults.Context.LineBudget)
	viper.SetDefault("context.per_ask_lines", defaults.Context.PerAskLines)
	viper.SetDefault("context.iteration_limit", defaults.Context.IterationLimit)
	viper.SetDefault("context.grep_context_lines", defaults.Context.GrepContextLines)
	viper.SetDefault("context.cat_context_lines", defaults.Context.CatContextLines)
	viper.SetDefault("context.budget_growth", defaults.Context.BudgetGrowth)

	// Merge defaults
	viper.SetDefault("merge.window_margin", defaults.Merge.WindowMargin)
	viper.SetDefault("merge.max_turns", defaults.Merge.MaxTurns)
	viper.SetDefault("merge.no_markers_policy", defaults.Merge.NoMarkersPolicy)

	// Fixup defaults
	viper.SetDefault("fixup.window_margin", defaults.Fixup.WindowMargin)
	viper.SetDefault("fixup.error_context_lines", defaults.Fixup.ErrorContextLines)
	viper.SetDefault("fixup.max_locations", defaults.Fixup.MaxLocations)
	viper.SetDefault("fixup.location_attempts", defaults.Fixup.LocationAttempts)
	viper.SetDefault("fixup.max_passes", defaults.Fixup.MaxPasses)
	viper.SetDefault("fixup.attach_blame", defaults.Fixup.AttachBlame)

	// Build defaults
	viper.SetDefault("build.enabled", defaults.Build.Enabled)
	viper.SetDefault("build.executor", defaults.Build.Executor)
	viper.SetDefault("build.host", defaults.Build.Host)
	viper.SetDefault("build.port", defaults.Build.Port)
	viper.SetDefault("build.user", defaults.Build.User)
	viper.SetDefault("build.key_file", defaults.Build.KeyFile)
	viper.SetDefault("build.known_hosts", defaults.Build.KnownHosts)
	viper.SetDefault("build.workdir", defaults.Build.Workdir)
	viper.SetDefault("build.push_remote", defaults.Build.PushRemote)
	viper.SetDefault("build.commands", defaults.Build.Commands)
	viper.SetDefault("build.open_timeout_seconds", defaults.Build.OpenTimeoutSeconds)
	viper.SetDefault("build.read_timeout_seconds", defaults.Build.ReadTimeoutSeconds)

	// Driver defaults
	viper.SetDefault("driver.max_attempts", defaults.Driver.MaxAttempts)
	viper.SetDefault("driver.watch_stop", defaults.Driver.WatchStop)

	// History defaults
	viper.SetDefault("history.backend", defaults.History.Backend)
	viper.SetDefault("history.path", defaults.History.Path)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rllm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rllm"
	}
	return filepath.Join(home, ".config", "rllm")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

package config

import (
	"fmt"
	"slices"
	"strings"
	"text/template"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "context.line_budget")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Enumerated option values
const (
	BackendLlama  = "llama"
	BackendGemini = "gemini"

	NoMarkersAbort  = "abort"
	NoMarkersStage  = "stage"
	NoMarkersDelete = "delete"

	ExecutorSSH   = "ssh"
	ExecutorLocal = "local"

	HistoryJSON   = "json"
	HistorySQLite = "sqlite"
)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBackends returns the list of valid inference backends
func ValidBackends() []string {
	return []string{BackendLlama, BackendGemini}
}

// ValidNoMarkersPolicies returns the list of valid merge.no_markers_policy values
func ValidNoMarkersPolicies() []string {
	return []string{NoMarkersAbort, NoMarkersStage, NoMarkersDelete}
}

// ValidExecutors returns the list of valid build executors
func ValidExecutors() []string {
	return []string{ExecutorSSH, ExecutorLocal}
}

// ValidHistoryBackends returns the list of valid history stores
func ValidHistoryBackends() []string {
	return []string{HistoryJSON, HistorySQLite}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateRepo()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateContext()...)
	errors = append(errors, c.validateMerge()...)
	errors = append(errors, c.validateFixup()...)
	errors = append(errors, c.validateBuild()...)
	errors = append(errors, c.validateDriver()...)
	errors = append(errors, c.validateHistory()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func nonNegative(field string, v int) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
	}
	return nil
}

func oneOf(field, v string, valid []string) []ValidationError {
	if !slices.Contains(valid, v) {
		return []ValidationError{{
			Field:   field,
			Value:   v,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
		}}
	}
	return nil
}

// validateRepo validates the RepoConfig
func (c *Config) validateRepo() []ValidationError {
	var errors []ValidationError

	if c.Repo.Range != "" && !strings.Contains(c.Repo.Range, "..") {
		errors = append(errors, ValidationError{
			Field:   "repo.range",
			Value:   c.Repo.Range,
			Message: "must be a commit range of the form <from>..<to>",
		})
	}
	if strings.ContainsAny(c.Repo.Branch, " ~^:?*[\\") {
		errors = append(errors, ValidationError{
			Field:   "repo.branch",
			Value:   c.Repo.Branch,
			Message: "is not a valid branch name",
		})
	}

	return errors
}

// validateLLM validates the LLMConfig
func (c *Config) validateLLM() []ValidationError {
	var errors []ValidationError

	errors = append(errors, oneOf("llm.backend", c.LLM.Backend, ValidBackends())...)
	if c.LLM.Backend == BackendLlama && c.LLM.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.endpoint",
			Value:   c.LLM.Endpoint,
			Message: "is required for the llama backend",
		})
	}
	if c.LLM.Backend == BackendGemini && c.LLM.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.model",
			Value:   c.LLM.Model,
			Message: "is required for the gemini backend",
		})
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Value:   c.LLM.Temperature,
			Message: "must be between 0 and 2",
		})
	}
	errors = append(errors, positive("llm.max_tokens", c.LLM.MaxTokens)...)
	errors = append(errors, positive("llm.ask_max_tokens", c.LLM.AskMaxTokens)...)
	errors = append(errors, positive("llm.open_timeout_seconds", c.LLM.OpenTimeoutSeconds)...)
	errors = append(errors, positive("llm.read_timeout_seconds", c.LLM.ReadTimeoutSeconds)...)
	errors = append(errors, nonNegative("llm.slot", c.LLM.Slot)...)

	return errors
}

// validateContext validates the ContextConfig
func (c *Config) validateContext() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("context.line_budget", c.Context.LineBudget)...)
	errors = append(errors, positive("context.per_ask_lines", c.Context.PerAskLines)...)
	errors = append(errors, positive("context.iteration_limit", c.Context.IterationLimit)...)
	errors = append(errors, nonNegative("context.grep_context_lines", c.Context.GrepContextLines)...)
	errors = append(errors, nonNegative("context.cat_context_lines", c.Context.CatContextLines)...)

	if c.Context.PerAskLines > c.Context.LineBudget && c.Context.LineBudget > 0 {
		errors = append(errors, ValidationError{
			Field:   "context.per_ask_lines",
			Value:   c.Context.PerAskLines,
			Message: "must not exceed context.line_budget",
		})
	}
	if c.Context.BudgetGrowth < 1 {
		errors = append(errors, ValidationError{
			Field:   "context.budget_growth",
			Value:   c.Context.BudgetGrowth,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateMerge validates the MergeConfig
func (c *Config) validateMerge() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("merge.window_margin", c.Merge.WindowMargin)...)
	errors = append(errors, positive("merge.max_turns", c.Merge.MaxTurns)...)
	errors = append(errors, oneOf("merge.no_markers_policy", c.Merge.NoMarkersPolicy, ValidNoMarkersPolicies())...)

	return errors
}

// validateFixup validates the FixupConfig
func (c *Config) validateFixup() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("fixup.window_margin", c.Fixup.WindowMargin)...)
	errors = append(errors, nonNegative("fixup.error_context_lines", c.Fixup.ErrorContextLines)...)
	errors = append(errors, positive("fixup.max_locations", c.Fixup.MaxLocations)...)
	errors = append(errors, positive("fixup.location_attempts", c.Fixup.LocationAttempts)...)
	errors = append(errors, nonNegative("fixup.max_passes", c.Fixup.MaxPasses)...)

	return errors
}

// validateBuild validates the BuildConfig. Nothing is checked while the
// build is disabled.
func (c *Config) validateBuild() []ValidationError {
	if !c.Build.Enabled {
		return nil
	}

	var errors []ValidationError

	errors = append(errors, oneOf("build.executor", c.Build.Executor, ValidExecutors())...)
	if c.Build.Executor == ExecutorSSH {
		if c.Build.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "build.host",
				Value:   c.Build.Host,
				Message: "is required for the ssh executor",
			})
		}
		if c.Build.Port <= 0 || c.Build.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   "build.port",
				Value:   c.Build.Port,
				Message: "must be between 1 and 65535",
			})
		}
	}
	if len(c.Build.Commands) == 0 {
		errors = append(errors, ValidationError{
			Field:   "build.commands",
			Value:   c.Build.Commands,
			Message: "must contain at least one command",
		})
	}
	for i, cmd := range c.Build.Commands {
		field := fmt.Sprintf("build.commands[%d].run", i)
		if strings.TrimSpace(cmd.Run) == "" {
			errors = append(errors, ValidationError{Field: field, Value: cmd.Run, Message: "must not be empty"})
			continue
		}
		if _, err := template.New(field).Parse(cmd.Run); err != nil {
			errors = append(errors, ValidationError{Field: field, Value: cmd.Run, Message: "invalid template: " + err.Error()})
		}
	}
	errors = append(errors, positive("build.open_timeout_seconds", c.Build.OpenTimeoutSeconds)...)
	errors = append(errors, positive("build.read_timeout_seconds", c.Build.ReadTimeoutSeconds)...)

	return errors
}

// validateDriver validates the DriverConfig
func (c *Config) validateDriver() []ValidationError {
	return positive("driver.max_attempts", c.Driver.MaxAttempts)
}

// validateHistory validates the HistoryConfig
func (c *Config) validateHistory() []ValidationError {
	var errors []ValidationError

	errors = append(errors, oneOf("history.backend", c.History.Backend, ValidHistoryBackends())...)
	if strings.ContainsRune(c.History.Path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "history.path",
			Value:   c.History.Path,
			Message: "path contains invalid null character",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	errors = append(errors, positive("logging.max_size_mb", c.Logging.MaxSizeMB)...)

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}

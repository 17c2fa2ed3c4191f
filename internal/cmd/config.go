package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/snajpa/rllm/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify rllm configuration",
	Long: `View or modify rllm configuration.

Without arguments, displays the effective configuration: defaults, the
config file, RLLM_* environment variables and flags, merged.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  rllm config set llm.backend gemini
  rllm config set context.line_budget 400
  rllm config set build.host builder.example.org

Run 'rllm config show' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/rllm/config.yaml with the most used options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// parseValue converts value to the type of the key's current setting.
func parseValue(key, value string) (any, error) {
	if !slices.Contains(viper.AllKeys(), key) {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'rllm config show' to see valid keys", key)
	}
	switch viper.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case string, nil:
		return value, nil
	default:
		return nil, fmt.Errorf("%s cannot be set from the command line; edit %s", key, config.ConfigFile())
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	typed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	old := viper.Get(key)
	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		viper.Set(key, old)
		return err
	}

	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typed)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

const defaultConfigFile = `# rllm configuration
# Every key can also be set through RLLM_<SECTION>_<KEY>, e.g. RLLM_LLM_BACKEND.

repo:
  # Commit or branch the port starts from
  base: ""
  # Upstream range to port, e.g. v6.12..v6.13
  range: ""
  # Work branch, reset to base on every attempt
  branch: rllm-port

llm:
  # "llama" (llama.cpp compatible server) or "gemini"
  backend: llama
  endpoint: http://127.0.0.1:8080
  # Environment variable holding the Gemini API key
  api_key_env: GEMINI_API_KEY
  temperature: 0.2
  cache_enabled: true

context:
  # Evidence lines and model turns per context session; both grow by
  # budget_growth on every retry
  line_budget: 200
  iteration_limit: 6
  budget_growth: 2.0

build:
  enabled: false
  # "ssh" or "local"
  executor: ssh
  host: ""
  user: ""
  workdir: ~/src
  # Each run is a template over .Branch, .Commit and .Workdir
  commands:
    - run: cd {{.Workdir}} && git fetch origin {{.Branch}}
    - run: cd {{.Workdir}} && git checkout -f {{.Commit}}
    - run: cd {{.Workdir}} && make -j$(nproc) 2>&1

driver:
  max_attempts: 4

history:
  # "json" or "sqlite"
  backend: json
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'rllm config set' to modify values", configFile)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	for i, dir := range configSearchPaths() {
		fmt.Fprintf(out, "  %d. %s\n", i+1, filepath.Join(dir, "config.yaml"))
	}
	fmt.Fprintln(out, "\nEnvironment variables: RLLM_* (e.g., RLLM_LLM_ENDPOINT)")
	return nil
}

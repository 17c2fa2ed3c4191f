package cmd

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/snajpa/rllm/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "rllm",
	Short: "Port commit ranges with a language model resolving conflicts",
	Long: `rllm cherry-picks a range of upstream commits onto a base branch.
Merge conflicts and the build errors that follow are resolved by a
language model that may inspect the repository before it answers.

Settings come from, in increasing precedence: built-in defaults, the
config file, a .env file, RLLM_* environment variables and flags.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// globalFlags maps persistent flags to the configuration keys they override.
var globalFlags = map[string]string{
	"config":    "config",
	"repo":      "repo.path",
	"endpoint":  "llm.endpoint",
	"log-level": "logging.level",
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/rllm/config.yaml)")
	flags.String("repo", "", "repository to port into (default: current directory)")
	flags.String("endpoint", "", "inference server URL")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	bindFlags(flags, globalFlags)
}

func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

func initConfig() {
	// API keys usually live in .env next to the repository
	_ = godotenv.Load()

	config.SetDefaults()

	viper.SetEnvPrefix("RLLM")
	// RLLM_LLM_ENDPOINT overrides llm.endpoint
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, dir := range configSearchPaths() {
			viper.AddConfigPath(dir)
		}
	}
	// A missing file is fine; defaults apply.
	_ = viper.ReadInConfig()
}

// configSearchPaths lists the directories searched for config.yaml, in order.
func configSearchPaths() []string {
	return []string{config.ConfigDir(), "."}
}

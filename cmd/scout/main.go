// Command scout runs research sessions from the command line.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Configuration keys. Each is settable by flag, by SCOUT_<KEY> in the
// environment (dashes become underscores) or in the config file.
const (
	keyConfig        = "config"
	keyLogLevel      = "log-level"
	keyVariant       = "variant"
	keyVariantsFile  = "variants-file"
	keyOpenAIKey     = "openai-api-key"
	keyOpenAIModel   = "openai-model"
	keyOpenAIBaseURL = "openai-base-url"
	keyOracleRPS     = "oracle-rps"
	keyTavilyKey     = "tavily-api-key"
	keyDatabaseURL   = "database-url"
	keyTimeout       = "timeout"
	keyMetricsAddr   = "metrics-addr"
	keyContext       = "context"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "scout",
		Short:         "Quota-bounded research, synthesis and review sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String(keyConfig, "", "Config file (yaml, json or toml)")
	flags.String(keyLogLevel, "info", "Log level: debug, info, warn, error")
	flags.String(keyVariant, "token_finder", "Variant to run")
	flags.String(keyVariantsFile, "", "YAML file with additional variants")
	flags.String(keyDatabaseURL, "", "Postgres URL for checkpoints")

	root.AddCommand(newRunCommand(v))
	root.AddCommand(newVariantsCommand(v))
	root.AddCommand(newCheckpointsCommand(v))
	return root
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString(keyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

func newLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(v.GetString(keyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

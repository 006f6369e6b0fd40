package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/logging"
)

var (
	configPath  string
	controlAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "trackwatch",
	Short: "Tracker policy enforcement engine",
	Long: "Scores third-party tracker requests, decides an enforcement mode per\n" +
		"request and applies it through network filter rules. Blocking waits\n" +
		"while a session is in a sensitive context such as checkout or login.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default: ~/.trackwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "127.0.0.1:50061", "Control server address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config and returns it with its content hash.
func loadConfig() (*config.Config, string, error) {
	cfg, hash, err := config.LoadWithHash(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, hash, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log, nil
}

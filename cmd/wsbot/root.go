package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ianic/xnet/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// Version is injected during build
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "wsbot",
	Short: "WebSocket client and echo server",
	Long: `wsbot connects to WebSocket gateways and sends stdin lines as text
messages, or runs an echo server.

Configuration is read from the file given with --config, by default
$XDG_CONFIG_HOME/wsbot/config.yaml. WSBOT_TOKEN and WSBOT_URL override file
values, flags override both.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
}

// loadConfig loads the config file and applies persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

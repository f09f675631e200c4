package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"feedbackhub/internal/buildinfo"
	"feedbackhub/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "feedbackhub",
	Short:         "Webhook delivery and billing event service",
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FEEDBACKHUB_CONFIG"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, dispatchCmd, sweepCmd, migrateCmd, configCmd, tokenCmd, versionCmd)
}

// loadConfig reads --config and FEEDBACKHUB_* overrides.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

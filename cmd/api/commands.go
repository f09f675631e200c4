package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"feedbackhub/internal/auth"
	"feedbackhub/internal/billing"
	"feedbackhub/internal/buildinfo"
	"feedbackhub/internal/logger"
	"feedbackhub/internal/store"
	"feedbackhub/internal/webhooks"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one delivery cycle and print the pending count and summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := logger.Init(cfg.Logging); err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		pending, err := d.Store.CountPending(cmd.Context())
		if err != nil {
			return err
		}
		w := webhooks.NewWorker(d.Store, cfg.Webhooks)
		w.Broker = d.Broker
		sum, err := w.RunCycle(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"pendingBefore": pending, "summary": sum})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Downgrade canceled projects whose paid period has ended",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := logger.Init(cfg.Logging); err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		s := &billing.Sweeper{Projects: d.Store}
		n, err := s.Run(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]int{"downgraded": n})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return errors.New("database.url is required")
		}
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		applied, err := pg.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}
		for _, v := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", v)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var (
	tokenProject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a signed API token (auth.mode=jwt)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Mode != auth.ModeJWT {
			return fmt.Errorf("auth.mode is %q; tokens are only issued in jwt mode", cfg.Auth.Mode)
		}
		tok, err := auth.NewVerifier(cfg.Auth).Issue(args[0], tokenProject, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenProject, "project", "", "project the token is scoped to")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleOwner, "owner or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("encode output")
		return err
	}
	return nil
}

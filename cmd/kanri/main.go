package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/common/version"
	"github.com/bdobrica/Kanri/internal/kanri/app"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kanri",
		Short:         "Task management assistant for chat",
		Long:          `Kanri reads chat messages, turns them into task actions and tracks the time people spend on tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KANRI_CONFIG"), "path to the YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		observability.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format, cfg.Secrets()...)
		return cfg, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newParseCmd(load),
		newSyncCmd(load),
		newMigrateCmd(load),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			fmt.Printf("Kanri %s\n", version.Info())

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize Kanri: %w", err)
			}
			defer a.Stop()
			return a.Run(cmd.Context())
		},
	}
}

func newParseCmd(load loader) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "parse <text>",
		Short: "Print the intent a message parses to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			now := time.Now().In(loc)
			if at != "" {
				if now, err = time.ParseInLocation(time.RFC3339, at, loc); err != nil {
					return fmt.Errorf("--now: %w", err)
				}
			}

			st, err := store.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			parser, _, err := app.NewParser(cmd.Context(), cfg, st)
			if err != nil {
				return err
			}
			parsed := parser.Parse(cmd.Context(), "cli", strings.Join(args, " "), now)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(parsed)
		},
	}
	cmd.Flags().StringVar(&at, "now", "", "reference time for relative dates (RFC 3339)")
	return cmd
}

func newSyncCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror directory users and tracker tasks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Sync(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Sync complete")
			return nil
		},
	}
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := st.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", v)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuild Time: %s\n",
				version.Version, version.GitCommit, version.BuildTime)
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"Lazythumb/internal/core/calllog"
	"Lazythumb/internal/core/providers"
	postgresRepo "Lazythumb/internal/db/postgres"
)

// repositories bundles the postgres repositories used by admin commands.
type repositories struct {
	providers providers.Repository
	calls     calllog.Repository
}

// withDatabase loads configuration, opens the database and runs fn.
func withDatabase(cmd *cobra.Command, configFile string, fn func(ctx context.Context, repos repositories) error) error {
	v, err := loadViper(configFile)
	if err != nil {
		return err
	}
	srvCfg := serverConfigFromViper(v)
	setupLogger(srvCfg.LogLevel, srvCfg.LogFormat)
	if srvCfg.DatabaseURL == "" {
		return errors.New("database.url is not configured")
	}

	db, err := openDatabase(cmd.Context(), srvCfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return fn(cmd.Context(), repositories{
		providers: postgresRepo.NewProviderRepository(db),
		calls:     postgresRepo.NewCallLogRepository(db),
	})
}

func newProvidersCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage the source provider allowlist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List allowlisted providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, *configFile, func(ctx context.Context, repos repositories) error {
				list, err := repos.providers.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tDESTINATION\tENABLED\tUPDATED")
				for _, p := range list {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Destination, p.Enabled, p.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <host[=destination]>...",
		Short: "Allow providers, optionally restricted to a destination URL prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, *configFile, func(ctx context.Context, repos repositories) error {
				for _, entry := range args {
					p, err := providers.ParseEntry(entry)
					if err != nil {
						return err
					}
					if err := repos.providers.Upsert(ctx, p); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "allowed %s -> %s\n", p.Name, p.Destination)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <host>...",
		Short: "Disable providers without deleting them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, *configFile, func(ctx context.Context, repos repositories) error {
				for _, name := range args {
					p, err := repos.providers.GetByName(ctx, providers.NormalizeName(name))
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					p.Enabled = false
					if err := repos.providers.Upsert(ctx, p); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", p.Name)
				}
				return nil
			})
		},
	})

	return cmd
}

func newUsageCommand(configFile *string) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show transform calls per provider from the call log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, *configFile, func(ctx context.Context, repos repositories) error {
				usage, err := repos.calls.CountSince(ctx, time.Now().Add(-since))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PROVIDER\tCALLS")
				for _, u := range usage {
					fmt.Fprintf(tw, "%s\t%d\n", u.Provider, u.Calls)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	return cmd
}

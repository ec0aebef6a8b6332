package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healconnect/healconnect/internal/config"
	"github.com/healconnect/healconnect/internal/domain/appointment"
	"github.com/healconnect/healconnect/internal/platform/db"
	"github.com/healconnect/healconnect/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healconnect-server",
		Short: "HealConnect appointment scheduling server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the appointment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

// openMigrator connects to DATABASE_URL regardless of STORE, since
// migrations only make sense against Postgres.
func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func slotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Print the daily time slots and per-slot capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			printSlots(cmd.OutOrStdout())
			return nil
		},
	}
}

func printSlots(w io.Writer) {
	slots := appointment.ListSlots()
	fmt.Fprintf(w, "%d time slots, capacity %d per slot\n", len(slots), appointment.CapacityPerSlot)
	fmt.Fprintln(w, strings.Join(slots, "\n"))
}

// Command migrate manages the fraudwatch report schema with goose.
//
// Usage:
//
//	migrate up                 # apply all pending migrations
//	migrate down               # roll back the last migration
//	migrate status             # list applied and pending migrations
//	migrate version            # print the current schema version
//	migrate redo               # roll back and re-apply the last migration
//	migrate up-to 1            # migrate up to a version
//	migrate down-to 0          # roll back to a version
//
// DATABASE_URL (or --database-url) selects the database; a .env file in the
// working directory is honoured.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

var (
	databaseURL   string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply fraudwatch database migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// gooseCommand maps a subcommand straight onto a goose command.
func gooseCommand(use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := cmd.Name()
			return run(cmd.Context(), name, args)
		},
	}
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "directory holding goose SQL migrations")

	rootCmd.AddCommand(
		gooseCommand("up", "Apply all pending migrations", cobra.NoArgs),
		gooseCommand("down", "Roll back the last migration", cobra.NoArgs),
		gooseCommand("status", "Show applied and pending migrations", cobra.NoArgs),
		gooseCommand("version", "Print the current schema version", cobra.NoArgs),
		gooseCommand("redo", "Roll back and re-apply the last migration", cobra.NoArgs),
		gooseCommand("up-to VERSION", "Migrate up to VERSION", cobra.ExactArgs(1)),
		gooseCommand("down-to VERSION", "Roll back to VERSION", cobra.ExactArgs(1)),
	)
}

func run(ctx context.Context, command string, args []string) error {
	if databaseURL == "" {
		return errors.New("DATABASE_URL or --database-url is required")
	}
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := retry.Storage.Do(ctx, db.PingContext); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	logger.Info("running migration", "command", command, "dir", migrationsDir)
	if err := goose.RunContext(ctx, command, db, migrationsDir, args...); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

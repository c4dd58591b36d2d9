// cmd/migrate applies the embedded PostgreSQL migrations for the postgres
// State Store and History Log backends.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
//	go run ./cmd/migrate --config configs/ledgerd.yaml
//	go run ./cmd/migrate --list
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/providerledger/internal/config"
	"github.com/jmerrifield20/providerledger/internal/migrate"
	"github.com/jmerrifield20/providerledger/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	list    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ledger's PostgreSQL migrations",
	Long: `migrate applies the embedded schema migrations for the postgres State
Store and History Log backends. The database URL comes from the config file
and is overridden by $DATABASE_URL. Applied migrations are skipped.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to ledgerd.yaml")
	rootCmd.Flags().BoolVar(&list, "list", false, "list migrations without applying them")
}

func run(cmd *cobra.Command, _ []string) error {
	if list {
		ms, err := migrate.List(migrations.FS)
		if err != nil {
			return err
		}
		for _, m := range ms {
			fmt.Fprintf(cmd.OutOrStdout(), "%4d  %s\n", m.Version, m.Name)
		}
		return nil
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(cfgFile)
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		return err
	}
	dbURL := cfg.Database.URL
	if env := os.Getenv("DATABASE_URL"); env != "" {
		dbURL = env
	}

	ctx := cmd.Context()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to database")

	applied, err := migrate.Apply(ctx, db, migrations.FS, logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		logger.Info("nothing to migrate, already up to date")
	} else {
		logger.Info("migrations applied", zap.Int("count", applied))
	}
	return nil
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/llm-execution-core/config"
	"github.com/upb/llm-execution-core/repositories/postgres"
	"go.uber.org/zap"
)

var errNoDatabase = errors.New("no database configured (set DATABASE_URL or DB_HOST)")

func newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the usage ledger schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runMigrate(cfg, logger, down)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")
	return cmd
}

func runMigrate(cfg *config.Config, logger *zap.Logger, down bool) error {
	if cfg.Database == nil {
		return errNoDatabase
	}

	db, err := postgres.NewDB(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if down {
		return postgres.MigrateDown(db, logger)
	}

	version, err := postgres.Migrate(db, logger)
	if err != nil {
		return err
	}
	fmt.Printf("ledger schema at version %d\n", version)
	return nil
}

package commands

import (
	"github.com/spf13/cobra"

	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/db"
	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/logger"
)

// MigrateCmd applies pending database migrations and exits
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

var (
	migrateConfigPath string
	migrateDBPath     string
)

func init() {
	MigrateCmd.Flags().StringVar(&migrateConfigPath, "config", "", "Path to TOML config file")
	MigrateCmd.Flags().StringVar(&migrateDBPath, "db-path", "", "Database path (overrides config)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	cfg, err := config.Load(migrateConfigPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	path := cfg.Database.Path
	if migrateDBPath != "" {
		path = migrateDBPath
	}

	database, err := db.Open(path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	log.Infow("Migrations applied", "db_path", path)
	return nil
}

package main

import (
	"circlesync/pkg/config"
	"circlesync/pkg/database"
	"circlesync/pkg/logger"
	"errors"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	for _, dir := range []struct{ name, short string }{
		{database.MigrateUp, "Apply all pending migrations"},
		{database.MigrateDown, "Roll back the latest migration"},
		{database.MigrateStatus, "Show applied and pending migrations"},
	} {
		direction := dir.name
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: dir.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				if cfg.Database.Driver != config.DriverPostgres {
					return errors.New("migrations need the postgres driver")
				}
				log := logger.New(cfg.Log, cfg.App.Name)

				db, err := database.Connect(cmd.Context(), cfg.Database)
				if err != nil {
					return err
				}
				defer db.Close()
				return database.Migrate(cmd.Context(), db, direction, log)
			},
		})
	}
	return cmd
}

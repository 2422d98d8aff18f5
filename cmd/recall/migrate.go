package main

import (
	"errors"
	"log"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/recall/config"
	"github.com/mohammad-safakhou/recall/internal/runtime"
	srv "github.com/mohammad-safakhou/recall/internal/server"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var cfgPath string

	var cmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			if err := srv.Migrate(migDir, dsn, direction, steps); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					log.Println("migrations: no change")
					return nil
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBSeedCatalogCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database if needed and migrate all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if cfg.Database.Driver == "mysql" {
				adminDB, err := db.ConnectAdmin(cfg.Database)
				if err != nil {
					return err
				}
				if err := db.CreateDatabase(adminDB, cfg.Database.Database); err != nil {
					return err
				}
				fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Database)
			}

			if _, err := connectDB(cfg); err != nil {
				return err
			}
			fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}
}

func newDBSeedCatalogCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed-catalog",
		Short: "Load products from a catalog JSON file into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Catalog.Path
			}
			products, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			gdb, err := connectDB(cfg)
			if err != nil {
				return err
			}
			n, err := db.SeedCatalog(gdb, products)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d products from %s\n", n, file)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog JSON file (defaults to catalog.path)")
	return cmd
}

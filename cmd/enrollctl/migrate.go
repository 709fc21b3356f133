package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cohortengine/migrations"
	"cohortengine/pkg/db"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		Long: `Apply the embedded SQL migrations in file name order.

Each file runs in its own transaction and is recorded in schema_migrations,
so running the command again only applies new files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, log, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer log.Sync()

			applied, err := db.Migrate(ctx, pool, migrations.FS, log)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

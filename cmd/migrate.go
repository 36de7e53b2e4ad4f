package cmd

import (
	"fmt"

	"field-access-control/internal/storage"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Move the database schema to --target. The default of -1 is the latest version; 0 rolls back everything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target, _ := cmd.Flags().GetInt("target")

		provider, err := storage.Open(ctx, &cfg.Storage)
		if err != nil {
			return err
		}
		defer provider.Close()

		before, err := provider.GetSchemaVersion(ctx)
		if err != nil {
			return err
		}
		if err := provider.Migrate(ctx, target); err != nil {
			return err
		}
		after, err := provider.GetSchemaVersion(ctx)
		if err != nil {
			return err
		}

		if before == after {
			fmt.Printf("Schema is at version %d, nothing to do\n", after)
			return nil
		}
		fmt.Printf("Schema migrated from version %d to %d\n", before, after)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("target", -1, "Schema version to migrate to")
	rootCmd.AddCommand(migrateCmd)
}

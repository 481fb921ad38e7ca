package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pg, err := requirePostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.InitSchema(ctx); err != nil {
			return err
		}
		goodColor.Println("schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

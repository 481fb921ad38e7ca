package main

import (
	"github.com/spf13/cobra"

	"github.com/bdougie/formcheck/internal/models"
)

var userProfile models.User

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Create or update a user profile",
	Example: `  formcheck user --id u42 --tier pro --training-age 3.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pg, err := requirePostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.UpsertUser(ctx, userProfile); err != nil {
			return err
		}
		goodColor.Printf("user %s saved (tier %s)\n", userProfile.ID, userProfile.Tier)
		return nil
	},
}

func init() {
	f := userCmd.Flags()
	f.StringVar(&userProfile.ID, "id", "", "user id")
	f.StringVar(&userProfile.Tier, "tier", "free", "subscription tier")
	f.Float64Var(&userProfile.TrainingAgeYears, "training-age", 0, "years of structured training")
	_ = userCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(userCmd)
}

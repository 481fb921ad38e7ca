package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bdougie/formcheck/internal/config"
	"github.com/bdougie/formcheck/internal/logging"
)

var (
	cfgFile string
	noColor bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "formcheck",
	Short: "Biomechanical movement analysis pipeline",
	Long: `formcheck scores exercise videos against reference standards, escalates
poor or premium results to a retrieval-backed deep analysis, and generates
corrective protocols.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.TimeFormat, cfg.Log.NoColor || noColor)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_FILE or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

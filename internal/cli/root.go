package cli

import (
	"github.com/spf13/cobra"

	"github.com/mgpai22/klip/internal/config"
	"github.com/mgpai22/klip/internal/logging"
)

var version = "dev"

var (
	verbose    bool
	configPath string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "klip",
	Short: "Cut, caption and tag short clips from online videos",
	Long: `Klip downloads just the part of an online video you ask for, trims it
to the exact time range, and returns it with a caption and hashtags.

Clips can optionally be transcribed and have their captions burned in.
Run it one-off from the command line, or as a service behind an HTTP API
or an inbox directory of request files.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		if verbose {
			logger = logging.NewLogger(true)
		} else {
			logger = logging.NewLevel(cfg.Logging.Level)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().
		BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "Config file (default ./klip.yaml when present)")
}

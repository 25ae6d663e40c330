package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/benderick/EOLO-WEB/internal/config"
	"github.com/benderick/EOLO-WEB/internal/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	configFlag    = "config"
	configDirFlag = "config-dir"
)

func init() {
	cobra.EnableTraverseRunHooks = true

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(expCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(healthCmd)

	rootCmd.PersistentFlags().
		String(configFlag, "", "one-time config JSON string (merged with existing config)")
	rootCmd.PersistentFlags().String(configDirFlag, "", "custom config directory")
	rootCmd.MarkPersistentFlagDirname(configDirFlag)
	rootCmd.MarkFlagsMutuallyExclusive(configFlag, configDirFlag)
}

var rootCmd = &cobra.Command{
	Use:   "eolo",
	Short: "Training experiment supervisor and GPU queue scheduler",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		conf, _ := cmd.Flags().GetString(configFlag)
		confDir, _ := cmd.Flags().GetString(configDirFlag)

		if confDir == "" {
			confDir = os.Getenv("EOLO_CONFIG_DIR")
		}

		if err := config.Init(config.InitArgs{
			Config:    conf,
			ConfigDir: confDir,
		}); err != nil {
			return fmt.Errorf("Failed to initialize config: %w", err)
		}

		logger.SetLevel(config.Get(config.LOG_LEVEL))

		return nil
	},
}

func Execute(ctx context.Context, version string) error {
	ctx = log.With().Str("context", "cmd").Logger().WithContext(ctx)

	rootCmd.Version = version
	rootCmd.SilenceUsage = true

	return rootCmd.ExecuteContext(ctx)
}

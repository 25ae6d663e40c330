package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for orphaned training processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		report := sup.ScanOrphans()
		return printJSON(report)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Force-stop every supervised and stray training process",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		if _, err := sup.Restore(); err != nil {
			return err
		}
		killed := sup.ForceCleanupAll()
		fmt.Printf("cleaned up %d processes\n", killed)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check supervisor, store and process consistency",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		return printJSON(sup.HealthCheck())
	},
}

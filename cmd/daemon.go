package cmd

import (
	"github.com/benderick/EOLO-WEB/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor daemon: recover state and schedule the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sup, err := openSupervisor()
		if err != nil {
			return err
		}

		report, err := sup.Restore()
		if err != nil {
			log.Error().Err(err).Msg("breadcrumb recovery failed")
		} else if report.Restored > 0 || report.Ended > 0 {
			log.Info().Int("restored", report.Restored).Int("ended", report.Ended).
				Msg("recovered previous experiments")
		}

		orphans := sup.ScanOrphans()
		if orphans.Found > 0 {
			log.Info().Int("found", orphans.Found).Int("restored", orphans.Restored).
				Int("cleaned", orphans.Cleaned).Msg("orphan scan complete")
		}

		sched := scheduler.New(sup.Store(), sup, nil)
		sched.Start(ctx)

		log.Info().Msg("daemon ready")
		<-ctx.Done()

		log.Info().Msg("shutting down, experiments keep running detached")
		sched.Stop()
		sup.Shutdown()
		return nil
	},
}

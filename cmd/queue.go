package cmd

import (
	"fmt"

	"github.com/benderick/EOLO-WEB/internal/scheduler"
	"github.com/spf13/cobra"
)

func init() {
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueStatusCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the GPU wait queue",
}

func openScheduler() (*scheduler.Scheduler, error) {
	sup, err := openSupervisor()
	if err != nil {
		return nil, err
	}
	return scheduler.New(sup.Store(), sup, nil), nil
}

var queueAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Place an experiment on the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		if err := sched.Enqueue(id); err != nil {
			return err
		}
		fmt.Printf("experiment %d queued\n", id)
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Take a queued experiment back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		if err := sched.Dequeue(id); err != nil {
			return err
		}
		fmt.Printf("experiment %d removed from queue\n", id)
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue grouped by device",
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		status, err := sched.Status()
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	expCmd.AddCommand(expCreateCmd)
	expCmd.AddCommand(expListCmd)
	expCmd.AddCommand(expStartCmd)
	expCmd.AddCommand(expStopCmd)
	expCmd.AddCommand(expStatusCmd)
	expCmd.AddCommand(expLogsCmd)
	expCmd.AddCommand(expResetCmd)
	expCmd.AddCommand(expDeleteCmd)
	expCmd.AddCommand(expPsCmd)

	expCreateCmd.Flags().String("name", "", "experiment name")
	expCreateCmd.Flags().String("user", "", "owner")
	expCreateCmd.Flags().String("description", "", "free-form description")
	expCreateCmd.Flags().String("task", "detect", "task type")
	expCreateCmd.Flags().String("models", "", "comma-separated model config paths")
	expCreateCmd.Flags().String("setting", "", "setting config")
	expCreateCmd.Flags().String("data", "", "dataset config")
	expCreateCmd.Flags().Int("epochs", 100, "training epochs")
	expCreateCmd.Flags().Int("batch", 16, "batch size")
	expCreateCmd.Flags().String("device", "auto", `device specifier ("auto", "cpu", "0", "[0,1]")`)
	expCreateCmd.Flags().String("scale", "n", "model scale")
	expCreateCmd.Flags().String("group", "", "logging group")
	expCreateCmd.Flags().String("project", "", "project name")
	expCreateCmd.MarkFlagRequired("name")
	expCreateCmd.MarkFlagRequired("data")

	expStartCmd.Flags().Bool("force", false, "skip the GPU availability gate")

	expLogsCmd.Flags().Int("offset", 0, "entries to skip")
	expLogsCmd.Flags().Int("limit", 0, "max entries (0 uses configured default)")

	expListCmd.Flags().String("status", "", "filter by status")
}

var expCmd = &cobra.Command{
	Use:     "exp",
	Short:   "Manage training experiments",
	Aliases: []string{"experiment"},
}

var expCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		exp := &store.Experiment{}
		exp.Name, _ = flags.GetString("name")
		exp.User, _ = flags.GetString("user")
		exp.Description, _ = flags.GetString("description")
		exp.TaskType, _ = flags.GetString("task")
		exp.ModelConfigs, _ = flags.GetString("models")
		exp.SettingConfig, _ = flags.GetString("setting")
		exp.Dataset, _ = flags.GetString("data")
		exp.Epochs, _ = flags.GetInt("epochs")
		exp.BatchSize, _ = flags.GetInt("batch")
		exp.Device, _ = flags.GetString("device")
		exp.Scale, _ = flags.GetString("scale")
		exp.Group, _ = flags.GetString("group")
		exp.ProjectName, _ = flags.GetString("project")
		exp.Status = store.StatusPending

		if err := st.Create(exp); err != nil {
			return err
		}
		fmt.Printf("created experiment %d\n%s\n", exp.ID, exp.Command)
		return nil
	},
}

var expListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")

		var exps []*store.Experiment
		if status != "" {
			exps, err = st.ListByStatus(status)
		} else {
			exps, err = st.List()
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUSER\tSTATUS\tDEVICE\tCREATED")
		for _, exp := range exps {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				exp.ID, exp.Name, exp.User, exp.Status, exp.Device,
				exp.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var expStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Launch an experiment's training process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		result, err := sup.StartExperiment(cmd.Context(), id, force)
		if err != nil {
			return err
		}
		if result.Queued {
			fmt.Printf("experiment %d queued: %s\n", id, result.Message)
			return nil
		}
		fmt.Printf("experiment %d running, pid %d\n", id, result.PID)
		return nil
	},
}

var expStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		// Reattach first so the stop can reach a process launched by a
		// previous supervisor instance.
		if _, err := sup.Restore(); err != nil {
			return err
		}
		if err := sup.StopExperiment(id, true); err != nil {
			return err
		}
		fmt.Printf("experiment %d stopped\n", id)
		return nil
	},
}

var expStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show an experiment's live status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		if _, err := sup.Restore(); err != nil {
			return err
		}
		status, err := sup.ExperimentStatus(id)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var expLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show an experiment's log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")

		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		logs, err := sup.Logs(id, offset, limit)
		if err != nil {
			return err
		}
		for _, entry := range logs {
			fmt.Printf("%s [%s] %s\n",
				entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)
		}
		return nil
	},
}

var expResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Reset a finished experiment back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		err = st.WithLock(id, func(exp *store.Experiment) error {
			if !exp.Terminal() {
				return fmt.Errorf("experiment %d is %s, only finished experiments can be reset", id, exp.Status)
			}
			exp.Reset()
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("experiment %d reset to pending\n", id)
		return nil
	},
}

var expDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an experiment and its logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseExperimentID(args[0])
		if err != nil {
			return err
		}
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		if err := sup.DeleteExperiment(id); err != nil {
			return err
		}
		fmt.Printf("experiment %d deleted\n", id)
		return nil
	},
}

var expPsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List currently running experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		sup, err := openSupervisor()
		if err != nil {
			return err
		}
		if _, err := sup.Restore(); err != nil {
			return err
		}
		running := sup.ListRunning()

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPID\tDEVICE\tRUNNING")
		for _, r := range running {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%.0fs\n",
				r.Experiment.ID, r.Experiment.Name, r.Status.PID,
				r.Experiment.Device, r.Status.RunningTime)
		}
		return w.Flush()
	},
}

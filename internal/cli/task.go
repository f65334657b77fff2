package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cellagent/cellagent/internal/config"
	"github.com/cellagent/cellagent/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and act on tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open and recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app, userID string) error {
			cellID, _ := cmd.Flags().GetString("cell")
			tasks, err := a.tasks.List(cmd.Context(), userID, cellID)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		})
	},
}

func taskActionCmd(use, short string, act func(a *app, cmd *cobra.Command, userID, id string) (*store.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app, userID string) error {
				t, err := act(a, cmd, userID, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok("Task", fmt.Sprintf("%s is %s", t.ID, t.Status)))
				return nil
			})
		},
	}
}

var taskApproveCmd = taskActionCmd("approve", "Approve an awaiting task and publish its draft",
	func(a *app, cmd *cobra.Command, userID, id string) (*store.Task, error) {
		return a.tasks.Approve(cmd.Context(), userID, id)
	})

var taskRejectCmd = taskActionCmd("reject", "Reject a task and cancel its draft",
	func(a *app, cmd *cobra.Command, userID, id string) (*store.Task, error) {
		return a.tasks.Reject(cmd.Context(), userID, id)
	})

var taskPauseCmd = taskActionCmd("pause", "Pause a task",
	func(a *app, cmd *cobra.Command, userID, id string) (*store.Task, error) {
		return a.tasks.Pause(cmd.Context(), userID, id)
	})

var taskResumeCmd = taskActionCmd("resume", "Resume a paused task",
	func(a *app, cmd *cobra.Command, userID, id string) (*store.Task, error) {
		return a.tasks.Resume(cmd.Context(), userID, id)
	})

var taskRunCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Execute a task now, outside its trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app, userID string) error {
			if _, err := a.tasks.Get(cmd.Context(), userID, args[0]); err != nil {
				return err
			}
			if err := a.scheduler.ProcessTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			t, err := a.tasks.Get(cmd.Context(), userID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok("Task", fmt.Sprintf("%s is %s", t.ID, t.Status)))
			return nil
		})
	},
}

func init() {
	taskCmd.PersistentFlags().String("user", defaultUser, "User id")
	taskListCmd.Flags().String("cell", "", "Only tasks of this cell")
	taskCmd.AddCommand(taskListCmd, taskApproveCmd, taskRejectCmd, taskPauseCmd, taskResumeCmd, taskRunCmd)
}

// withApp loads config, wires the app for one command and closes it after.
func withApp(cmd *cobra.Command, fn func(a *app, userID string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg)
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		userID = defaultUser
	}
	return fn(a, userID)
}

func printTasks(w io.Writer, tasks []store.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tEXECUTOR\tTRIGGER\tTITLE")
	for _, t := range tasks {
		trigger := t.TriggerType
		if trigger == "" {
			trigger = "none"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Executor, trigger, t.Title)
	}
	tw.Flush()
}

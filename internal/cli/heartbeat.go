package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cellagent/cellagent/internal/heartbeat"
	"github.com/cellagent/cellagent/internal/store"
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Manage and run a cell's heartbeat rules",
}

var heartbeatRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a cell's heartbeat rules once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cellID, _ := cmd.Flags().GetString("cell")
		ruleID, _ := cmd.Flags().GetString("rule")
		return withApp(cmd, func(a *app, userID string) error {
			if ruleID != "" {
				return a.heartbeat.RunRule(cmd.Context(), cellID, userID, ruleID)
			}
			return a.heartbeat.Run(cmd.Context(), cellID, userID)
		})
	},
}

var heartbeatShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a cell's heartbeat rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cellID, _ := cmd.Flags().GetString("cell")
		return withApp(cmd, func(a *app, userID string) error {
			cfg, err := heartbeat.LoadConfig(cmd.Context(), a.store, cellID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cfg.Rules) == 0 {
				fmt.Fprintln(out, "No heartbeat rules.")
				return nil
			}
			for _, r := range cfg.Rules {
				state := "on"
				if !r.IsEnabled() {
					state = "off"
				}
				fmt.Fprintf(out, "%-16s %-16s %-4s %d item(s)\n", r.ID, r.Cron, state, len(r.Checklist))
			}
			return nil
		})
	},
}

var heartbeatSetCmd = &cobra.Command{
	Use:   "set <file.yaml>",
	Short: "Replace a cell's heartbeat rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cellID, _ := cmd.Flags().GetString("cell")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := heartbeat.ParseConfig(string(data))
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app, userID string) error {
			if err := a.store.UpsertLayer(cmd.Context(), cellID, store.LayerHeartbeat, string(data)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok("Heartbeat", fmt.Sprintf("%d rule(s) saved for %s", len(cfg.Rules), cellID)))
			return nil
		})
	},
}

func init() {
	heartbeatCmd.PersistentFlags().String("cell", "", "Cell id")
	heartbeatCmd.PersistentFlags().String("user", defaultUser, "User id")
	heartbeatCmd.MarkPersistentFlagRequired("cell")
	heartbeatRunCmd.Flags().String("rule", "", "Run only this rule")
	heartbeatCmd.AddCommand(heartbeatRunCmd, heartbeatShowCmd, heartbeatSetCmd)
}

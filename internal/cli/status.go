package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cellagent/cellagent/internal/config"
	"github.com/cellagent/cellagent/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ cellagent version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 cellagent status")
		fmt.Fprintf(out, "Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, ok("Config", path))
			} else {
				fmt.Fprintln(out, fail("Config", path+" (using defaults)"))
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(out, fail("Config", err.Error()))
			return nil
		}
		if cfg.Providers.OpenAI.APIKey != "" {
			fmt.Fprintln(out, ok("API Key", "found"))
		} else {
			fmt.Fprintln(out, fail("API Key", "not set"))
		}

		if _, err := os.Stat(cfg.Paths.DBPath); err != nil {
			fmt.Fprintln(out, fail("Store", cfg.Paths.DBPath+" (not created yet)"))
		} else {
			st, err := store.Open(cfg.Paths.DBPath)
			if err != nil {
				fmt.Fprintln(out, fail("Store", err.Error()))
			} else {
				defer st.Close()
				cells, _ := st.ListCells(cmd.Context(), "", store.CellActive)
				open, _ := st.ListTasks(cmd.Context(), store.TaskFilter{Statuses: []string{
					store.TaskPending, store.TaskInProgress, store.TaskAwaitingUserAction,
				}})
				fmt.Fprintln(out, ok("Store", fmt.Sprintf("%s (%d active cells, %d open tasks)", cfg.Paths.DBPath, len(cells), len(open))))
			}
		}

		fmt.Fprintf(out, "Gateway:   %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
		fmt.Fprintf(out, "Scheduler: %v (tick %s)\n", cfg.Scheduler.Enabled, cfg.TickInterval())
		fmt.Fprintf(out, "Events:    %v\n", cfg.Events.Enabled)
		return nil
	},
}

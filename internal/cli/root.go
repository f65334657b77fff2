package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/cellagent/cellagent/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"            _ _                        _\n" +
		"   ___ ___| | | __ _  __ _  ___ _ __ | |_\n" +
		"  / __/ _ \\ | |/ _` |/ _` |/ _ \\ '_ \\| __|\n" +
		" | (_|  __/ | | (_| | (_| |  __/ | | | |_\n" +
		"  \\___\\___|_|_|\\__,_|\\__, |\\___|_| |_|\\__|\n" +
		"                     |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "cellagent",
	Short: "cellagent - personal autonomous agent",
	Long:  color.CyanString(logo) + "\nA personal agent that remembers by cell, schedules its own work and asks before it acts.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(skillsCmd)
}

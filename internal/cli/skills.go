package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cellagent/cellagent/internal/config"
	"github.com/cellagent/cellagent/internal/skills"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List bundled skills and whether they are enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out := cmd.OutOrStdout()
		printHeader(out, "🧩 Skills")
		for _, b := range skills.BundledCatalog {
			if cfg.Skills.Enabled(b.Name) {
				fmt.Fprintln(out, ok(b.Name, "enabled"))
				continue
			}
			reason := "disabled"
			if b.NeedsToken != "" {
				reason = "needs " + b.NeedsToken
			}
			fmt.Fprintln(out, fail(b.Name, color.HiBlackString(reason)))
		}
		if len(cfg.Skills.Disabled) > 0 {
			fmt.Fprintf(out, "\nDisabled by config: %s\n", strings.Join(cfg.Skills.Disabled, ", "))
		}
		return nil
	},
}

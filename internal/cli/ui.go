package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func ok(label, detail string) string {
	return fmt.Sprintf("%-10s %s %s", label+":", color.GreenString("✓"), detail)
}

func fail(label, detail string) string {
	return fmt.Sprintf("%-10s %s %s", label+":", color.RedString("✗"), detail)
}

package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cellagent/cellagent/internal/doctor"
)

var doctorFix bool
var doctorGenerateGatewayToken bool
var doctorKafka bool

// doctorProbe is swapped in tests.
var doctorProbe doctor.TopicProbe = doctor.KafkaTopicProbe

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := doctor.Run(cmd.Context(), doctor.Options{
			Fix:                  doctorFix,
			GenerateGatewayToken: doctorGenerateGatewayToken,
			ProbeKafka:           doctorKafka,
		}, doctorProbe)
		if err != nil {
			return err
		}

		failures := 0
		for _, check := range report.Checks {
			symbol := color.GreenString("PASS")
			switch check.Status {
			case doctor.Warn:
				symbol = color.YellowString("WARN")
			case doctor.Fail:
				symbol = color.RedString("FAIL")
				failures++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", symbol, check.Name, check.Message)
		}

		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Apply safe fixes (config file permissions)")
	doctorCmd.Flags().BoolVar(&doctorGenerateGatewayToken, "generate-gateway-token", false, "Generate and persist a new gateway auth token")
	doctorCmd.Flags().BoolVar(&doctorKafka, "kafka", false, "Dial the configured Kafka brokers and check topics")
	rootCmd.AddCommand(doctorCmd)
}

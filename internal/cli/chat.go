package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/config"
)

const defaultUser = "local"

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send one message to the agent and print the reply",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringP("message", "m", "", "Message to send")
	chatCmd.Flags().String("user", defaultUser, "User id")
	chatCmd.Flags().String("cell", "", "Cell id (default: most recently active cell)")
	chatCmd.MarkFlagRequired("message")
}

func runChat(cmd *cobra.Command, args []string) error {
	msg, _ := cmd.Flags().GetString("message")
	userID, _ := cmd.Flags().GetString("user")
	cellID, _ := cmd.Flags().GetString("cell")
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message is empty")
	}

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

	res, err := a.chat(cmd.Context(), userID, cellID, msg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Response)
	if len(res.ToolsUsed) > 0 {
		fmt.Fprintln(out, color.HiBlackString("tools: %s", strings.Join(res.ToolsUsed, ", ")))
	}
	fmt.Fprintln(out, color.HiBlackString("cell: %s  conversation: %s", res.CellID, res.ConversationID))
	return nil
}

// chat runs one chat signal with the indexer alive for the duration.
func (a *app) chat(ctx context.Context, userID, cellID, msg string) (*agent.Result, error) {
	ictx, cancel := context.WithCancel(ctx)
	go a.indexer.Run(ictx)
	defer func() {
		cancel()
		a.indexer.Stop()
	}()

	res, err := a.conductor.Run(ctx, agent.Signal{
		Kind:    agent.SignalChat,
		UserID:  userID,
		CellID:  cellID,
		Content: msg,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return res, nil
}

// chatline - terminal client for one-to-one realtime chat

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatline/cmd/chatline/internal"
	"github.com/tinyland-inc/chatline/cmd/chatline/internal/chat"
	"github.com/tinyland-inc/chatline/cmd/chatline/internal/history"
	"github.com/tinyland-inc/chatline/cmd/chatline/internal/version"
)

func NewChatlineCommand() *cobra.Command {
	short := fmt.Sprintf("%s chatline - realtime chat client v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "chatline",
		Short:        short,
		Example:      "chatline chat --peer bob",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", "", "Config file path (default: ~/.chatline/config.json)")

	cmd.AddCommand(
		chat.NewChatCommand(),
		history.NewHistoryCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChatlineCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

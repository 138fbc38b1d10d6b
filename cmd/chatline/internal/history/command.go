package history

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatline/cmd/chatline/internal"
	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/utils"
)

type loader interface {
	LoadHistory(ctx context.Context, userID, peerID string) ([]chat.Message, error)
}

func NewHistoryCommand() *cobra.Command {
	var (
		peer  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the history of a conversation",
		Args:  cobra.NoArgs,
		Example: `  chatline history --peer bob
  chatline history --peer bob --limit 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := internal.NewAPIClient(cfg)
			if err != nil {
				return err
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), client, cfg.User.ID, peer, limit)
		},
	}

	cmd.Flags().StringVarP(&peer, "peer", "p", "", "Peer user id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Only print the last n messages")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func printHistory(ctx context.Context, w io.Writer, l loader, userID, peerID string, limit int) error {
	if err := utils.ValidateID("peer", peerID); err != nil {
		return err
	}
	msgs, err := l.LoadHistory(ctx, userID, peerID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No messages with %s yet.\n", peerID)
		return nil
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for _, m := range msgs {
		fmt.Fprintln(w, internal.FormatMessage(m.Own(userID), internal.RelativeTime(m.CreatedAt)))
	}
	return nil
}

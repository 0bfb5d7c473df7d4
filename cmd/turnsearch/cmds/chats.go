package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsearch/pkg/config"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/render"
)

func NewChatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List recent chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			client, err := gateway.NewClient(s.Gateway())
			if err != nil {
				return err
			}
			chats, err := client.ListChats(cmd.Context(), s.ChatListLimit)
			if err != nil {
				return err
			}
			return render.New(cmd.OutOrStdout()).Chats(chats)
		},
	}
}

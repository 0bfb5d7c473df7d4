package cmds

import (
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsearch/pkg/config"
	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/render"
)

func NewQueryCommand() *cobra.Command {
	var (
		imagePath string
		source    string
		filters   []string
	)
	cmd := &cobra.Command{
		Use:   "query [TEXT]",
		Short: "Run a search, optionally narrow it with filters, and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			selected, err := parseFilters(filters)
			if err != nil {
				return err
			}
			q := conversation.Query{Source: source}
			if len(args) == 1 {
				q.Text = args[0]
			}
			if imagePath != "" {
				data, err := os.ReadFile(imagePath)
				if err != nil {
					return errors.Wrap(err, "read image")
				}
				q.Image = gateway.EncodeDataURL(http.DetectContentType(data), data)
			}

			client, err := gateway.NewClient(s.Gateway())
			if err != nil {
				return err
			}
			store := conversation.NewStore(client, s.StoreOptions())
			bot, err := store.SendQuery(cmd.Context(), q)
			if err != nil {
				return err
			}
			if len(selected) > 0 && bot != nil {
				if err := store.ApplyFilters(cmd.Context(), bot.ID, selected); err != nil {
					return err
				}
			}

			active, ok := store.Snapshot().ActiveBot()
			if !ok {
				active = bot
			}
			return render.New(cmd.OutOrStdout()).BotMessage(active)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "Image file to search with")
	cmd.Flags().StringVar(&source, "source", "", "Catalog source for this query")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Refinement as question_id=value (repeatable)")
	return cmd
}

func parseFilters(in []string) (map[string]string, error) {
	out := map[string]string{}
	for _, f := range in {
		k, v, ok := strings.Cut(f, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("invalid filter %q, want question_id=value", f)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

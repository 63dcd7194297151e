package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/chatpb"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		conversation string
		limit        int32
		offset       int32
		output       string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a page of a conversation's stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := bridge.New(nil, bridge.Options{Logger: root.logger})
			msgs, err := b.History(cmd.Context(), root.bridgeConfig(), bridge.HistoryQuery{
				ConversationID: conversation,
				Limit:          limit,
				Offset:         offset,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"messages": msgs})
			case "protojson":
				b, err := protojson.MarshalOptions{Multiline: true, UseProtoNames: true}.Marshal(chatpb.HistoryResponseToProto(msgs))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(b))
				return err
			case "table":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSENDER\tCREATED\tATTACHMENTS\tTEXT")
				for _, m := range msgs {
					created := "<unknown>"
					if m.CreatedAt > 0 {
						created = time.UnixMilli(m.CreatedAt).Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Sender, created, len(m.Attachments), oneLine(m.Text, 60))
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unknown output %q (want table, json or protojson)", output)
			}
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "default", "conversation id")
	cmd.Flags().Int32Var(&limit, "limit", bridge.DefaultHistoryLimit, "maximum messages to fetch")
	cmd.Flags().Int32Var(&offset, "offset", 0, "messages to skip")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table|json|protojson")
	return cmd
}

// oneLine flattens s and cuts it to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

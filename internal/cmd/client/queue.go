package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Inspect offline queues"}
	queueCmd.AddCommand(
		newQueueListCommand(baseURL),
		newQueueShowCommand(baseURL),
		newQueueClearCommand(baseURL),
	)
	return queueCmd
}

func newQueueListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues with their sync tag and pending count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Queues []struct {
					Name  string `json:"name"`
					Tag   string `json:"tag"`
					Count int    `json:"count"`
				} `json:"queues"`
			}
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodGet, "/queues", nil, &res); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tTAG\tPENDING")
			for _, q := range res.Queues {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", q.Name, q.Tag, q.Count)
			}
			return tw.Flush()
		},
	}
}

func newQueueShowCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show <queue>",
		Short: "Print every pending entry of a queue, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]any
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodGet, "/queues/"+url.PathEscape(args[0]), nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newQueueClearCommand(baseURL BaseURLFunc) *cobra.Command {
	clearCmd := &cobra.Command{
		Use:   "clear <queue>",
		Short: "Drop every pending entry of a queue (requires --confirm)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				return errors.New("refusing to clear without --confirm")
			}
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodDelete, "/queues/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		},
	}
	clearCmd.Flags().Bool("confirm", false, "Confirm dropping unsynced entries")
	return clearCmd
}

package client

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewSyncCommand constructs the `sync` command.
func NewSyncCommand(baseURL BaseURLFunc) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued submissions to the origin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			var res struct {
				Results []struct {
					Queue     string `json:"queue"`
					PassID    string `json:"passId"`
					Attempted int    `json:"attempted"`
					Synced    int    `json:"synced"`
					Failed    int    `json:"failed"`
					Remaining int    `json:"remaining"`
				} `json:"results"`
			}
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodPost, "/sync", map[string]string{"tag": tag}, &res); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tATTEMPTED\tSYNCED\tFAILED\tREMAINING")
			for _, r := range res.Results {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Queue, r.Attempted, r.Synced, r.Failed, r.Remaining)
			}
			return tw.Flush()
		},
	}
	syncCmd.Flags().String("tag", "", "Sync tag to replay (default: every queue)")
	return syncCmd
}

// NewConnectivityCommand constructs the `connectivity` command.
func NewConnectivityCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:       "connectivity [online|offline]",
		Short:     "Show or force the connectivity signal",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd.Context())
			var res struct {
				Online  bool `json:"online"`
				Changed bool `json:"changed"`
			}
			if len(args) == 0 {
				if _, err := callAdmin(ctx, baseURL, http.MethodGet, "/connectivity", nil, &res); err != nil {
					return err
				}
			} else {
				var online bool
				switch strings.ToLower(args[0]) {
				case "online":
					online = true
				case "offline":
				default:
					return fmt.Errorf("invalid state %q; use online|offline", args[0])
				}
				if _, err := callAdmin(ctx, baseURL, http.MethodPost, "/connectivity", map[string]bool{"online": online}, &res); err != nil {
					return err
				}
			}
			state := "offline"
			if res.Online {
				state = "online"
			}
			if len(args) > 0 && !res.Changed {
				state += " (unchanged)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

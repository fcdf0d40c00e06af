package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewPushCommand constructs the `push` command, which delivers a raw push
// payload to the worker as if it came from a push service.
func NewPushCommand(baseURL BaseURLFunc) *cobra.Command {
	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Deliver a push payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, _ := cmd.Flags().GetString("data")
			if data == "" {
				return errors.New("--data is required")
			}
			var res map[string]any
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodPost, "/push", []byte(data), &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	pushCmd.Flags().String("data", "", `Payload JSON, e.g. {"title":"t","body":"b","url":"/"}`)
	return pushCmd
}

// NewNotificationsCommand constructs the `notifications` command group.
func NewNotificationsCommand(baseURL BaseURLFunc) *cobra.Command {
	nCmd := &cobra.Command{Use: "notifications", Short: "Inspect shown notifications"}
	nCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res map[string]any
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodGet, "/notifications", nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}, &cobra.Command{
		Use:   "click <id>",
		Short: "Click a notification and print its target URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodGet, "/notifications/"+url.PathEscape(args[0])+"/click", nil, nil)
			if err != nil {
				return err
			}
			if loc := resp.Header.Get("Location"); loc != "" {
				fmt.Fprintln(cmd.OutOrStdout(), loc)
			}
			return nil
		},
	})
	return nCmd
}

// NewCacheCommand constructs the `cache` command group.
func NewCacheCommand(baseURL BaseURLFunc) *cobra.Command {
	cacheCmd := &cobra.Command{Use: "cache", Short: "Cache lifecycle operations"}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Fetch the app-shell manifest into the current generation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res map[string]any
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodPost, "/install", nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}, &cobra.Command{
		Use:   "activate",
		Short: "Delete every cache generation other than the current one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res map[string]any
			if _, err := callAdmin(cmdContext(cmd.Context()), baseURL, http.MethodPost, "/activate", nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})
	return cacheCmd
}

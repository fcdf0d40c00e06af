package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the docsync client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "docsync",
		Short: "docsync client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers every client command group on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewQueueCommand(baseURL),
		NewSyncCommand(baseURL),
		NewConnectivityCommand(baseURL),
		NewPushCommand(baseURL),
		NewNotificationsCommand(baseURL),
		NewCacheCommand(baseURL),
		NewHealthCommand(),
	)
}

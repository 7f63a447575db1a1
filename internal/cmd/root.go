package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for gatehouse.
// When invoked without a subcommand, it delegates to "serve".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "gatehouse",
		Short: "Gatehouse — a personal web gateway to a sandboxed coding agent",
		Long:  "Gatehouse serves a single-user chat UI, signs its owner in with Google, and relays the conversation to a Claude Code agent running inside a Docker sandbox.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("env-file", "e", "", "env file loaded before reading the environment")

	return root
}

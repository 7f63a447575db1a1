package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gatehouse-sh/gatehouse/internal/wizard"
	"github.com/gatehouse-sh/gatehouse/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard that writes the .env file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(cli.DefaultPrompter())
			if defaults {
				return w.Defaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output env file path (default: ./.env)")
	cmd.Flags().Bool("defaults", false, "generate non-interactively from GATEHOUSE_* variables and generated secrets")
	return cmd
}

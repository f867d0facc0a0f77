// Command dbmsgsrv runs the database message server and its companion tools.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:           "dbmsgsrv",
		Short:         "Durable write-behind queue in front of the monitoring databases",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}
	c.AddCommand(newServeCmd())
	c.AddCommand(newInspectCmd())
	c.AddCommand(newSendCmd())
	return c
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

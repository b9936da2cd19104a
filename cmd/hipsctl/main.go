// Command hipsctl inspects and edits the watchdog's persisted state.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hipsctl",
		Short:        "Operator tool for the hipswatch watchdog",
		SilenceUsage: true,
	}
	root.AddCommand(newStateCmd(), newTokenCmd())
	return root
}

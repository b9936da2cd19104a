package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hipswatch/internal/config"
	"hipswatch/internal/state"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or edit tracked addresses",
	}
	cmd.AddCommand(newStateListCmd(), newStateResetCmd())
	return cmd
}

func newStateListCmd() *cobra.Command {
	var (
		asJSON bool
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked addresses and their mitigation status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadTool()
			if err != nil {
				return err
			}
			snap, err := state.ReadSnapshot(cfg.StateFile)
			if err != nil {
				return err
			}

			var entries []state.AddressState
			for _, st := range snap.Addresses {
				if status != "" && string(st.Status) != status {
					continue
				}
				entries = append(entries, st)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tSTATUS\tFLOWS\tLAST UPDATE")
			for _, st := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Address, st.Status, strings.Join(st.FlowIDs, ","), st.LastUpdate.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&status, "status", "", "only show addresses with this status")
	return cmd
}

func newStateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <address>...",
		Short: "Forget addresses so they are mitigated again when next reported",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadTool()
			if err != nil {
				return err
			}
			store := state.OpenFileStore(cfg.StateFile)
			for _, addr := range args {
				if err := store.Reset(addr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", addr)
			}
			return nil
		},
	}
}

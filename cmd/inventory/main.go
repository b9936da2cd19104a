// Command hipswatch-inventory is the dynamic inventory handed to the
// mitigation executor. It lists every tracked address that is not yet
// mitigated, grouped by policy.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hipswatch/internal/config"
	"hipswatch/internal/policy"
	"hipswatch/internal/state"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		list bool
		host string
	)
	cmd := &cobra.Command{
		Use:          "hipswatch-inventory",
		Short:        "Dynamic inventory of addresses awaiting mitigation",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if host != "" {
				// All host variables are carried in _meta.
				return writeJSON(out, map[string]any{})
			}
			if !list {
				return errors.New("one of --list or --host is required")
			}

			cfg, err := config.LoadTool()
			if err != nil {
				return err
			}
			inv, err := buildInventory(cfg)
			if err != nil {
				return err
			}
			return writeJSON(out, inv)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the full inventory")
	cmd.Flags().StringVar(&host, "host", "", "print variables for one host")
	return cmd
}

func buildInventory(cfg *config.Tool) (state.Inventory, error) {
	engine, err := policy.LoadFile(cfg.PolicyFile, cfg.InventoryGroup)
	if err != nil {
		return nil, err
	}
	snap, err := state.ReadSnapshot(cfg.StateFile)
	if err != nil {
		// An unreadable state means nothing to mitigate yet.
		slog.Warn("state file unreadable, inventory is empty", "path", cfg.StateFile, "err", err)
		snap = state.Snapshot{}
	}
	return state.BuildInventory(snap, cfg.SSHUser, policy.GroupFunc(engine)), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	return nil
}

package main

import (
	"encoding/hex"
	"os"

	"github.com/chazu/indy/vm/wire"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	var instructions bool
	cmd := &cobra.Command{
		Use:          "snapshot <file>",
		Short:        "Summarize a CBOR linker snapshot written by demo --snapshot",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			snap, err := wire.Unmarshal(data)
			if err != nil {
				return err
			}
			digest, err := wire.Digest(snap)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			if instructions {
				items := make([]map[string]any, len(snap.Instructions))
				for i, rec := range snap.Instructions {
					items[i] = map[string]any{
						"caller":      rec.Caller,
						"name":        rec.Name,
						"descriptor":  rec.Type.Descriptor(),
						"state":       rec.State,
						"site":        rec.SiteKind,
						"invocations": rec.Invocations,
					}
				}
				return p.list(items)
			}
			return p.record(map[string]any{
				"version":      snap.Version,
				"size":         humanize.Bytes(uint64(len(data))),
				"types":        len(snap.Types),
				"instructions": len(snap.Instructions),
				"linked":       snap.Stats.Linked,
				"failed":       snap.Stats.Failed,
				"digest":       hex.EncodeToString(digest[:]),
			})
		},
	}
	cmd.Flags().BoolVar(&instructions, "instructions", false, "list the recorded instructions")
	return cmd
}

package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/chazu/indy/server"
	"github.com/chazu/indy/vm/wire"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

func newRemoteCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "remote <stats|instructions|link|describe|sweep|snapshot|journal> [arg]",
		Short: "Query a running indy serve process",
		Args:  cobra.RangeArgs(1, 2),
		ValidArgs: []string{
			"stats", "instructions", "link", "describe", "sweep", "snapshot", "journal",
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.manifest.Server.Address
			}
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()

			var arg string
			if len(args) > 1 {
				arg = args[1]
			}
			return runRemote(cmd.Context(), newPrinter(cmd.OutOrStdout()), server.NewClient(conn), args[0], arg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from manifest)")
	return cmd
}

func runRemote(ctx context.Context, p *printer, c *server.Client, op, arg string) error {
	switch op {
	case "stats":
		out, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		return p.record(out.AsMap())
	case "instructions":
		out, err := c.ListInstructions(ctx, arg)
		if err != nil {
			return err
		}
		return p.list(structList(out))
	case "link":
		out, err := c.Link(ctx, arg)
		if err != nil {
			return err
		}
		return p.record(out.AsMap())
	case "describe":
		out, err := c.Describe(ctx, arg)
		if err != nil {
			return err
		}
		return p.record(out.AsMap())
	case "sweep":
		out, err := c.Sweep(ctx)
		if err != nil {
			return err
		}
		return p.record(out.AsMap())
	case "snapshot":
		data, err := c.Snapshot(ctx)
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
		return p.record(map[string]any{
			"types":        len(snap.Types),
			"instructions": len(snap.Instructions),
			"digest":       hex.EncodeToString(digest[:]),
		})
	case "journal":
		out, err := c.Journal(ctx, arg)
		if err != nil {
			return err
		}
		return p.list(structList(out))
	}
	return fmt.Errorf("unknown remote operation %q", op)
}

func structList(l *structpb.ListValue) []map[string]any {
	items := make([]map[string]any, 0, len(l.GetValues()))
	for _, v := range l.GetValues() {
		if s := v.GetStructValue(); s != nil {
			items = append(items, s.AsMap())
		}
	}
	return items
}

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/indy/journal"
	"github.com/chazu/indy/manifest"
	"github.com/chazu/indy/server"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("indy.cli")

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the inspection service over gRPC",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.manifest.Server.Address
			}

			v, err := a.newVM()
			if err != nil {
				return err
			}
			defer v.Close()

			var opts []server.ServerOption
			if path := a.manifest.JournalPath(); path != "" {
				j, err := journal.Open(path)
				if err != nil {
					return err
				}
				defer j.Close()
				if retain := a.manifest.Journal.Retain.Duration; retain > 0 {
					if _, err := j.Prune(cmd.Context(), time.Now().Add(-retain)); err != nil {
						return err
					}
				}
				v.Linker.AddObserver(j)
				opts = append(opts, server.WithJournal(j))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(v, opts...)
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(addr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				log.Info("shutting down")
				srv.Stop()
				return <-errc
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from manifest, then "+manifest.DefaultAddress+")")
	return cmd
}

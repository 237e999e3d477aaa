package main

import (
	"time"

	"github.com/chazu/indy/journal"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type journalOptions struct {
	path      string
	caller    string
	outcome   string
	limit     int
	olderThan time.Duration
	count     bool
}

func newJournalCmd(a *app) *cobra.Command {
	o := &journalOptions{}
	cmd := &cobra.Command{
		Use:          "journal",
		Short:        "Query or prune the link event journal",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, a, o)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.path, "path", "", "journal database (default from manifest)")
	flags.StringVar(&o.caller, "caller", "", "only events linked for this caller class")
	flags.StringVar(&o.outcome, "outcome", "", "only events with this outcome (linked, failed, discarded)")
	flags.IntVar(&o.limit, "limit", 50, "maximum number of events to list")
	flags.DurationVar(&o.olderThan, "prune", 0, "delete events older than this instead of listing")
	flags.BoolVar(&o.count, "count", false, "print the number of matching events only")
	return cmd
}

func runJournal(cmd *cobra.Command, a *app, o *journalOptions) error {
	path := o.path
	if path == "" {
		path = a.manifest.JournalPath()
	}
	if path == "" {
		return errors.New("no journal: pass --path or set [journal] path in the manifest")
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	p := newPrinter(cmd.OutOrStdout())

	if o.olderThan > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-o.olderThan))
		if err != nil {
			return err
		}
		return p.record(map[string]any{"pruned": n})
	}

	filter := journal.Filter{Caller: o.caller, Outcome: o.outcome, Limit: o.limit}
	if o.count {
		n, err := j.Count(ctx, filter)
		if err != nil {
			return err
		}
		return p.record(map[string]any{"count": n})
	}

	entries, err := j.Query(ctx, filter)
	if err != nil {
		return err
	}
	items := make([]map[string]any, len(entries))
	for i, e := range entries {
		fields := map[string]any{
			"seq":         e.Seq,
			"instruction": e.Instruction.String(),
			"caller":      e.Caller,
			"name":        e.Name,
			"descriptor":  e.Descriptor,
			"outcome":     e.Outcome,
			"duration":    e.Duration.String(),
		}
		if p.term {
			fields["time"] = humanize.Time(e.Time)
		} else {
			fields["time"] = e.Time.UTC().Format(time.RFC3339Nano)
		}
		if e.SiteKind != "" {
			fields["site"] = e.SiteKind
		}
		if e.Error != "" {
			fields["error"] = e.Error
		}
		items[i] = fields
	}
	return p.list(items)
}

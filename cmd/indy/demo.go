package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/chazu/indy/journal"
	"github.com/chazu/indy/vm"
	"github.com/chazu/indy/vm/wire"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	classes  int
	sites    int
	calls    int
	journal  string
	snapshot string
}

func newDemoCmd(a *app) *cobra.Command {
	o := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Link and drive inline-cache call sites over a family of classes",
		Long: `Define a base class with several subclasses, link call sites through the
inline-cache bootstrap and send calls whose receivers grow more varied from
one site to the next, so that sites end up monomorphic, polymorphic and
megamorphic. Prints the linker statistics and the snapshot digest.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, a, o)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&o.classes, "classes", vm.MaxPICEntries+2, "number of receiver classes")
	flags.IntVar(&o.sites, "sites", 4, "number of call sites")
	flags.IntVar(&o.calls, "calls", 1000, "number of calls to send")
	flags.StringVar(&o.journal, "journal", "", "record link events in this database (default from manifest)")
	flags.StringVar(&o.snapshot, "snapshot", "", "write the CBOR snapshot to this file")
	return cmd
}

func runDemo(cmd *cobra.Command, a *app, o *demoOptions) error {
	if o.classes < 1 || o.sites < 1 || o.calls < 0 {
		return errors.New("--classes and --sites must be positive, --calls non-negative")
	}
	ctx := cmd.Context()

	v, err := a.newVM()
	if err != nil {
		return err
	}
	defer v.Close()

	path := o.journal
	if path == "" {
		path = a.manifest.JournalPath()
	}
	var j *journal.Journal
	if path != "" {
		if j, err = journal.Open(path); err != nil {
			return err
		}
		defer j.Close()
		v.Linker.AddObserver(j)
	}

	tt := v.Types
	base, err := tt.DefineClass("demo.Shape", nil)
	if err != nil {
		return err
	}
	nameSig := tt.MustMethodType(tt.StringClass)
	classes := make([]*vm.Type, o.classes)
	for i := range classes {
		c, err := tt.DefineClass(fmt.Sprintf("demo.Shape%d", i), base)
		if err != nil {
			return err
		}
		name := c.Name()
		err = c.AddMethod(&vm.Method{Name: "name", Type: nameSig, Impl: func([]vm.Value) (vm.Value, error) {
			return name, nil
		}})
		if err != nil {
			return err
		}
		classes[i] = c
	}

	caller, err := tt.DefineClass("demo.Main", nil)
	if err != nil {
		return err
	}
	siteSig := tt.MustMethodType(tt.StringClass, base)
	instrs := make([]*vm.CallInstruction, o.sites)
	for i := range instrs {
		if instrs[i], err = v.Linker.NewInstruction(caller, "name", siteSig, tt.InlineCacheBootstrap(), vm.NoArgs()); err != nil {
			return err
		}
	}
	if err := v.Linker.LinkAll(ctx, instrs...); err != nil {
		return err
	}

	// Site k sees k+1 receiver classes.
	receivers := make([]vm.Value, len(classes))
	for i, c := range classes {
		receivers[i] = vm.NewObject(c)
	}
	for i := 0; i < o.calls; i++ {
		k := i % o.sites
		spread := min(k+1, len(receivers))
		if _, err := v.Linker.Invoke(instrs[k], receivers[(i/o.sites)%spread]); err != nil {
			return errors.Wrapf(err, "call %d", i)
		}
	}

	snap := wire.Capture(v.Linker)
	digest, err := wire.Digest(snap)
	if err != nil {
		return err
	}
	if o.snapshot != "" {
		data, err := wire.Marshal(snap)
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.snapshot, data, 0644); err != nil {
			return errors.Wrap(err, "writing snapshot")
		}
	}

	stats := v.Linker.Stats()
	ic := stats.InlineCaches
	fields := map[string]any{
		"instructions": stats.Instructions,
		"linked":       stats.Linked,
		"calls":        o.calls,
		"monomorphic":  ic.Monomorphic,
		"polymorphic":  ic.Polymorphic,
		"megamorphic":  ic.Megamorphic,
		"hits":         ic.TotalHits,
		"misses":       ic.TotalMisses,
		"hitRate":      fmt.Sprintf("%.1f%%", ic.HitRate),
		"digest":       hex.EncodeToString(digest[:]),
	}
	if j != nil {
		if err := j.Flush(ctx); err != nil {
			return err
		}
		fields["journal"] = j.Path()
		fields["journaled"] = j.Written()
	}
	return newPrinter(cmd.OutOrStdout()).record(fields)
}

// Command indy inspects and exercises the call-site linkage runtime.
package main

import (
	"os"
	"sync"

	"github.com/chazu/indy/manifest"
	"github.com/chazu/indy/vm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand.
type app struct {
	configDir string
	verbosity int
	logFile   string

	manifest *manifest.Manifest
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "indy [subcommand]",
		Short:        "indy links dynamic call sites through bootstrap methods",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configDir, "config", "C", ".", "directory to search for indy.toml or indy.yaml")
	flags.CountVarP(&a.verbosity, "verbose", "v", "increase log verbosity")
	flags.StringVar(&a.logFile, "log-file", "", "write logs to this file instead of stderr")

	root.AddCommand(
		newDescribeCmd(a),
		newDemangleCmd(),
		newDemoCmd(a),
		newServeCmd(a),
		newJournalCmd(a),
		newSnapshotCmd(),
		newRemoteCmd(a),
	)
	return root
}

// setup loads the manifest and configures logging.
func (a *app) setup() error {
	m, err := manifest.FindAndLoad(a.configDir)
	if err != nil {
		return err
	}
	if m == nil {
		m = &manifest.Manifest{Server: manifest.Server{Address: manifest.DefaultAddress}}
	}
	a.manifest = m

	verbosity := a.verbosity
	if verbosity == 0 {
		verbosity = m.Runtime.Verbosity
	}
	path := a.logFile
	if path == "" && m.Runtime.LogFile != "" {
		path = m.Runtime.LogFile
	}
	configureLogging(verbosity, path)
	return nil
}

var logOnce sync.Once

// configureLogging installs the log backend. Only the first call in a
// process takes effect, since loggers may already be in use by then.
func configureLogging(verbosity int, path string) {
	logOnce.Do(func() {
		if path == "" {
			commonlog.Configure(verbosity, nil)
		} else {
			commonlog.Configure(verbosity, &path)
		}
	})
}

// newVM builds a VM configured by the manifest, with its declared types.
func (a *app) newVM() (*vm.VM, error) {
	v := vm.NewVM(a.manifest.VMOptions()...)
	if _, err := a.manifest.DeclareTypes(v.Types); err != nil {
		v.Close()
		return nil, errors.Wrap(err, "declaring manifest types")
	}
	return v, nil
}

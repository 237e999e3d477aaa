package main

import (
	"strings"

	"github.com/chazu/indy/vm"
	"github.com/spf13/cobra"
)

func newDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <descriptor>...",
		Short: "Parse method type descriptors and show their derived forms",
		Long: `Parse each descriptor, such as "(int,lang.String)lang.Object", against the
core types plus any types the manifest declares, and print the signature with
its erased, generic, wrapped and unwrapped forms.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.newVM()
			if err != nil {
				return err
			}
			defer v.Close()

			var items []map[string]any
			for _, desc := range args {
				sig, err := v.Types.ParseDescriptor(desc)
				if err != nil {
					return err
				}
				items = append(items, describeSignature(sig))
			}
			return newPrinter(cmd.OutOrStdout()).list(items)
		},
	}
}

func describeSignature(sig *vm.Signature) map[string]any {
	params := make([]string, sig.ParameterCount())
	for i, p := range sig.Parameters() {
		params[i] = p.Name()
	}
	return map[string]any{
		"descriptor": sig.Descriptor(),
		"return":     sig.ReturnType().Name(),
		"parameters": strings.Join(params, ", "),
		"erased":     sig.Erase().Descriptor(),
		"generic":    sig.Generic().Descriptor(),
		"wrapped":    sig.Wrap().Descriptor(),
		"unwrapped":  sig.Unwrap().Descriptor(),
	}
}

func newDemangleCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "demangle <name>...",
		Short:        "Split mangled call-site names into their components",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []map[string]any
			for _, name := range args {
				items = append(items, map[string]any{
					"name":  name,
					"parts": vm.DemangleName(name),
				})
			}
			return newPrinter(cmd.OutOrStdout()).list(items)
		},
	}
}

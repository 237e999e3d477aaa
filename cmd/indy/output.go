package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"gopkg.in/yaml.v3"
)

// printer writes aligned, colored text to a terminal and YAML otherwise.
type printer struct {
	w    io.Writer
	term bool
	out  *termenv.Output
}

func newPrinter(w io.Writer) *printer {
	term := false
	if f, ok := w.(*os.File); ok {
		term = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{w: w, term: term, out: termenv.NewOutput(w)}
}

// record prints one set of fields.
func (p *printer) record(fields map[string]any) error {
	if !p.term {
		return p.yaml(fields)
	}
	return p.table(fields)
}

// list prints a sequence of records.
func (p *printer) list(items []map[string]any) error {
	if !p.term {
		if items == nil {
			items = []map[string]any{}
		}
		return p.yaml(items)
	}
	for i, item := range items {
		if i > 0 {
			fmt.Fprintln(p.w)
		}
		if err := p.table(item); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) yaml(v any) error {
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (p *printer) table(fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", p.out.String(k).Faint(), p.value(k, fields[k]))
	}
	return tw.Flush()
}

func (p *printer) value(key string, v any) string {
	s := fmt.Sprint(v)
	switch key {
	case "outcome", "state":
		switch s {
		case "linked":
			return p.out.String(s).Foreground(p.out.Color("2")).String()
		case "failed":
			return p.out.String(s).Foreground(p.out.Color("1")).String()
		case "discarded", "unlinked":
			return p.out.String(s).Foreground(p.out.Color("3")).String()
		}
	case "error":
		return p.out.String(s).Foreground(p.out.Color("1")).String()
	}
	return s
}

package vm

import "strings"

// DemangleName splits an invocation name into its components. Components
// are separated by ':'. A colon next to an empty component is ordinary
// text, so "a::b", ":a" and "a:" are each a single component.
func DemangleName(name string) []string {
	parts := strings.Split(name, ":")
	out := []string{parts[0]}
	for i := 1; i < len(parts); i++ {
		if parts[i-1] != "" && parts[i] != "" {
			out = append(out, parts[i])
			continue
		}
		out[len(out)-1] += ":" + parts[i]
	}
	return out
}

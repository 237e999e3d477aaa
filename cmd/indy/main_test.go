package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/indy/server"
	"github.com/chazu/indy/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// run executes the CLI with args in an empty config directory unless
// args choose one.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"-C", t.TempDir()}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func decodeList(t *testing.T, out string) []map[string]any {
	t.Helper()
	var items []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &items), out)
	return items
}

func decodeRecord(t *testing.T, out string) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &rec), out)
	return rec
}

func TestDescribe(t *testing.T) {
	out, err := run(t, "describe", "(int,lang.String)lang.Integer", "()void")
	require.NoError(t, err)

	items := decodeList(t, out)
	require.Len(t, items, 2)
	assert.Equal(t, "(int,lang.String)lang.Integer", items[0]["descriptor"])
	assert.Equal(t, "int, lang.String", items[0]["parameters"])
	assert.Equal(t, "(int,lang.Object)lang.Object", items[0]["erased"])
	assert.Equal(t, "(lang.Object,lang.Object)lang.Object", items[0]["generic"])
	assert.Equal(t, "()void", items[1]["descriptor"])

	_, err = run(t, "describe", "(app.Missing)void")
	assert.Error(t, err)
	_, err = run(t, "describe")
	assert.Error(t, err)
}

func TestDescribeManifestTypes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "indy.toml"), []byte(`
[[types]]
name = "geo.Point"
`), 0644))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"-C", dir, "describe", "(geo.Point)void"})
	require.NoError(t, root.ExecuteContext(t.Context()))

	items := decodeList(t, out.String())
	require.Len(t, items, 1)
	assert.Equal(t, "(lang.Object)void", items[0]["erased"])
}

func TestDemangle(t *testing.T) {
	out, err := run(t, "demangle", "get:name", "plain")
	require.NoError(t, err)
	items := decodeList(t, out)
	require.Len(t, items, 2)
	assert.Equal(t, []any{"get", "name"}, items[0]["parts"])
	assert.Equal(t, []any{"plain"}, items[1]["parts"])
}

// TestDemoSnapshotJournal runs demo with a journal and a snapshot file,
// then reads both back through the snapshot and journal commands.
func TestDemoSnapshotJournal(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "demo.cbor")
	journalPath := filepath.Join(dir, "journal.db")

	out, err := run(t, "demo", "--classes", "8", "--sites", "8", "--calls", "800",
		"--snapshot", snapPath, "--journal", journalPath)
	require.NoError(t, err)
	demo := decodeRecord(t, out)
	assert.Equal(t, 8, demo["instructions"])
	assert.Equal(t, 8, demo["linked"])
	assert.Equal(t, 1, demo["monomorphic"])
	assert.Equal(t, vm.MaxPICEntries-1, demo["polymorphic"])
	assert.Equal(t, 8-vm.MaxPICEntries, demo["megamorphic"])
	assert.Equal(t, 8, demo["journaled"])

	out, err = run(t, "snapshot", snapPath)
	require.NoError(t, err)
	snap := decodeRecord(t, out)
	assert.Equal(t, demo["digest"], snap["digest"])
	assert.Equal(t, 8, snap["instructions"])

	out, err = run(t, "snapshot", "--instructions", snapPath)
	require.NoError(t, err)
	instrs := decodeList(t, out)
	require.Len(t, instrs, 8)
	for _, rec := range instrs {
		assert.Equal(t, "inline-cache", rec["site"])
		assert.Equal(t, 100, rec["invocations"])
	}

	out, err = run(t, "journal", "--path", journalPath, "--count", "--outcome", "linked")
	require.NoError(t, err)
	assert.Equal(t, 8, decodeRecord(t, out)["count"])

	out, err = run(t, "journal", "--path", journalPath, "--limit", "3")
	require.NoError(t, err)
	entries := decodeList(t, out)
	require.Len(t, entries, 3)
	assert.Equal(t, "demo.Main", entries[0]["caller"])
	assert.Equal(t, "(demo.Shape)lang.String", entries[0]["descriptor"])

	out, err = run(t, "journal", "--path", journalPath, "--prune", "1ns")
	require.NoError(t, err)
	assert.Equal(t, 8, decodeRecord(t, out)["pruned"])
}

func TestDemoBadFlags(t *testing.T) {
	_, err := run(t, "demo", "--sites", "0")
	assert.Error(t, err)
	_, err = run(t, "demo", "extra")
	assert.Error(t, err)
}

func TestConfigureLoggingOnce(t *testing.T) {
	configureLogging(0, "")
	path := filepath.Join(t.TempDir(), "indy.log")
	_, err := run(t, "--log-file", path, "-v", "demangle", "a:b")
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestJournalWithoutPath(t *testing.T) {
	_, err := run(t, "journal")
	assert.ErrorContains(t, err, "no journal")
}

func TestSnapshotBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cbor")
	require.NoError(t, os.WriteFile(path, []byte("not cbor"), 0644))
	_, err := run(t, "snapshot", path)
	assert.Error(t, err)
	_, err = run(t, "snapshot", filepath.Join(t.TempDir(), "missing.cbor"))
	assert.Error(t, err)
}

// TestRemote configures logging before starting the in-process server so
// CLI runs never reconfigure the backend under a serving goroutine.
func TestRemote(t *testing.T) {
	configureLogging(0, "")
	v := vm.NewVM()
	defer v.Close()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.New(v)
	go srv.Serve(lis)
	defer srv.Stop()
	addr := lis.Addr().String()

	out, err := run(t, "remote", "--addr", addr, "stats")
	require.NoError(t, err)
	assert.EqualValues(t, 0, decodeRecord(t, out)["instructions"])

	out, err = run(t, "remote", "--addr", addr, "describe", "(int)void")
	require.NoError(t, err)
	assert.Equal(t, "(lang.Integer)void", decodeRecord(t, out)["wrapped"])

	out, err = run(t, "remote", "--addr", addr, "instructions")
	require.NoError(t, err)
	assert.Empty(t, decodeList(t, out))

	out, err = run(t, "remote", "--addr", addr, "snapshot")
	require.NoError(t, err)
	assert.Equal(t, 0, decodeRecord(t, out)["instructions"])

	_, err = run(t, "remote", "--addr", addr, "journal")
	assert.Error(t, err)
	_, err = run(t, "remote", "--addr", addr, "bogus")
	assert.ErrorContains(t, err, "unknown remote operation")
}

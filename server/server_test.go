package server

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/indy/journal"
	"github.com/chazu/indy/vm"
	"github.com/chazu/indy/vm/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// startServer serves v over an in-memory listener and returns a client.
func startServer(t *testing.T, v *vm.VM, opts ...ServerOption) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(v, opts...)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "error: %v", err)
}

// fixture creates a VM with one linkable and one broken instruction.
func fixture(t *testing.T) (v *vm.VM, good, bad *vm.CallInstruction) {
	t.Helper()
	v = vm.NewVM()
	t.Cleanup(v.Close)
	tt := v.Types
	caller, err := tt.DefineClass("app.Main", nil)
	require.NoError(t, err)
	sig := tt.MustMethodType(tt.StringClass)

	ok := tt.NewBootstrap("ok", func(_ *vm.Lookup, name string, sig *vm.Signature, _ vm.BootstrapArgs) (vm.CallSite, error) {
		h, err := vm.Constant(sig.ReturnType(), name)
		if err != nil {
			return nil, err
		}
		return vm.NewConstantCallSite(h)
	})
	broken := tt.NewBootstrap("broken", func(*vm.Lookup, string, *vm.Signature, vm.BootstrapArgs) (vm.CallSite, error) {
		return nil, errors.New("nothing to link")
	})
	good, err = v.Linker.NewInstruction(caller, "greet", sig, ok, vm.NoArgs())
	require.NoError(t, err)
	bad, err = v.Linker.NewInstruction(caller, "fail", sig, broken, vm.NoArgs())
	require.NoError(t, err)
	return v, good, bad
}

func TestStatsAndLink(t *testing.T) {
	v, good, bad := fixture(t)
	c := startServer(t, v)
	ctx := t.Context()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, stats.Fields["instructions"].GetNumberValue())
	assert.Equal(t, 2.0, stats.Fields["unlinked"].GetNumberValue())

	linked, err := c.Link(ctx, good.ID().String())
	require.NoError(t, err)
	assert.Equal(t, "linked", linked.Fields["state"].GetStringValue())
	assert.Equal(t, "constant", linked.Fields["site"].GetStringValue())
	assert.Equal(t, "ok", linked.Fields["bootstrap"].GetStringValue())

	_, err = c.Link(ctx, bad.ID().String())
	requireCode(t, err, codes.Aborted)
	assert.Contains(t, status.Convert(err).Message(), "nothing to link")

	_, err = c.Link(ctx, "not-a-uuid")
	requireCode(t, err, codes.InvalidArgument)
	_, err = c.Link(ctx, uuid.NewString())
	requireCode(t, err, codes.NotFound)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats.Fields["linked"].GetNumberValue())
	assert.Equal(t, 1.0, stats.Fields["failed"].GetNumberValue())
	assert.NotNil(t, stats.Fields["inlineCaches"].GetStructValue())
}

func TestListInstructions(t *testing.T) {
	v, _, _ := fixture(t)
	c := startServer(t, v)

	all, err := c.ListInstructions(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, all.Values, 2)
	for _, item := range all.Values {
		fields := item.GetStructValue().Fields
		assert.Equal(t, "app.Main", fields["caller"].GetStringValue())
		assert.Equal(t, "()lang.String", fields["descriptor"].GetStringValue())
		assert.Equal(t, "unlinked", fields["state"].GetStringValue())
	}

	none, err := c.ListInstructions(t.Context(), "app.Other")
	require.NoError(t, err)
	assert.Empty(t, none.Values)
}

func TestDescribe(t *testing.T) {
	c := startServer(t, vm.NewVM())

	d, err := c.Describe(t.Context(), "(int,lang.String)lang.Integer")
	require.NoError(t, err)
	assert.Equal(t, "(int,lang.String)lang.Integer", d.Fields["descriptor"].GetStringValue())
	assert.Equal(t, "lang.Integer", d.Fields["return"].GetStringValue())
	assert.Len(t, d.Fields["parameters"].GetListValue().Values, 2)
	assert.True(t, d.Fields["hasPrimitives"].GetBoolValue())
	assert.True(t, d.Fields["hasWrappers"].GetBoolValue())
	assert.Equal(t, "(int,lang.Object)lang.Object", d.Fields["erased"].GetStringValue())
	assert.Equal(t, "(lang.Integer,lang.String)lang.Integer", d.Fields["wrapped"].GetStringValue())
	assert.Equal(t, "(int,lang.String)int", d.Fields["unwrapped"].GetStringValue())

	_, err = c.Describe(t.Context(), "(app.Missing)void")
	requireCode(t, err, codes.NotFound)
	_, err = c.Describe(t.Context(), "int")
	requireCode(t, err, codes.InvalidArgument)
}

func TestDemangle(t *testing.T) {
	c := startServer(t, vm.NewVM())
	parts, err := c.Demangle(t.Context(), "get:name")
	require.NoError(t, err)
	assert.Equal(t, []string{"get", "name"}, parts)
}

func TestSnapshot(t *testing.T) {
	v, good, _ := fixture(t)
	c := startServer(t, v)
	_, err := v.Linker.Link(good)
	require.NoError(t, err)

	data, err := c.Snapshot(t.Context())
	require.NoError(t, err)
	snap, err := wire.Unmarshal(data)
	require.NoError(t, err)
	want := wire.Capture(v.Linker)
	assert.Equal(t, want.Types, snap.Types)
	assert.Equal(t, want.Instructions, snap.Instructions)
	assert.Equal(t, 1, snap.Stats.Linked)
}

func TestSweep(t *testing.T) {
	v := vm.NewVM()
	defer v.Close()
	c := startServer(t, v)

	out, err := c.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Fields["sweeps"].GetNumberValue())
	assert.Equal(t, out.Fields["signatures"].GetNumberValue()+out.Fields["bootstraps"].GetNumberValue(),
		out.Fields["total"].GetNumberValue())
}

func TestJournal(t *testing.T) {
	v, good, bad := fixture(t)

	_, err := startServer(t, v).Journal(t.Context(), "")
	requireCode(t, err, codes.FailedPrecondition)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	v.Linker.AddObserver(j)
	c := startServer(t, v, WithJournal(j))

	_, err = v.Linker.Link(good)
	require.NoError(t, err)
	_, err = v.Linker.Link(bad)
	require.Error(t, err)

	entries, err := c.Journal(t.Context(), "app.Main")
	require.NoError(t, err)
	require.Len(t, entries.Values, 2)
	first := entries.Values[0].GetStructValue().Fields
	assert.Equal(t, good.ID().String(), first["instruction"].GetStringValue())
	assert.Equal(t, "linked", first["outcome"].GetStringValue())
	second := entries.Values[1].GetStructValue().Fields
	assert.Equal(t, "failed", second["outcome"].GetStringValue())
	assert.Contains(t, second["error"].GetStringValue(), "nothing to link")
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{vm.ErrWrongSignature, codes.InvalidArgument},
		{vm.ErrNoAccess, codes.PermissionDenied},
		{vm.ErrNoSuchMember, codes.NotFound},
		{vm.ErrIllegalState, codes.FailedPrecondition},
		{vm.ErrUnsupportedOperation, codes.Unimplemented},
		{vm.ErrBootstrap, codes.Aborted},
		{errors.New("plain"), codes.Unknown},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.code, status.Code(statusError(tc.err)))
		})
	}
}

func TestServeAndStop(t *testing.T) {
	srv := New(vm.NewVM())
	assert.Nil(t, srv.Addr())

	lis := bufconn.Listen(1 << 10)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	srv.Stop()

	select {
	case <-errc:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestListenAndServeBadAddress(t *testing.T) {
	srv := New(vm.NewVM())
	assert.Error(t, srv.ListenAndServe("no-such-host-:-1"))
}

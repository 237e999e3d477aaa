package wire

import (
	"testing"

	"github.com/chazu/indy/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// greeter returns a bootstrap linking every site to a constant string.
func greeter(tt *vm.TypeTable) *vm.Handle {
	return tt.NewBootstrap("greeter", func(_ *vm.Lookup, name string, sig *vm.Signature, _ vm.BootstrapArgs) (vm.CallSite, error) {
		h, err := vm.Constant(sig.ReturnType(), "hello "+name)
		if err != nil {
			return nil, err
		}
		return vm.NewConstantCallSite(h)
	})
}

func linkedVM(t *testing.T) (*vm.VM, *vm.CallInstruction) {
	t.Helper()
	v := vm.NewVM()
	t.Cleanup(v.Close)
	caller, err := v.Types.DefineClass("app.Main", nil)
	require.NoError(t, err)
	ci, err := v.Linker.NewInstruction(caller, "world", v.Types.MustMethodType(v.Types.StringClass), greeter(v.Types), vm.NoArgs())
	require.NoError(t, err)
	return v, ci
}

func TestCapture(t *testing.T) {
	v, ci := linkedVM(t)
	out, err := v.Linker.Invoke(ci)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	s := Capture(v.Linker)
	assert.Equal(t, uint(Version), s.Version)

	require.NotEmpty(t, s.Types)
	for i := 1; i < len(s.Types); i++ {
		assert.Less(t, s.Types[i-1].Name, s.Types[i].Name)
	}
	var main *TypeRecord
	for i := range s.Types {
		if s.Types[i].Name == "app.Main" {
			main = &s.Types[i]
		}
	}
	require.NotNil(t, main)
	assert.Equal(t, "class", main.Kind)
	assert.Equal(t, "lang.Object", main.Super)
	assert.True(t, main.Public)

	require.Len(t, s.Instructions, 1)
	rec := s.Instructions[0]
	assert.Equal(t, [16]byte(ci.ID()), rec.ID)
	assert.Equal(t, "app.Main", rec.Caller)
	assert.Equal(t, "world", rec.Name)
	assert.Equal(t, "()lang.String", rec.Type.Descriptor())
	assert.Equal(t, ci.State().String(), rec.State)
	assert.Equal(t, "constant", rec.SiteKind)
	assert.Equal(t, uint64(1), rec.Invocations)
	assert.Equal(t, uint64(1), rec.Bootstraps)
	assert.Empty(t, rec.Error)

	assert.Equal(t, 1, s.Stats.Instructions)
	assert.Equal(t, 1, s.Stats.Linked)
	assert.Equal(t, uint64(1), s.Stats.Links)
}

func TestMarshalRoundTrip(t *testing.T) {
	v, ci := linkedVM(t)
	_, err := v.Linker.Link(ci)
	require.NoError(t, err)

	s := Capture(v.Linker)
	data, err := Marshal(s)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDigest(t *testing.T) {
	v, ci := linkedVM(t)

	a, err := Digest(Capture(v.Linker))
	require.NoError(t, err)
	b, err := Digest(Capture(v.Linker))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = v.Linker.Invoke(ci)
	require.NoError(t, err)
	c, err := Digest(Capture(v.Linker))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0x00})
	require.Error(t, err)

	data, err := Marshal(&Snapshot{Version: Version + 1})
	require.NoError(t, err)
	_, err = Unmarshal(data)
	assert.ErrorContains(t, err, "unsupported snapshot version")
}

func TestSignatureRoundTrip(t *testing.T) {
	src := vm.NewTypeTable()
	point, err := src.DefineClass("geo.Point", nil)
	require.NoError(t, err)
	sig := src.MustMethodType(src.Void, point, src.Int, src.StringClass)

	data, err := MarshalSignature(sig)
	require.NoError(t, err)

	// The same bytes resolve against another table that knows the types.
	dst := vm.NewTypeTable()
	dstPoint, err := dst.DefineClass("geo.Point", nil)
	require.NoError(t, err)
	got, err := UnmarshalSignature(dst, data)
	require.NoError(t, err)
	assert.Same(t, dst.MustMethodType(dst.Void, dstPoint, dst.Int, dst.StringClass), got)
	assert.Equal(t, sig.Descriptor(), got.Descriptor())

	// A table without geo.Point cannot resolve it.
	_, err = UnmarshalSignature(vm.NewTypeTable(), data)
	require.Error(t, err)
	assert.Equal(t, vm.KindNoSuchMember, vm.KindOf(err))
}

func TestUnmarshalSignatureErrors(t *testing.T) {
	tt := vm.NewTypeTable()
	_, err := UnmarshalSignature(tt, []byte{0x01})
	require.Error(t, err)

	data, err := encMode.Marshal(SignatureRecord{Params: []string{"int"}})
	require.NoError(t, err)
	_, err = UnmarshalSignature(tt, data)
	assert.ErrorContains(t, err, "no return type")
}

package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// requireKind fails the test unless err is a linkage error of the given kind.
func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
}

func constant(t *testing.T, typ *Type, v Value) *Handle {
	t.Helper()
	h, err := Constant(typ, v)
	require.NoError(t, err)
	return h
}

func handleOf(t *testing.T, sig *Signature, name string, fn HandleFunc) *Handle {
	t.Helper()
	h, err := NewHandle(sig, name, fn)
	require.NoError(t, err)
	return h
}

func invoke(t *testing.T, h *Handle, args ...Value) Value {
	t.Helper()
	v, err := h.Invoke(args...)
	require.NoError(t, err)
	return v
}

// concat is (String, String)String.
func concat(t *testing.T, tt *TypeTable) *Handle {
	sig := tt.MustMethodType(tt.StringClass, tt.StringClass, tt.StringClass)
	return handleOf(t, sig, "concat", func(args []Value) (Value, error) {
		return args[0].(string) + args[1].(string), nil
	})
}

// subtract is (int, int)int.
func subtract(t *testing.T, tt *TypeTable) *Handle {
	sig := tt.MustMethodType(tt.Int, tt.Int, tt.Int)
	return handleOf(t, sig, "subtract", func(args []Value) (Value, error) {
		return args[0].(int32) - args[1].(int32), nil
	})
}

func defineClass(t *testing.T, tt *TypeTable, name string, super *Type, opts ...TypeOption) *Type {
	t.Helper()
	c, err := tt.DefineClass(name, super, opts...)
	require.NoError(t, err)
	return c
}

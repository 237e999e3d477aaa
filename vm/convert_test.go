package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsTypeIdentity(t *testing.T) {
	tt := NewTypeTable()
	h := subtract(t, tt)

	same, err := h.AsType(h.Type())
	require.NoError(t, err)
	assert.Same(t, h, same)
}

func TestAsTypeConversions(t *testing.T) {
	tt := NewTypeTable()

	longID, err := Identity(tt.Long)
	require.NoError(t, err)
	intID, err := Identity(tt.Int)
	require.NoError(t, err)
	boolID, err := Identity(tt.Boolean)
	require.NoError(t, err)
	strID, err := Identity(tt.StringClass)
	require.NoError(t, err)

	tests := []struct {
		name   string
		target *Handle
		as     *Signature
		arg    Value
		want   Value
	}{
		{"widen int to long", longID, tt.MustMethodType(tt.Long, tt.Int), int32(7), int64(7)},
		{"narrow long result to int", longID, tt.MustMethodType(tt.Int, tt.Long), int64(1<<32 + 5), int32(5)},
		{"box int", intID, tt.MustMethodType(tt.IntegerClass, tt.Int), int32(3), int32(3)},
		{"box to Number", intID, tt.MustMethodType(tt.NumberClass, tt.Int), int32(3), int32(3)},
		{"unbox Integer", intID, tt.MustMethodType(tt.Int, tt.IntegerClass), int32(4), int32(4)},
		{"unbox from Object", intID, tt.MustMethodType(tt.Int, tt.ObjectClass), int32(9), int32(9)},
		{"unbox Integer then widen", longID, tt.MustMethodType(tt.Long, tt.IntegerClass), int32(-2), int64(-2)},
		{"int to boolean low bit clear", boolID, tt.MustMethodType(tt.Boolean, tt.Int), int32(2), false},
		{"int to boolean low bit set", boolID, tt.MustMethodType(tt.Boolean, tt.Int), int32(3), true},
		{"boolean to int", intID, tt.MustMethodType(tt.Int, tt.Boolean), true, int32(1)},
		{"double to int truncates", intID, tt.MustMethodType(tt.Int, tt.Double), 2.9, int32(2)},
		{"double NaN to int", intID, tt.MustMethodType(tt.Int, tt.Double), math.NaN(), int32(0)},
		{"double saturates int", intID, tt.MustMethodType(tt.Int, tt.Double), 1e20, int32(math.MaxInt32)},
		{"double saturates long", longID, tt.MustMethodType(tt.Long, tt.Double), -1e30, int64(math.MinInt64)},
		{"cast Object to String", strID, tt.MustMethodType(tt.ObjectClass, tt.ObjectClass), "s", "s"},
		{"null passes cast", strID, tt.MustMethodType(tt.ObjectClass, tt.ObjectClass), nil, nil},
		{"drop result", intID, tt.MustMethodType(tt.Void, tt.Int), int32(1), nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapted, err := tc.target.AsType(tc.as)
			require.NoError(t, err)
			assert.Same(t, tc.as, adapted.Type())
			got, err := adapted.InvokeExact(tc.as, tc.arg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAsTypeVoidReturnBecomesZero(t *testing.T) {
	tt := NewTypeTable()
	noop := handleOf(t, tt.MustMethodType(tt.Void), "noop", func([]Value) (Value, error) { return nil, nil })

	asInt, err := noop.AsType(tt.MustMethodType(tt.Int))
	require.NoError(t, err)
	assert.Equal(t, int32(0), invoke(t, asInt))

	asObj, err := noop.AsType(tt.MustMethodType(tt.ObjectClass))
	require.NoError(t, err)
	assert.Nil(t, invoke(t, asObj))
}

func TestAsTypeRuntimeFailures(t *testing.T) {
	tt := NewTypeTable()
	intID, err := Identity(tt.Int)
	require.NoError(t, err)
	strID, err := Identity(tt.StringClass)
	require.NoError(t, err)

	fromInteger, err := intID.AsType(tt.MustMethodType(tt.Int, tt.IntegerClass))
	require.NoError(t, err)
	_, err = fromInteger.Invoke(nil)
	requireKind(t, err, KindNullPointer)

	fromObject, err := intID.AsType(tt.MustMethodType(tt.Int, tt.ObjectClass))
	require.NoError(t, err)
	_, err = fromObject.Invoke("not a number")
	requireKind(t, err, KindClassCast)
	_, err = fromObject.Invoke(int64(1))
	requireKind(t, err, KindClassCast)

	cast, err := strID.AsType(tt.MustMethodType(tt.ObjectClass, tt.ObjectClass))
	require.NoError(t, err)
	_, err = cast.Invoke(int32(1))
	requireKind(t, err, KindClassCast)
}

func TestAsTypeRejectsImpossibleConversions(t *testing.T) {
	tt := NewTypeTable()
	intID, err := Identity(tt.Int)
	require.NoError(t, err)

	for _, sig := range []*Signature{
		tt.MustMethodType(tt.Int, tt.Int, tt.Int),
		tt.MustMethodType(tt.Int, tt.StringClass),
		tt.MustMethodType(tt.StringClass, tt.Int),
	} {
		_, err := intID.AsType(sig)
		requireKind(t, err, KindWrongSignature)
	}

	// Long unboxes to long, which then narrows to int.
	_, err = intID.AsType(tt.MustMethodType(tt.Int, tt.LongClass))
	require.NoError(t, err)
}

func TestInvokeExactRequiresIdenticalSignature(t *testing.T) {
	tt := NewTypeTable()
	h := subtract(t, tt)

	got, err := h.InvokeExact(h.Type(), int32(5), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)

	_, err = h.InvokeExact(tt.MustMethodType(tt.Long, tt.Int, tt.Int), int32(5), int32(3))
	requireKind(t, err, KindWrongSignature)
	assert.ErrorIs(t, err, ErrWrongSignature)

	_, err = h.Invoke(int32(1))
	requireKind(t, err, KindWrongSignature)
	_, err = h.Invoke(int32(1), int64(2))
	requireKind(t, err, KindWrongSignature)
}

func TestInvokers(t *testing.T) {
	tt := NewTypeTable()
	h := subtract(t, tt)

	exact, err := ExactInvoker(h.Type())
	require.NoError(t, err)
	assert.Equal(t, "(invoke.MethodHandle,int,int)int", exact.Type().Descriptor())
	assert.Equal(t, int32(4), invoke(t, exact, h, int32(6), int32(2)))

	general, err := Invoker(tt.MustMethodType(tt.Long, tt.Int, tt.Int))
	require.NoError(t, err)
	assert.Equal(t, int64(4), invoke(t, general, h, int32(6), int32(2)))

	_, err = exact.Invoke(nil, int32(1), int32(1))
	requireKind(t, err, KindNullPointer)
}

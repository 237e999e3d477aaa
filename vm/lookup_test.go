package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shapes builds app.Shape with a virtual "area" and app.Square overriding
// it, plus a private and a package method on Shape.
func shapes(t *testing.T, tt *TypeTable) (shape, square *Type) {
	t.Helper()
	shape = defineClass(t, tt, "app.Shape", nil)
	square = defineClass(t, tt, "app.Square", shape)
	area := tt.MustMethodType(tt.StringClass)

	require.NoError(t, shape.AddMethod(&Method{Name: "area", Type: area, Impl: func([]Value) (Value, error) {
		return "shape", nil
	}}))
	require.NoError(t, square.AddMethod(&Method{Name: "area", Type: area, Impl: func([]Value) (Value, error) {
		return "square", nil
	}}))
	require.NoError(t, shape.AddMethod(&Method{Name: "secret", Type: area, Access: AccessPrivate, Impl: func([]Value) (Value, error) {
		return "shape secret", nil
	}}))
	require.NoError(t, square.AddMethod(&Method{Name: "secret", Type: area, Access: AccessPrivate, Impl: func([]Value) (Value, error) {
		return "square secret", nil
	}}))
	require.NoError(t, shape.AddMethod(&Method{Name: "internal", Type: area, Access: AccessPackage, Impl: func([]Value) (Value, error) {
		return "internal", nil
	}}))
	return shape, square
}

func TestFindVirtualDispatchesOnReceiver(t *testing.T) {
	tt := NewTypeTable()
	shape, square := shapes(t, tt)
	lookup, err := tt.LookupFor(shape)
	require.NoError(t, err)

	area, err := lookup.FindVirtual(shape, "area", tt.MustMethodType(tt.StringClass))
	require.NoError(t, err)
	assert.Equal(t, "(app.Shape)lang.String", area.Type().Descriptor())

	assert.Equal(t, "shape", invoke(t, area, NewObject(shape)))
	assert.Equal(t, "square", invoke(t, area, NewObject(square)))

	_, err = area.Invoke(nil)
	requireKind(t, err, KindNullPointer)

	// Private methods are not overridden.
	secret, err := lookup.FindVirtual(shape, "secret", tt.MustMethodType(tt.StringClass))
	require.NoError(t, err)
	assert.Equal(t, "shape secret", invoke(t, secret, NewObject(square)))

	_, err = lookup.FindVirtual(shape, "missing", tt.MustMethodType(tt.StringClass))
	requireKind(t, err, KindNoSuchMember)
	_, err = lookup.FindVirtual(shape, "area", tt.MustMethodType(tt.Int))
	requireKind(t, err, KindNoSuchMember)
}

func TestFindVirtualThroughInterface(t *testing.T) {
	tt := NewTypeTable()
	named, err := tt.DefineInterface("app.Named")
	require.NoError(t, err)
	sig := tt.MustMethodType(tt.StringClass)
	require.NoError(t, named.AddMethod(&Method{Name: "name", Type: sig, Impl: func([]Value) (Value, error) {
		return "default", nil
	}}))
	plain := defineClass(t, tt, "app.Plain", nil, WithInterfaces(named))
	custom := defineClass(t, tt, "app.Custom", nil, WithInterfaces(named))
	require.NoError(t, custom.AddMethod(&Method{Name: "name", Type: sig, Impl: func([]Value) (Value, error) {
		return "custom", nil
	}}))

	h, err := tt.PublicLookup().FindVirtual(named, "name", sig)
	require.NoError(t, err)
	assert.Equal(t, "default", invoke(t, h, NewObject(plain)))
	assert.Equal(t, "custom", invoke(t, h, NewObject(custom)))
}

func TestLookupAccessChecks(t *testing.T) {
	tt := NewTypeTable()
	shape, square := shapes(t, tt)
	other := defineClass(t, tt, "lib.Other", nil)
	hidden := defineClass(t, tt, "app.Hidden", nil, PackagePrivate())
	sig := tt.MustMethodType(tt.StringClass)

	own, err := tt.LookupFor(shape)
	require.NoError(t, err)
	sameSub, err := tt.LookupFor(square)
	require.NoError(t, err)
	foreign, err := tt.LookupFor(other)
	require.NoError(t, err)
	public := tt.PublicLookup()

	tests := []struct {
		name   string
		lookup *Lookup
		member string
		want   ErrorKind
	}{
		{"owner sees private", own, "secret", 0},
		{"subclass cannot see private", sameSub, "secret", KindNoAccess},
		{"same package sees package", sameSub, "internal", 0},
		{"other package cannot see package", foreign, "internal", KindNoAccess},
		{"public lookup sees public", public, "area", 0},
		{"public lookup cannot see package", public, "internal", KindNoAccess},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.lookup.FindVirtual(shape, tc.member, sig)
			if tc.want == 0 {
				require.NoError(t, err)
				return
			}
			requireKind(t, err, tc.want)
		})
	}

	_, err = foreign.FindClass("app.Hidden")
	requireKind(t, err, KindNoAccess)
	found, err := own.FindClass("app.Hidden")
	require.NoError(t, err)
	assert.Same(t, hidden, found)
	_, err = own.FindClass("app.Nowhere")
	requireKind(t, err, KindNoSuchMember)

	// A friend package gains package access.
	friendly := foreign.AllowPackages("app")
	_, err = friendly.FindVirtual(shape, "internal", sig)
	require.NoError(t, err)
	_, err = foreign.FindVirtual(shape, "internal", sig)
	requireKind(t, err, KindNoAccess)
}

func TestLookupProtectedAccess(t *testing.T) {
	tt := NewTypeTable()
	base := defineClass(t, tt, "core.Base", nil)
	sig := tt.MustMethodType(tt.Int)
	require.NoError(t, base.AddMethod(&Method{Name: "hook", Type: sig, Access: AccessProtected, Static: true,
		Impl: func([]Value) (Value, error) { return int32(3), nil }}))
	sub := defineClass(t, tt, "ext.Sub", base)
	stranger := defineClass(t, tt, "ext.Stranger", nil)

	subLookup, err := tt.LookupFor(sub)
	require.NoError(t, err)
	h, err := subLookup.FindStatic(base, "hook", sig)
	require.NoError(t, err)
	assert.Equal(t, int32(3), invoke(t, h))
	assert.Equal(t, "core.Base.hook", h.Name())

	strangerLookup, err := tt.LookupFor(stranger)
	require.NoError(t, err)
	_, err = strangerLookup.FindStatic(base, "hook", sig)
	requireKind(t, err, KindNoAccess)

	_, err = subLookup.FindVirtual(base, "hook", sig)
	requireKind(t, err, KindNoSuchMember)
}

func TestLookupIn(t *testing.T) {
	tt := NewTypeTable()
	a := defineClass(t, tt, "app.A", nil)
	b := defineClass(t, tt, "app.B", nil)
	c := defineClass(t, tt, "lib.C", nil)

	full, err := tt.LookupFor(a)
	require.NoError(t, err)
	assert.Equal(t, FullAccess, full.Modes())

	same, err := full.In(a)
	require.NoError(t, err)
	assert.Same(t, full, same)

	samePkg, err := full.In(b)
	require.NoError(t, err)
	assert.Same(t, b, samePkg.LookupClass())
	assert.Equal(t, ModePublic|ModePackage|ModeProtected, samePkg.Modes())

	otherPkg, err := full.In(c)
	require.NoError(t, err)
	assert.Equal(t, ModePublic, otherPkg.Modes())

	_, err = full.In(tt.Int)
	requireKind(t, err, KindInvalidArgument)
	_, err = tt.LookupFor(nil)
	requireKind(t, err, KindInvalidArgument)
}

func TestFindConstructor(t *testing.T) {
	tt := NewTypeTable()
	point := defineClass(t, tt, "app.Point", nil)
	ctor := tt.MustMethodType(tt.Void, tt.Int, tt.Int)
	require.NoError(t, point.AddMethod(&Method{Name: "<init>", Type: ctor, Impl: func(args []Value) (Value, error) {
		self := args[0].(*Object)
		self.Set("x", args[1])
		self.Set("y", args[2])
		return nil, nil
	}}))
	require.NoError(t, point.AddField(&Field{Name: "x", Type: tt.Int}))
	require.NoError(t, point.AddField(&Field{Name: "y", Type: tt.Int}))
	require.NoError(t, point.AddField(&Field{Name: "label", Type: tt.StringClass}))

	lookup, err := tt.LookupFor(point)
	require.NoError(t, err)
	newPoint, err := lookup.FindConstructor(point, ctor)
	require.NoError(t, err)
	assert.Equal(t, "(int,int)app.Point", newPoint.Type().Descriptor())

	p := invoke(t, newPoint, int32(3), int32(4))
	obj, ok := p.(*Object)
	require.True(t, ok)
	assert.Same(t, point, obj.Class())

	getX, err := lookup.FindGetter(point, "x", tt.Int)
	require.NoError(t, err)
	assert.Equal(t, "(app.Point)int", getX.Type().Descriptor())
	assert.Equal(t, int32(3), invoke(t, getX, obj))

	setY, err := lookup.FindSetter(point, "y", tt.Int)
	require.NoError(t, err)
	assert.Equal(t, "(app.Point,int)void", setY.Type().Descriptor())
	invoke(t, setY, obj, int32(9))
	assert.Equal(t, int32(9), obj.Get("y"))

	// Unset fields read as their zero value.
	getLabel, err := lookup.FindGetter(point, "label", tt.StringClass)
	require.NoError(t, err)
	assert.Nil(t, invoke(t, getLabel, obj))

	_, err = getX.Invoke(nil)
	requireKind(t, err, KindNullPointer)
	_, err = lookup.FindGetter(point, "x", tt.Long)
	requireKind(t, err, KindNoSuchMember)
	_, err = lookup.FindConstructor(point, tt.MustMethodType(tt.Void))
	requireKind(t, err, KindNoSuchMember)
	_, err = lookup.FindConstructor(point, tt.MustMethodType(tt.Int, tt.Int, tt.Int))
	requireKind(t, err, KindInvalidArgument)
}

func TestStaticFields(t *testing.T) {
	tt := NewTypeTable()
	counter := defineClass(t, tt, "app.Counter", nil)
	require.NoError(t, counter.AddField(&Field{Name: "count", Type: tt.Long, Static: true}))
	require.NoError(t, counter.AddField(&Field{Name: "hidden", Type: tt.Long, Static: true, Access: AccessPrivate}))

	requireKind(t, counter.AddField(&Field{Name: "count", Type: tt.Long}), KindIllegalState)

	lookup, err := tt.LookupFor(counter)
	require.NoError(t, err)
	get, err := lookup.FindStaticGetter(counter, "count", tt.Long)
	require.NoError(t, err)
	set, err := lookup.FindStaticSetter(counter, "count", tt.Long)
	require.NoError(t, err)

	assert.Equal(t, int64(0), invoke(t, get))
	invoke(t, set, int64(41))
	assert.Equal(t, int64(41), invoke(t, get))

	_, err = lookup.FindGetter(counter, "count", tt.Long)
	requireKind(t, err, KindNoSuchMember)
	_, err = tt.PublicLookup().FindStaticGetter(counter, "hidden", tt.Long)
	requireKind(t, err, KindNoAccess)
}

func TestBind(t *testing.T) {
	tt := NewTypeTable()
	shape, square := shapes(t, tt)
	lookup, err := tt.LookupFor(shape)
	require.NoError(t, err)
	sig := tt.MustMethodType(tt.StringClass)

	h, err := lookup.Bind(NewObject(square), "area", sig)
	require.NoError(t, err)
	assert.Same(t, sig, h.Type())
	assert.Equal(t, "square", invoke(t, h))

	_, err = lookup.Bind(nil, "area", sig)
	requireKind(t, err, KindNullPointer)
}

func TestAddMethodValidation(t *testing.T) {
	tt := NewTypeTable()
	c := defineClass(t, tt, "app.M", nil)
	sig := tt.MustMethodType(tt.Void)
	impl := func([]Value) (Value, error) { return nil, nil }

	require.NoError(t, c.AddMethod(&Method{Name: "run", Type: sig, Impl: impl}))
	requireKind(t, c.AddMethod(&Method{Name: "run", Type: sig, Impl: impl}), KindIllegalState)
	require.NoError(t, c.AddMethod(&Method{Name: "run", Type: sig, Static: true, Impl: impl}))

	requireKind(t, c.AddMethod(&Method{Type: sig, Impl: impl}), KindInvalidArgument)
	requireKind(t, c.AddMethod(&Method{Name: "x", Impl: impl}), KindInvalidArgument)
	requireKind(t, c.AddMethod(&Method{Name: "x", Type: sig}), KindInvalidArgument)
	requireKind(t, tt.Int.AddMethod(&Method{Name: "x", Type: sig, Impl: impl}), KindInvalidArgument)
}

package vm

import (
	"errors"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Value representation
// ---------------------------------------------------------------------------

// Value is any value that can flow through a handle.
//
// Primitives use fixed Go types: boolean bool, byte int8, char uint16,
// short int16, int int32, long int64, float float32, double float64. A
// boxed wrapper shares the Go representation of its primitive, so boxing
// is free and unboxing is a type assertion.
//
// References are nil (null), string, *Object, *Array, *Handle, *Signature,
// *Lookup, CallSite, or an error (a throwable).
type Value = any

// Object is an instance of a user-defined class.
type Object struct {
	class  *Type
	mu     sync.RWMutex
	fields map[string]Value
}

// NewObject allocates an instance of class with every field unset.
func NewObject(class *Type) *Object {
	return &Object{class: class, fields: make(map[string]Value)}
}

// Class returns the object's class.
func (o *Object) Class() *Type { return o.class }

// Get returns the named field, or nil if it was never set.
func (o *Object) Get(name string) Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fields[name]
}

// Set stores a field value.
func (o *Object) Set(name string, v Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fields[name] = v
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", o.class.name, o)
}

// Array is a fixed-length, typed sequence of values.
type Array struct {
	typ   *Type
	Items []Value
}

// Type returns the array type (e.g. lang.String[]).
func (a *Array) Type() *Type { return a.typ }

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.Items) }

// NewArray creates an array of the given element type. Every item must
// conform to elem.
func (tt *TypeTable) NewArray(elem *Type, items ...Value) (*Array, error) {
	at, err := tt.ArrayOf(elem)
	if err != nil {
		return nil, err
	}
	for i, v := range items {
		if !tt.Conforms(v, elem) {
			return nil, invalidArgument("NewArray", "element %d (%s) is not a %s", i, describeValue(tt, v), elem)
		}
	}
	return &Array{typ: at, Items: append([]Value(nil), items...)}, nil
}

// ---------------------------------------------------------------------------
// Runtime typing
// ---------------------------------------------------------------------------

// primitiveKindOf returns the primitive kind whose Go representation v has.
func primitiveKindOf(v Value) (TypeKind, bool) {
	switch v.(type) {
	case bool:
		return BooleanKind, true
	case int8:
		return ByteKind, true
	case uint16:
		return CharKind, true
	case int16:
		return ShortKind, true
	case int32:
		return IntKind, true
	case int64:
		return LongKind, true
	case float32:
		return FloatKind, true
	case float64:
		return DoubleKind, true
	}
	return VoidKind, false
}

// primitiveType maps a primitive kind to its type in tt.
func (tt *TypeTable) primitiveType(k TypeKind) *Type {
	switch k {
	case BooleanKind:
		return tt.Boolean
	case ByteKind:
		return tt.Byte
	case CharKind:
		return tt.Char
	case ShortKind:
		return tt.Short
	case IntKind:
		return tt.Int
	case LongKind:
		return tt.Long
	case FloatKind:
		return tt.Float
	case DoubleKind:
		return tt.Double
	}
	return tt.Void
}

// TypeOf returns the runtime reference type of v: the wrapper class for a
// primitive, the class of an object, the throwable class of an error. It
// returns nil for null.
func (tt *TypeTable) TypeOf(v Value) *Type {
	if k, ok := primitiveKindOf(v); ok {
		return tt.primitiveType(k).boxing
	}
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return tt.StringClass
	case *Object:
		if x == nil {
			return nil
		}
		return x.class
	case *Array:
		if x == nil {
			return nil
		}
		return x.typ
	case *Handle:
		return tt.MethodHandleClass
	case *Signature:
		return tt.MethodTypeClass
	case *Lookup:
		return tt.LookupClass
	case CallSite:
		return tt.CallSiteClass
	case error:
		return tt.throwableClassOf(x)
	}
	return tt.ObjectClass
}

// Conforms reports whether v can be passed where t is declared. Primitive
// types require the exact Go representation; reference types accept null
// and any value whose runtime type is a subtype.
func (tt *TypeTable) Conforms(v Value, t *Type) bool {
	switch {
	case t.IsVoid():
		return false
	case t.IsPrimitive():
		k, ok := primitiveKindOf(v)
		return ok && k == t.kind
	}
	rt := tt.TypeOf(v)
	return rt == nil || rt.IsSubtypeOf(t)
}

// ZeroValue returns the default value of t: false or 0 for primitives,
// null otherwise.
func ZeroValue(t *Type) Value {
	switch t.kind {
	case BooleanKind:
		return false
	case ByteKind:
		return int8(0)
	case CharKind:
		return uint16(0)
	case ShortKind:
		return int16(0)
	case IntKind:
		return int32(0)
	case LongKind:
		return int64(0)
	case FloatKind:
		return float32(0)
	case DoubleKind:
		return float64(0)
	}
	return nil
}

// throwableClassOf maps an error to the throwable class it is raised as.
func (tt *TypeTable) throwableClassOf(err error) *Type {
	switch x := caughtValue(err).(type) {
	case *Throwable:
		if x.class != nil {
			return x.class
		}
	case *Error:
		switch x.Kind {
		case KindWrongSignature:
			return tt.WrongMethodTypeExceptionClass
		case KindInvalidArgument:
			return tt.IllegalArgumentExceptionClass
		case KindNoAccess:
			return tt.IllegalAccessExceptionClass
		case KindNoSuchMember:
			return tt.NoSuchMemberExceptionClass
		case KindIllegalState:
			return tt.IllegalStateExceptionClass
		case KindBootstrap:
			return tt.BootstrapMethodErrorClass
		case KindUnsupportedOperation:
			return tt.UnsupportedOperationClass
		case KindNullTarget, KindNullPointer:
			return tt.NullPointerExceptionClass
		case KindClassCast:
			return tt.ClassCastExceptionClass
		}
	}
	return tt.RuntimeExceptionClass
}

// caughtValue extracts the value a handler receives for err: the outermost
// *Throwable or *Error in the chain, or err itself.
func caughtValue(err error) Value {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := e.(type) {
		case *Throwable:
			return x
		case *Error:
			return x
		}
	}
	return err
}

func describeValue(tt *TypeTable, v Value) string {
	if v == nil {
		return "null"
	}
	if k, ok := primitiveKindOf(v); ok {
		return tt.primitiveType(k).name
	}
	return tt.TypeOf(v).name
}

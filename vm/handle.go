package vm

import "fmt"

// ---------------------------------------------------------------------------
// Handle: typed, immutable function references
// ---------------------------------------------------------------------------

// HandleFunc is the Go implementation behind a handle. It receives exactly
// as many arguments as the handle's signature declares and must not retain
// or modify the slice.
type HandleFunc func(args []Value) (Value, error)

// Handle is a strongly typed reference to a callable. Handles are
// immutable and safe to share between goroutines; adapters always build a
// new handle around an existing one.
type Handle struct {
	typ  *Signature
	name string
	fn   HandleFunc
}

var _ fmt.Stringer = (*Handle)(nil)

// NewHandle wraps fn as a handle of the given signature. fn is trusted to
// return values that conform to the signature's return type.
func NewHandle(sig *Signature, name string, fn HandleFunc) (*Handle, error) {
	if sig == nil {
		return nil, invalidArgument("NewHandle", "nil signature")
	}
	if fn == nil {
		return nil, invalidArgument("NewHandle", "nil function for %s", sig)
	}
	return &Handle{typ: sig, name: name, fn: fn}, nil
}

func newHandle(sig *Signature, name string, fn HandleFunc) *Handle {
	return &Handle{typ: sig, name: name, fn: fn}
}

// Type returns the handle's signature.
func (h *Handle) Type() *Signature { return h.typ }

// Name returns a diagnostic name describing how the handle was built.
func (h *Handle) Name() string { return h.name }

func (h *Handle) String() string {
	if h.name == "" {
		return "MethodHandle" + h.typ.descriptor
	}
	return "MethodHandle(" + h.name + ")" + h.typ.descriptor
}

// call invokes the handle without any checks. Adapters use it once the
// shape of their arguments has been validated at construction.
func (h *Handle) call(args []Value) (Value, error) {
	return h.fn(args)
}

// InvokeExact calls h as if from a call instruction of type callType. The
// types must be the identical interned signature.
func (h *Handle) InvokeExact(callType *Signature, args ...Value) (Value, error) {
	if callType != h.typ {
		return nil, wrongSignature("InvokeExact", h.typ, callType)
	}
	if len(args) != len(h.typ.ptypes) {
		return nil, newError(KindWrongSignature, "InvokeExact", "%s called with %d arguments", h.typ, len(args))
	}
	return h.fn(args)
}

// Invoke calls h after checking that every argument conforms to the
// corresponding parameter type. No conversions are applied; use AsType to
// adapt a handle to a different signature.
func (h *Handle) Invoke(args ...Value) (Value, error) {
	return h.InvokeWithArguments(args)
}

// InvokeWithArguments is Invoke with the arguments in a slice.
func (h *Handle) InvokeWithArguments(args []Value) (Value, error) {
	if err := h.checkArguments("Invoke", args); err != nil {
		return nil, err
	}
	return h.fn(args)
}

func (h *Handle) checkArguments(op string, args []Value) error {
	tt := h.typ.table
	if len(args) != len(h.typ.ptypes) {
		return newError(KindWrongSignature, op, "%s called with %d arguments", h.typ, len(args))
	}
	for i, p := range h.typ.ptypes {
		if !tt.Conforms(args[i], p) {
			return newError(KindWrongSignature, op, "%s: argument %d is %s, not %s",
				h.typ, i, describeValue(tt, args[i]), p)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Primitive handles
// ---------------------------------------------------------------------------

// Constant returns a handle of type ()t that always returns v.
func Constant(t *Type, v Value) (*Handle, error) {
	if t == nil || t.IsVoid() {
		return nil, invalidArgument("Constant", "no constant of type %v", t)
	}
	if !t.table.Conforms(v, t) {
		return nil, invalidArgument("Constant", "%s is not a %s", describeValue(t.table, v), t)
	}
	sig := t.table.makeSignature(t, nil)
	return newHandle(sig, "constant", func([]Value) (Value, error) { return v, nil }), nil
}

// Identity returns a handle of type (t)t that returns its argument.
func Identity(t *Type) (*Handle, error) {
	if t == nil || t.IsVoid() {
		return nil, invalidArgument("Identity", "no identity of type %v", t)
	}
	sig := t.table.makeSignature(t, []*Type{t})
	return newHandle(sig, "identity", func(args []Value) (Value, error) { return args[0], nil }), nil
}

// ExactInvoker returns a handle of type (MethodHandle, A...)R that calls its
// first argument with InvokeExact against sig = (A...)R.
func ExactInvoker(sig *Signature) (*Handle, error) {
	tt := sig.table
	itype, err := sig.InsertParameters(0, tt.MethodHandleClass)
	if err != nil {
		return nil, err
	}
	return newHandle(itype, "exactInvoker", func(args []Value) (Value, error) {
		target, err := handleArgument(args[0])
		if err != nil {
			return nil, err
		}
		return target.InvokeExact(sig, args[1:]...)
	}), nil
}

// Invoker returns a handle of type (MethodHandle, A...)R that adapts its
// first argument to sig = (A...)R with AsType before calling it.
func Invoker(sig *Signature) (*Handle, error) {
	tt := sig.table
	itype, err := sig.InsertParameters(0, tt.MethodHandleClass)
	if err != nil {
		return nil, err
	}
	return newHandle(itype, "invoker", func(args []Value) (Value, error) {
		target, err := handleArgument(args[0])
		if err != nil {
			return nil, err
		}
		adapted, err := target.AsType(sig)
		if err != nil {
			return nil, err
		}
		return adapted.call(args[1:])
	}), nil
}

func handleArgument(v Value) (*Handle, error) {
	if v == nil {
		return nil, newError(KindNullPointer, "invoker", "null method handle")
	}
	h, ok := v.(*Handle)
	if !ok {
		return nil, newError(KindClassCast, "invoker", "%T is not a method handle", v)
	}
	return h, nil
}

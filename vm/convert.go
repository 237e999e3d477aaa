package vm

import "math"

// ---------------------------------------------------------------------------
// Value conversions
// ---------------------------------------------------------------------------

// conversion adapts one value from a source type to a destination type.
// A nil conversion is the identity.
type conversion func(v Value) (Value, error)

// valueConversion builds the conversion applied to a value of type from
// that must be delivered as type to. isReturn enables the void rules,
// which only make sense for return values. It reports false if no
// conversion exists.
func valueConversion(from, to *Type, isReturn bool) (conversion, bool) {
	tt := from.table
	switch {
	case from == to:
		return nil, true

	case to.IsVoid():
		if !isReturn {
			return nil, false
		}
		return func(Value) (Value, error) { return nil, nil }, true

	case from.IsVoid():
		if !isReturn {
			return nil, false
		}
		zero := ZeroValue(to)
		return func(Value) (Value, error) { return zero, nil }, true

	case from.IsReference() && to.IsReference():
		if to.IsInterface() || from.IsSubtypeOf(to) {
			return nil, true
		}
		return castTo(to), true

	case from.IsPrimitive() && to.IsPrimitive():
		fk, tk := from.kind, to.kind
		return func(v Value) (Value, error) { return convertPrimitive(v, fk, tk), nil }, true

	case from.IsPrimitive() && to.IsReference():
		// Boxing shares the primitive's representation; only the
		// reference widening needs checking.
		if from.boxing.IsSubtypeOf(to) || to.IsInterface() {
			return nil, true
		}
		return nil, false

	case from.IsReference() && to.IsPrimitive():
		if p := from.Primitive(); p != nil {
			// Unbox, then primitive conversion.
			pk, tk := p.kind, to.kind
			return func(v Value) (Value, error) {
				if v == nil {
					return nil, newError(KindNullPointer, "unbox", "null %s", from)
				}
				return convertPrimitive(v, pk, tk), nil
			}, true
		}
		wrapper := to.boxing
		if !wrapper.IsSubtypeOf(from) {
			return nil, false
		}
		tk := to.kind
		return func(v Value) (Value, error) {
			if v == nil {
				return nil, newError(KindNullPointer, "unbox", "null where %s expected", to)
			}
			if k, ok := primitiveKindOf(v); !ok || k != tk {
				return nil, newError(KindClassCast, "unbox", "%s cannot be cast to %s", describeValue(tt, v), wrapper)
			}
			return v, nil
		}, true
	}
	return nil, false
}

// castTo returns a runtime reference cast to t. Null passes.
func castTo(t *Type) conversion {
	tt := t.table
	return func(v Value) (Value, error) {
		if v == nil {
			return nil, nil
		}
		if rt := tt.TypeOf(v); !rt.IsSubtypeOf(t) {
			return nil, newError(KindClassCast, "cast", "%s cannot be cast to %s", rt, t)
		}
		return v, nil
	}
}

// convertPrimitive converts between primitive kinds with casting semantics.
// Boolean behaves as a one-bit unsigned field: true is 1, and a number
// converts to true when its low bit is set.
func convertPrimitive(v Value, from, to TypeKind) Value {
	if from == to {
		return v
	}
	if to == BooleanKind {
		return integralOf(v, from)&1 != 0
	}
	if from == FloatKind || from == DoubleKind {
		f := floatOf(v, from)
		switch to {
		case FloatKind:
			return float32(f)
		case DoubleKind:
			return f
		case LongKind:
			return floatToInt64(f)
		}
		// Narrow through int like a d2i followed by an integral cast.
		return narrowIntegral(int64(floatToInt32(f)), to)
	}
	n := integralOf(v, from)
	switch to {
	case FloatKind:
		return float32(n)
	case DoubleKind:
		return float64(n)
	}
	return narrowIntegral(n, to)
}

// integralOf reads an integral or boolean value as int64. Floating values
// are first truncated toward zero.
func integralOf(v Value, k TypeKind) int64 {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int8:
		return int64(x)
	case uint16:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	}
	return 0
}

func floatOf(v Value, k TypeKind) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return float64(integralOf(v, k))
}

func narrowIntegral(n int64, to TypeKind) Value {
	switch to {
	case ByteKind:
		return int8(n)
	case CharKind:
		return uint16(n)
	case ShortKind:
		return int16(n)
	case IntKind:
		return int32(n)
	case LongKind:
		return n
	}
	return nil
}

// floatToInt32 truncates toward zero, maps NaN to 0 and saturates.
func floatToInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

// floatToInt64 truncates toward zero, maps NaN to 0 and saturates.
func floatToInt64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// ---------------------------------------------------------------------------
// AsType
// ---------------------------------------------------------------------------

// AsType returns a handle of exactly newType that converts each argument
// to h's parameter type and the result back to newType's return type. If
// newType is already h's type, h itself is returned.
func (h *Handle) AsType(newType *Signature) (*Handle, error) {
	if newType == h.typ {
		return h, nil
	}
	if newType == nil {
		return nil, invalidArgument("AsType", "nil signature")
	}
	if newType.table != h.typ.table {
		return nil, invalidArgument("AsType", "%s belongs to another table", newType)
	}
	if len(newType.ptypes) != len(h.typ.ptypes) {
		return nil, wrongSignature("AsType", h.typ, newType)
	}
	convs, err := argumentConversions("AsType", newType.ptypes, h.typ.ptypes)
	if err != nil {
		return nil, err
	}
	retConv, ok := valueConversion(h.typ.rtype, newType.rtype, true)
	if !ok {
		return nil, wrongSignature("AsType", h.typ, newType)
	}
	return convertingHandle(newType, "asType", h, convs, retConv), nil
}

// argumentConversions builds per-position conversions from the incoming
// types to the target's parameter types. It returns nil if all positions
// are identities.
func argumentConversions(op string, from, to []*Type) ([]conversion, error) {
	var convs []conversion
	for i := range to {
		c, ok := valueConversion(from[i], to[i], false)
		if !ok {
			return nil, newError(KindWrongSignature, op, "cannot convert parameter %d from %s to %s", i, from[i], to[i])
		}
		if c != nil {
			if convs == nil {
				convs = make([]conversion, len(to))
			}
			convs[i] = c
		}
	}
	return convs, nil
}

func convertingHandle(sig *Signature, name string, target *Handle, convs []conversion, retConv conversion) *Handle {
	return newHandle(sig, name, func(args []Value) (Value, error) {
		out := args
		if convs != nil {
			out = make([]Value, len(args))
			for i, v := range args {
				if c := convs[i]; c != nil {
					var err error
					if v, err = c(v); err != nil {
						return nil, err
					}
				}
				out[i] = v
			}
		}
		r, err := target.call(out)
		if err != nil || retConv == nil {
			return r, err
		}
		return retConv(r)
	})
}

func applyConversion(c conversion, v Value) (Value, error) {
	if c == nil {
		return v, nil
	}
	return c(v)
}

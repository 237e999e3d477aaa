package vm

import "strconv"

// ---------------------------------------------------------------------------
// Adapters
//
// Every adapter validates its inputs before building anything and returns a
// new handle; input handles are never modified. Shape problems (bad index,
// bad count, mismatched component signatures) are KindInvalidArgument;
// impossible value conversions are KindWrongSignature.
// ---------------------------------------------------------------------------

func mismatch(op, what string, expected, actual any) *Error {
	return invalidArgument(op, "%s: expected %v but found %v", what, expected, actual)
}

// PermuteArguments returns a handle of newType that calls target with the
// incoming arguments rearranged: target's i-th argument is the incoming
// argument reorder[i]. Incoming arguments may be duplicated or dropped.
// Each mapped argument and the result go through the AsType conversions.
func PermuteArguments(target *Handle, newType *Signature, reorder ...int) (*Handle, error) {
	const op = "PermuteArguments"
	if len(reorder) != len(target.typ.ptypes) {
		return nil, invalidArgument(op, "reorder has %d entries but %s takes %d arguments",
			len(reorder), target.typ, len(target.typ.ptypes))
	}
	from := make([]*Type, len(reorder))
	for i, idx := range reorder {
		if idx < 0 || idx >= len(newType.ptypes) {
			return nil, invalidArgument(op, "reorder[%d] = %d out of range for %s", i, idx, newType)
		}
		from[i] = newType.ptypes[idx]
	}
	convs, err := argumentConversions(op, from, target.typ.ptypes)
	if err != nil {
		return nil, err
	}
	retConv, ok := valueConversion(target.typ.rtype, newType.rtype, true)
	if !ok {
		return nil, wrongSignature(op, target.typ, newType)
	}
	order := append([]int(nil), reorder...)
	return newHandle(newType, "permute", func(args []Value) (Value, error) {
		out := make([]Value, len(order))
		for i, idx := range order {
			v := args[idx]
			if convs != nil {
				var err error
				if v, err = applyConversion(convs[i], v); err != nil {
					return nil, err
				}
			}
			out[i] = v
		}
		r, err := target.call(out)
		if err != nil {
			return nil, err
		}
		return applyConversion(retConv, r)
	}), nil
}

// Spread returns a handle of newType whose final parameter is an array.
// The array's elements fill target's trailing parameters; the leading
// parameters are passed through.
func Spread(target *Handle, newType *Signature) (*Handle, error) {
	const op = "Spread"
	n := len(newType.ptypes)
	if n == 0 || !newType.ptypes[n-1].IsArray() {
		return nil, invalidArgument(op, "%s does not end in an array parameter", newType)
	}
	lead := n - 1
	spread := len(target.typ.ptypes) - lead
	if spread < 0 {
		return nil, invalidArgument(op, "%s has more leading parameters than %s", newType, target.typ)
	}
	arrayType := newType.ptypes[lead]
	from := make([]*Type, len(target.typ.ptypes))
	copy(from, newType.ptypes[:lead])
	for j := 0; j < spread; j++ {
		from[lead+j] = arrayType.elem
	}
	convs, err := argumentConversions(op, from, target.typ.ptypes)
	if err != nil {
		return nil, err
	}
	retConv, ok := valueConversion(target.typ.rtype, newType.rtype, true)
	if !ok {
		return nil, wrongSignature(op, target.typ, newType)
	}
	return newHandle(newType, "spread", func(args []Value) (Value, error) {
		var items []Value
		switch arr := args[lead].(type) {
		case nil:
			if spread != 0 {
				return nil, newError(KindNullPointer, op, "null array where %d elements expected", spread)
			}
		case *Array:
			items = arr.Items
		default:
			return nil, newError(KindClassCast, op, "%T is not an array", arr)
		}
		if len(items) != spread {
			return nil, invalidArgument(op, "array has %d elements, expected %d", len(items), spread)
		}
		out := make([]Value, 0, len(target.typ.ptypes))
		out = append(out, args[:lead]...)
		out = append(out, items...)
		if convs != nil {
			for i, c := range convs {
				var err error
				if out[i], err = applyConversion(c, out[i]); err != nil {
					return nil, err
				}
			}
		}
		r, err := target.call(out)
		if err != nil {
			return nil, err
		}
		return applyConversion(retConv, r)
	}), nil
}

// AsSpreader returns a handle that takes an array of arrayType in place of
// target's last n parameters.
func (h *Handle) AsSpreader(arrayType *Type, n int) (*Handle, error) {
	count := len(h.typ.ptypes)
	if n < 0 || n > count {
		return nil, invalidArgument("AsSpreader", "cannot spread %d of %d parameters", n, count)
	}
	if arrayType == nil || !arrayType.IsArray() {
		return nil, invalidArgument("AsSpreader", "%v is not an array type", arrayType)
	}
	newType, err := h.typ.DropParameters(count-n, count)
	if err != nil {
		return nil, err
	}
	if newType, err = newType.AppendParameters(arrayType); err != nil {
		return nil, err
	}
	return Spread(h, newType)
}

// Collect returns a handle of newType that packs its trailing arguments
// into a new array passed as target's final (array) parameter.
func Collect(target *Handle, newType *Signature) (*Handle, error) {
	const op = "Collect"
	tn := len(target.typ.ptypes)
	if tn == 0 || !target.typ.ptypes[tn-1].IsArray() {
		return nil, invalidArgument(op, "%s does not end in an array parameter", target.typ)
	}
	lead := tn - 1
	collect := len(newType.ptypes) - lead
	if collect < 0 {
		return nil, invalidArgument(op, "%s has fewer parameters than the leading parameters of %s", newType, target.typ)
	}
	arrayType := target.typ.ptypes[lead]
	leadConvs, err := argumentConversions(op, newType.ptypes[:lead], target.typ.ptypes[:lead])
	if err != nil {
		return nil, err
	}
	elemConvs := make([]conversion, collect)
	for j := 0; j < collect; j++ {
		c, ok := valueConversion(newType.ptypes[lead+j], arrayType.elem, false)
		if !ok {
			return nil, newError(KindWrongSignature, op, "cannot collect %s into %s", newType.ptypes[lead+j], arrayType)
		}
		elemConvs[j] = c
	}
	retConv, ok := valueConversion(target.typ.rtype, newType.rtype, true)
	if !ok {
		return nil, wrongSignature(op, target.typ, newType)
	}
	return newHandle(newType, "collect", func(args []Value) (Value, error) {
		out := make([]Value, tn)
		for i := 0; i < lead; i++ {
			v := args[i]
			if leadConvs != nil {
				var err error
				if v, err = applyConversion(leadConvs[i], v); err != nil {
					return nil, err
				}
			}
			out[i] = v
		}
		items := make([]Value, collect)
		for j := range items {
			v, err := applyConversion(elemConvs[j], args[lead+j])
			if err != nil {
				return nil, err
			}
			items[j] = v
		}
		out[lead] = &Array{typ: arrayType, Items: items}
		r, err := target.call(out)
		if err != nil {
			return nil, err
		}
		return applyConversion(retConv, r)
	}), nil
}

// AsCollector returns a handle that takes n trailing arguments of
// arrayType's element type in place of target's final array parameter.
func (h *Handle) AsCollector(arrayType *Type, n int) (*Handle, error) {
	count := len(h.typ.ptypes)
	if count == 0 {
		return nil, invalidArgument("AsCollector", "%s has no parameters", h.typ)
	}
	if arrayType == nil || !arrayType.IsArray() || !arrayType.IsSubtypeOf(h.typ.ptypes[count-1]) {
		return nil, mismatch("AsCollector", "array type", h.typ.ptypes[count-1], arrayType)
	}
	if n < 0 {
		return nil, invalidArgument("AsCollector", "negative count %d", n)
	}
	newType, err := h.typ.DropParameters(count-1, count)
	if err != nil {
		return nil, err
	}
	elems := make([]*Type, n)
	for i := range elems {
		elems[i] = arrayType.elem
	}
	if newType, err = newType.AppendParameters(elems...); err != nil {
		return nil, err
	}
	return Collect(h, newType)
}

// InsertArguments binds values to target's parameters starting at pos. The
// result takes the remaining parameters.
func InsertArguments(target *Handle, pos int, values ...Value) (*Handle, error) {
	const op = "InsertArguments"
	tn := len(target.typ.ptypes)
	if pos < 0 || pos > tn-len(values) {
		return nil, invalidArgument(op, "cannot insert %d values at %d into %s", len(values), pos, target.typ)
	}
	tt := target.typ.table
	for k, v := range values {
		if pt := target.typ.ptypes[pos+k]; !tt.Conforms(v, pt) {
			return nil, mismatch(op, "bound value", pt, describeValue(tt, v))
		}
	}
	newType, err := target.typ.DropParameters(pos, pos+len(values))
	if err != nil {
		return nil, err
	}
	bound := append([]Value(nil), values...)
	return newHandle(newType, "insert", func(args []Value) (Value, error) {
		out := make([]Value, 0, tn)
		out = append(out, args[:pos]...)
		out = append(out, bound...)
		out = append(out, args[pos:]...)
		return target.call(out)
	}), nil
}

// BindTo binds v as the first argument of h, which must be of a reference
// type.
func (h *Handle) BindTo(v Value) (*Handle, error) {
	if len(h.typ.ptypes) == 0 || !h.typ.ptypes[0].IsReference() {
		return nil, invalidArgument("BindTo", "%s has no leading reference parameter", h.typ)
	}
	return InsertArguments(h, 0, v)
}

// DropArguments returns a handle that accepts and ignores extra arguments of
// the given types at pos before calling target.
func DropArguments(target *Handle, pos int, types ...*Type) (*Handle, error) {
	const op = "DropArguments"
	if pos < 0 || pos > len(target.typ.ptypes) {
		return nil, invalidArgument(op, "position %d out of range for %s", pos, target.typ)
	}
	newType, err := target.typ.InsertParameters(pos, types...)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return target, nil
	}
	skip := len(types)
	return newHandle(newType, "drop", func(args []Value) (Value, error) {
		out := make([]Value, 0, len(args)-skip)
		out = append(out, args[:pos]...)
		out = append(out, args[pos+skip:]...)
		return target.call(out)
	}), nil
}

// FilterArguments returns a handle that passes argument i through
// filters[i] before calling target. Nil filters leave the argument alone.
// Each filter takes one argument and returns target's parameter type.
func FilterArguments(target *Handle, filters ...*Handle) (*Handle, error) {
	const op = "FilterArguments"
	tn := len(target.typ.ptypes)
	params := target.typ.Parameters()
	active := make([]*Handle, tn)
	filtered := false
	for i, f := range filters {
		if f == nil {
			continue
		}
		if i >= tn {
			return nil, invalidArgument(op, "filter %d out of range for %s", i, target.typ)
		}
		if len(f.typ.ptypes) != 1 {
			return nil, mismatch(op, "filter arity", 1, len(f.typ.ptypes))
		}
		if f.typ.rtype != params[i] {
			return nil, mismatch(op, "filter return type", params[i], f.typ.rtype)
		}
		params[i] = f.typ.ptypes[0]
		active[i] = f
		filtered = true
	}
	if !filtered {
		return target, nil
	}
	newType, err := target.typ.table.MethodType(target.typ.rtype, params...)
	if err != nil {
		return nil, err
	}
	return newHandle(newType, "filter", func(args []Value) (Value, error) {
		out := make([]Value, len(args))
		for i, v := range args {
			if f := active[i]; f != nil {
				var err error
				if v, err = f.call([]Value{v}); err != nil {
					return nil, err
				}
			}
			out[i] = v
		}
		return target.call(out)
	}), nil
}

// FilterReturnValue returns a handle that passes target's result through
// filter. A void target requires a filter with no parameters.
func FilterReturnValue(target *Handle, filter *Handle) (*Handle, error) {
	const op = "FilterReturnValue"
	rt := target.typ.rtype
	if rt.IsVoid() {
		if len(filter.typ.ptypes) != 0 {
			return nil, mismatch(op, "filter arity", 0, len(filter.typ.ptypes))
		}
	} else if len(filter.typ.ptypes) != 1 || filter.typ.ptypes[0] != rt {
		return nil, mismatch(op, "filter signature", "("+rt.name+")", filter.typ)
	}
	newType, err := target.typ.WithReturn(filter.typ.rtype)
	if err != nil {
		return nil, err
	}
	return newHandle(newType, "filterReturn", func(args []Value) (Value, error) {
		r, err := target.call(args)
		if err != nil {
			return nil, err
		}
		if rt.IsVoid() {
			return filter.call(nil)
		}
		return filter.call([]Value{r})
	}), nil
}

// FoldArguments returns a handle that first calls combiner on the leading
// arguments and then calls target with the combiner's result prepended to
// all of the original arguments. A void combiner's result is not passed.
func FoldArguments(target *Handle, combiner *Handle) (*Handle, error) {
	const op = "FoldArguments"
	tp := target.typ.ptypes
	cp := combiner.typ.ptypes
	cn := len(cp)

	skip := 1
	if combiner.typ.rtype.IsVoid() {
		skip = 0
	}
	if len(tp) < skip+cn {
		return nil, invalidArgument(op, "%s cannot take the %d combined arguments of %s", target.typ, cn, combiner.typ)
	}
	if skip == 1 && combiner.typ.rtype != tp[0] {
		return nil, mismatch(op, "combiner return type", tp[0], combiner.typ.rtype)
	}
	for j, p := range cp {
		if p != tp[skip+j] {
			return nil, mismatch(op, "combiner parameter "+strconv.Itoa(j), tp[skip+j], p)
		}
	}
	newType, err := target.typ.DropParameters(0, skip)
	if err != nil {
		return nil, err
	}
	return newHandle(newType, "fold", func(args []Value) (Value, error) {
		r, err := combiner.call(args[:cn])
		if err != nil {
			return nil, err
		}
		if skip == 0 {
			return target.call(args)
		}
		out := make([]Value, 0, len(args)+1)
		out = append(out, r)
		out = append(out, args...)
		return target.call(out)
	}), nil
}

// GuardWithTest returns a handle that calls test on the leading arguments
// and then calls then or otherwise with all arguments. test returns boolean
// and takes a prefix of the branches' parameters.
func GuardWithTest(test, then, otherwise *Handle) (*Handle, error) {
	const op = "GuardWithTest"
	if then.typ != otherwise.typ {
		return nil, mismatch(op, "branch signature", then.typ, otherwise.typ)
	}
	tt := then.typ.table
	if test.typ.rtype != tt.Boolean {
		return nil, mismatch(op, "test return type", tt.Boolean, test.typ.rtype)
	}
	tn := len(test.typ.ptypes)
	if tn > len(then.typ.ptypes) {
		return nil, invalidArgument(op, "test %s takes more arguments than %s", test.typ, then.typ)
	}
	for i, p := range test.typ.ptypes {
		if p != then.typ.ptypes[i] {
			return nil, mismatch(op, "test parameter "+strconv.Itoa(i), then.typ.ptypes[i], p)
		}
	}
	return newHandle(then.typ, "guard", func(args []Value) (Value, error) {
		ok, err := test.call(args[:tn])
		if err != nil {
			return nil, err
		}
		if b, _ := ok.(bool); b {
			return then.call(args)
		}
		return otherwise.call(args)
	}), nil
}

// CatchException returns a handle that calls target and, if it fails with
// an error whose throwable class is a subtype of exType, calls handler with
// the error followed by the original arguments instead.
func CatchException(target *Handle, exType *Type, handler *Handle) (*Handle, error) {
	const op = "CatchException"
	if exType == nil || !exType.IsThrowable() {
		return nil, invalidArgument(op, "%v is not a throwable type", exType)
	}
	tp := target.typ.ptypes
	hp := handler.typ.ptypes
	if len(hp) != len(tp)+1 {
		return nil, mismatch(op, "handler arity", len(tp)+1, len(hp))
	}
	if !exType.IsSubtypeOf(hp[0]) {
		return nil, mismatch(op, "handler error parameter", exType, hp[0])
	}
	if handler.typ.rtype != target.typ.rtype {
		return nil, mismatch(op, "handler return type", target.typ.rtype, handler.typ.rtype)
	}
	for i, p := range tp {
		if hp[i+1] != p {
			return nil, mismatch(op, "handler parameter "+strconv.Itoa(i+1), p, hp[i+1])
		}
	}
	tt := target.typ.table
	return newHandle(target.typ, "catch", func(args []Value) (Value, error) {
		r, err := target.call(args)
		if err == nil {
			return r, nil
		}
		if !tt.throwableClassOf(err).IsSubtypeOf(exType) {
			return nil, err
		}
		out := make([]Value, 0, len(args)+1)
		out = append(out, caughtValue(err))
		out = append(out, args...)
		return handler.call(out)
	}), nil
}

// ThrowException returns a handle of type (exType)returnType that raises
// its argument. The return type is nominal.
func ThrowException(returnType, exType *Type) (*Handle, error) {
	const op = "ThrowException"
	if exType == nil || !exType.IsThrowable() {
		return nil, invalidArgument(op, "%v is not a throwable type", exType)
	}
	sig, err := exType.table.MethodType(returnType, exType)
	if err != nil {
		return nil, err
	}
	return newHandle(sig, "throw", func(args []Value) (Value, error) {
		switch x := args[0].(type) {
		case nil:
			return nil, newError(KindNullPointer, op, "null %s", exType)
		case error:
			return nil, x
		default:
			return nil, newError(KindClassCast, op, "%T is not throwable", x)
		}
	}), nil
}

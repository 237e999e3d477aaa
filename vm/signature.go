package vm

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"weak"
)

// ---------------------------------------------------------------------------
// Signature: interned method types
// ---------------------------------------------------------------------------

// Signature describes the return type and ordered parameter types of a
// handle or call site. Signatures are interned per TypeTable: two
// structurally equal signatures are always the same pointer, so equality
// is ==. Instances are immutable once published.
type Signature struct {
	rtype      *Type
	ptypes     []*Type
	table      *TypeTable
	key        string
	descriptor string

	// Lazily computed derived forms.
	erased  atomic.Pointer[Signature]
	generic atomic.Pointer[Signature]
	// wrapAlt caches the wrapped form of a signature with primitives, and
	// the unwrapped form of a signature without them.
	wrapAlt atomic.Pointer[Signature]
}

// MethodType returns the interned signature (params...)ret. Parameters may
// not be void.
func (tt *TypeTable) MethodType(ret *Type, params ...*Type) (*Signature, error) {
	if ret == nil {
		return nil, invalidArgument("MethodType", "nil return type")
	}
	if ret.table != tt {
		return nil, invalidArgument("MethodType", "return type %s belongs to another table", ret)
	}
	for i, p := range params {
		switch {
		case p == nil:
			return nil, invalidArgument("MethodType", "nil parameter type at %d", i)
		case p.IsVoid():
			return nil, invalidArgument("MethodType", "parameter %d may not be void", i)
		case p.table != tt:
			return nil, invalidArgument("MethodType", "parameter type %s belongs to another table", p)
		}
	}
	return tt.makeSignature(ret, append([]*Type(nil), params...)), nil
}

// MustMethodType is like MethodType but panics on error.
// Useful for static initialization and tests.
func (tt *TypeTable) MustMethodType(ret *Type, params ...*Type) *Signature {
	s, err := tt.MethodType(ret, params...)
	if err != nil {
		panic(err)
	}
	return s
}

// GenericMethodType returns the signature taking n object parameters and
// returning object, with an optional trailing object-array parameter.
func (tt *TypeTable) GenericMethodType(n int, trailingArray bool) (*Signature, error) {
	if n < 0 {
		return nil, invalidArgument("GenericMethodType", "negative parameter count %d", n)
	}
	params := make([]*Type, n, n+1)
	for i := range params {
		params[i] = tt.ObjectClass
	}
	if trailingArray {
		at, err := tt.ArrayOf(tt.ObjectClass)
		if err != nil {
			return nil, err
		}
		params = append(params, at)
	}
	return tt.makeSignature(tt.ObjectClass, params), nil
}

// makeSignature interns a signature from already validated, owned params.
func (tt *TypeTable) makeSignature(ret *Type, params []*Type) *Signature {
	var kb strings.Builder
	var db strings.Builder
	db.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			kb.WriteByte(',')
			db.WriteByte(',')
		}
		kb.WriteString(strconv.FormatUint(uint64(p.id), 36))
		db.WriteString(p.name)
	}
	kb.WriteByte(')')
	kb.WriteString(strconv.FormatUint(uint64(ret.id), 36))
	db.WriteByte(')')
	db.WriteString(ret.name)

	return tt.signatures.intern(&Signature{
		rtype:      ret,
		ptypes:     params,
		table:      tt,
		key:        kb.String(),
		descriptor: db.String(),
	})
}

// ReturnType returns the return type (possibly void).
func (s *Signature) ReturnType() *Type { return s.rtype }

// ParameterCount returns the number of parameters.
func (s *Signature) ParameterCount() int { return len(s.ptypes) }

// ParameterType returns the type of parameter i. It panics if i is out of
// range, like a slice index.
func (s *Signature) ParameterType(i int) *Type { return s.ptypes[i] }

// Parameters returns a copy of the parameter types.
func (s *Signature) Parameters() []*Type { return append([]*Type(nil), s.ptypes...) }

// LastParameterType returns the type of the final parameter, or void if
// there are no parameters.
func (s *Signature) LastParameterType() *Type {
	if len(s.ptypes) == 0 {
		return s.table.Void
	}
	return s.ptypes[len(s.ptypes)-1]
}

// Table returns the type table the signature belongs to.
func (s *Signature) Table() *TypeTable { return s.table }

// Descriptor returns the canonical textual form, e.g. "(int,lang.String[])void".
func (s *Signature) Descriptor() string { return s.descriptor }

func (s *Signature) String() string { return s.descriptor }

// WithParameter returns the signature with parameter i replaced by t.
func (s *Signature) WithParameter(i int, t *Type) (*Signature, error) {
	if i < 0 || i >= len(s.ptypes) {
		return nil, invalidArgument("WithParameter", "index %d out of range for %s", i, s)
	}
	if s.ptypes[i] == t {
		return s, nil
	}
	params := s.Parameters()
	params[i] = t
	return s.table.MethodType(s.rtype, params...)
}

// InsertParameters returns the signature with ts inserted before position pos.
func (s *Signature) InsertParameters(pos int, ts ...*Type) (*Signature, error) {
	if pos < 0 || pos > len(s.ptypes) {
		return nil, invalidArgument("InsertParameters", "position %d out of range for %s", pos, s)
	}
	if len(ts) == 0 {
		return s, nil
	}
	params := make([]*Type, 0, len(s.ptypes)+len(ts))
	params = append(params, s.ptypes[:pos]...)
	params = append(params, ts...)
	params = append(params, s.ptypes[pos:]...)
	return s.table.MethodType(s.rtype, params...)
}

// AppendParameters returns the signature with ts added at the end.
func (s *Signature) AppendParameters(ts ...*Type) (*Signature, error) {
	return s.InsertParameters(len(s.ptypes), ts...)
}

// DropParameters returns the signature without parameters [start, end).
func (s *Signature) DropParameters(start, end int) (*Signature, error) {
	if start < 0 || end > len(s.ptypes) || start > end {
		return nil, invalidArgument("DropParameters", "range [%d,%d) out of range for %s", start, end, s)
	}
	if start == end {
		return s, nil
	}
	params := make([]*Type, 0, len(s.ptypes)-(end-start))
	params = append(params, s.ptypes[:start]...)
	params = append(params, s.ptypes[end:]...)
	return s.table.makeSignature(s.rtype, params), nil
}

// WithReturn returns the signature with return type t.
func (s *Signature) WithReturn(t *Type) (*Signature, error) {
	if s.rtype == t {
		return s, nil
	}
	return s.table.MethodType(t, s.ptypes...)
}

// HasPrimitives reports whether any parameter or the return type is a
// primitive. Void does not count.
func (s *Signature) HasPrimitives() bool {
	if s.rtype.IsPrimitive() {
		return true
	}
	for _, p := range s.ptypes {
		if p.IsPrimitive() {
			return true
		}
	}
	return false
}

// HasWrappers reports whether any parameter or the return type is a
// wrapper class.
func (s *Signature) HasWrappers() bool {
	if s.rtype.IsWrapper() {
		return true
	}
	for _, p := range s.ptypes {
		if p.IsWrapper() {
			return true
		}
	}
	return false
}

// Erase returns the signature with every reference type replaced by the
// root object class. Primitives and void are kept.
func (s *Signature) Erase() *Signature {
	if e := s.erased.Load(); e != nil {
		return e
	}
	obj := s.table.ObjectClass
	eraseOne := func(t *Type) *Type {
		if t.IsReference() {
			return obj
		}
		return t
	}
	e := s.mapTypes(eraseOne)
	s.erased.CompareAndSwap(nil, e)
	return s.erased.Load()
}

// Generic returns the signature with every position, the return type
// included, replaced by the root object class.
func (s *Signature) Generic() *Signature {
	if g := s.generic.Load(); g != nil {
		return g
	}
	obj := s.table.ObjectClass
	g := s.mapTypes(func(*Type) *Type { return obj })
	s.generic.CompareAndSwap(nil, g)
	return s.generic.Load()
}

// Wrap returns the signature with every primitive replaced by its wrapper.
func (s *Signature) Wrap() *Signature {
	if !s.HasPrimitives() {
		return s
	}
	if w := s.wrapAlt.Load(); w != nil {
		return w
	}
	w := s.mapTypes(func(t *Type) *Type {
		if t.IsPrimitive() {
			return t.boxing
		}
		return t
	})
	s.wrapAlt.CompareAndSwap(nil, w)
	// A fully wrapped signature has no primitives, so its slot holds the
	// unwrapped form. That form is s only if s had no wrappers to begin with.
	if !s.HasWrappers() {
		w.wrapAlt.CompareAndSwap(nil, s)
	}
	return s.wrapAlt.Load()
}

// Unwrap returns the signature with every wrapper replaced by its primitive.
func (s *Signature) Unwrap() *Signature {
	if !s.HasWrappers() {
		return s
	}
	hasPrims := s.HasPrimitives()
	if !hasPrims {
		if u := s.wrapAlt.Load(); u != nil {
			return u
		}
	}
	u := s.mapTypes(func(t *Type) *Type {
		if t.IsWrapper() {
			return t.boxing
		}
		return t
	})
	if !hasPrims {
		s.wrapAlt.CompareAndSwap(nil, u)
		return s.wrapAlt.Load()
	}
	return u
}

func (s *Signature) mapTypes(fn func(*Type) *Type) *Signature {
	params := make([]*Type, len(s.ptypes))
	changed := false
	for i, p := range s.ptypes {
		params[i] = fn(p)
		changed = changed || params[i] != p
	}
	ret := fn(s.rtype)
	if !changed && ret == s.rtype {
		return s
	}
	return s.table.makeSignature(ret, params)
}

// ---------------------------------------------------------------------------
// SignatureTable: weak intern table
// ---------------------------------------------------------------------------

// SignatureTable interns signatures by structure. Entries are weak: a
// signature nobody references can be collected, after which Sweep drops its
// entry. All lookups and insertions go through one mutex.
type SignatureTable struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[Signature]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewSignatureTable creates an empty intern table.
func NewSignatureTable() *SignatureTable {
	return &SignatureTable{entries: make(map[string]weak.Pointer[Signature])}
}

func (st *SignatureTable) intern(candidate *Signature) *Signature {
	st.mu.Lock()
	defer st.mu.Unlock()

	if wp, ok := st.entries[candidate.key]; ok {
		if s := wp.Value(); s != nil {
			st.hits.Add(1)
			return s
		}
	}
	st.misses.Add(1)
	st.entries[candidate.key] = weak.Make(candidate)
	return candidate
}

// Len returns the number of entries whose signature is still alive.
func (st *SignatureTable) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, wp := range st.entries {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}

// Sweep removes entries whose signature has been collected and returns
// how many were removed.
func (st *SignatureTable) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	swept := 0
	for key, wp := range st.entries {
		if wp.Value() == nil {
			delete(st.entries, key)
			swept++
		}
	}
	return swept
}

// Stats returns the number of intern hits and misses so far.
func (st *SignatureTable) Stats() (hits, misses uint64) {
	return st.hits.Load(), st.misses.Load()
}

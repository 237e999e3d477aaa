package vm

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
)

// ---------------------------------------------------------------------------
// Type: a loaded type definition
// ---------------------------------------------------------------------------

// TypeKind distinguishes primitive, reference and array types.
type TypeKind uint8

const (
	VoidKind TypeKind = iota
	BooleanKind
	ByteKind
	CharKind
	ShortKind
	IntKind
	LongKind
	FloatKind
	DoubleKind
	ClassKind
	InterfaceKind
	ArrayKind
)

var typeKindNames = [...]string{
	VoidKind:      "void",
	BooleanKind:   "boolean",
	ByteKind:      "byte",
	CharKind:      "char",
	ShortKind:     "short",
	IntKind:       "int",
	LongKind:      "long",
	FloatKind:     "float",
	DoubleKind:    "double",
	ClassKind:     "class",
	InterfaceKind: "interface",
	ArrayKind:     "array",
}

func (k TypeKind) String() string {
	if int(k) < len(typeKindNames) {
		return typeKindNames[k]
	}
	return "unknown"
}

// IsPrimitive reports whether k is one of the eight value kinds.
func (k TypeKind) IsPrimitive() bool { return k >= BooleanKind && k <= DoubleKind }

// IsNumeric reports whether k is a primitive other than boolean.
func (k TypeKind) IsNumeric() bool { return k >= ByteKind && k <= DoubleKind }

// IsIntegral reports whether k is byte, char, short, int or long.
func (k TypeKind) IsIntegral() bool { return k >= ByteKind && k <= LongKind }

// Type is a single loaded type. Types are unique per TypeTable, so two
// types are the same type exactly when the pointers are equal.
type Type struct {
	id         uint32
	name       string
	pkg        string
	kind       TypeKind
	public     bool
	super      *Type
	interfaces []*Type
	elem       *Type                // element type for arrays
	boxing     *Type                // primitive <-> wrapper pairing
	arrayOf    atomic.Pointer[Type] // cached T[]
	table      *TypeTable

	mu      sync.RWMutex
	methods map[string][]*Method
	fields  map[string]*Field

	// Class initialization. initLock is held while the initializer runs;
	// the state fields are guarded by mu.
	initLock  deadlock.Mutex
	initState initState
	initToken *InitToken
	initErr   error
}

func (t *Type) ID() uint32          { return t.id }
func (t *Type) Name() string        { return t.name }
func (t *Type) Package() string     { return t.pkg }
func (t *Type) Kind() TypeKind      { return t.kind }
func (t *Type) IsPublic() bool      { return t.public }
func (t *Type) Superclass() *Type   { return t.super }
func (t *Type) Elem() *Type         { return t.elem }
func (t *Type) Table() *TypeTable   { return t.table }
func (t *Type) String() string      { return t.name }
func (t *Type) IsVoid() bool        { return t.kind == VoidKind }
func (t *Type) IsPrimitive() bool   { return t.kind.IsPrimitive() }
func (t *Type) IsInterface() bool   { return t.kind == InterfaceKind }
func (t *Type) IsArray() bool       { return t.kind == ArrayKind }
func (t *Type) IsReference() bool   { return t.kind >= ClassKind }
func (t *Type) IsWrapper() bool     { return t.kind == ClassKind && t.boxing != nil }
func (t *Type) Interfaces() []*Type { return append([]*Type(nil), t.interfaces...) }

// Wrapper returns the boxed counterpart of a primitive type, or nil.
func (t *Type) Wrapper() *Type {
	if t.IsPrimitive() {
		return t.boxing
	}
	return nil
}

// Primitive returns the primitive counterpart of a wrapper type, or nil.
func (t *Type) Primitive() *Type {
	if t.IsWrapper() {
		return t.boxing
	}
	return nil
}

// Dimensions returns the number of array dimensions of t.
func (t *Type) Dimensions() int {
	n := 0
	for c := t; c.kind == ArrayKind; c = c.elem {
		n++
	}
	return n
}

// IsSubtypeOf reports whether a value of type t may be used where other is
// expected. Every reference type is a subtype of the root object class;
// reference arrays are covariant.
func (t *Type) IsSubtypeOf(other *Type) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	if !t.IsReference() || !other.IsReference() {
		return false
	}
	if other == t.table.ObjectClass {
		return true
	}
	if t.kind == ArrayKind {
		if other.kind != ArrayKind {
			return false
		}
		if !t.elem.IsReference() || !other.elem.IsReference() {
			return false
		}
		return t.elem.IsSubtypeOf(other.elem)
	}
	if t.super != nil && t.super.IsSubtypeOf(other) {
		return true
	}
	for _, iface := range t.interfaces {
		if iface.IsSubtypeOf(other) {
			return true
		}
	}
	return false
}

// IsThrowable reports whether t is the throwable root or one of its subclasses.
func (t *Type) IsThrowable() bool {
	return t.IsSubtypeOf(t.table.ThrowableClass)
}

// ArrayType returns the one-dimensional array type whose elements are t.
func (t *Type) ArrayType() (*Type, error) {
	return t.table.ArrayOf(t)
}

// ---------------------------------------------------------------------------
// TypeTable: the type universe of one runtime
// ---------------------------------------------------------------------------

// TypeTable holds every type known to a runtime together with the
// signature intern table built on top of them. Types are never unloaded.
//
// Name lookups use the same read-mostly scheme as a selector table: a
// read-locked fast path and a double-checked insert under the write lock.
type TypeTable struct {
	mu     sync.RWMutex
	byName map[string]*Type
	byID   []*Type

	signatures *SignatureTable

	// Primitives
	Void    *Type
	Boolean *Type
	Byte    *Type
	Char    *Type
	Short   *Type
	Int     *Type
	Long    *Type
	Float   *Type
	Double  *Type

	// Well-known classes
	ObjectClass    *Type
	StringClass    *Type
	NumberClass    *Type
	BooleanClass   *Type
	ByteClass      *Type
	CharacterClass *Type
	ShortClass     *Type
	IntegerClass   *Type
	LongClass      *Type
	FloatClass     *Type
	DoubleClass    *Type

	// Throwable hierarchy
	ThrowableClass                *Type
	ExceptionClass                *Type
	RuntimeExceptionClass         *Type
	ErrorClass                    *Type
	IllegalArgumentExceptionClass *Type
	IllegalStateExceptionClass    *Type
	UnsupportedOperationClass     *Type
	ClassCastExceptionClass       *Type
	NullPointerExceptionClass     *Type
	IllegalAccessExceptionClass   *Type
	NoSuchMemberExceptionClass    *Type
	WrongMethodTypeExceptionClass *Type
	LinkageErrorClass             *Type
	BootstrapMethodErrorClass     *Type

	// Linkage runtime classes
	LookupClass       *Type
	MethodTypeClass   *Type
	MethodHandleClass *Type
	CallSiteClass     *Type
}

// TypeOption configures a type defined with DefineClass or DefineInterface.
type TypeOption func(*Type)

// WithPackage overrides the package derived from the type name.
func WithPackage(pkg string) TypeOption {
	return func(t *Type) { t.pkg = pkg }
}

// WithInterfaces declares the interfaces a class implements or an
// interface extends.
func WithInterfaces(ifaces ...*Type) TypeOption {
	return func(t *Type) { t.interfaces = append(t.interfaces, ifaces...) }
}

// PackagePrivate makes the type visible only inside its package.
func PackagePrivate() TypeOption {
	return func(t *Type) { t.public = false }
}

// NewTypeTable creates a type table populated with the primitive types and
// the core classes.
func NewTypeTable() *TypeTable {
	tt := &TypeTable{
		byName:     make(map[string]*Type),
		byID:       make([]*Type, 0, 64),
		signatures: NewSignatureTable(),
	}
	tt.bootstrap()
	return tt
}

// Signatures returns the table's signature intern table.
func (tt *TypeTable) Signatures() *SignatureTable { return tt.signatures }

// Lookup returns the type with the given name, or nil. Names with trailing
// "[]" pairs resolve to (and create, if needed) array types.
func (tt *TypeTable) Lookup(name string) *Type {
	base := name
	dims := 0
	for strings.HasSuffix(base, "[]") {
		base = base[:len(base)-2]
		dims++
	}

	tt.mu.RLock()
	t := tt.byName[base]
	tt.mu.RUnlock()
	if t == nil {
		return nil
	}
	for i := 0; i < dims; i++ {
		var err error
		if t, err = tt.ArrayOf(t); err != nil {
			return nil
		}
	}
	return t
}

// MustLookup is like Lookup but panics if the type is unknown.
// Useful for static initialization and tests.
func (tt *TypeTable) MustLookup(name string) *Type {
	t := tt.Lookup(name)
	if t == nil {
		panic("vm: unknown type " + name)
	}
	return t
}

// Types returns all non-array types in definition order.
func (tt *TypeTable) Types() []*Type {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	result := make([]*Type, 0, len(tt.byID))
	for _, t := range tt.byID {
		if t.kind != ArrayKind {
			result = append(result, t)
		}
	}
	return result
}

// Len returns the number of types in the table, arrays included.
func (tt *TypeTable) Len() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return len(tt.byID)
}

// DefineClass adds a class to the table. A nil superclass means the root
// object class.
func (tt *TypeTable) DefineClass(name string, super *Type, opts ...TypeOption) (*Type, error) {
	if super == nil {
		super = tt.ObjectClass
	}
	if super.kind != ClassKind {
		return nil, invalidArgument("DefineClass", "superclass %s of %s is not a class", super, name)
	}
	return tt.define(name, ClassKind, super, opts)
}

// DefineInterface adds an interface to the table.
func (tt *TypeTable) DefineInterface(name string, opts ...TypeOption) (*Type, error) {
	return tt.define(name, InterfaceKind, nil, opts)
}

func (tt *TypeTable) define(name string, kind TypeKind, super *Type, opts []TypeOption) (*Type, error) {
	if name == "" || strings.ContainsAny(name, "(),[] ") {
		return nil, invalidArgument("define", "malformed type name %q", name)
	}
	t := &Type{
		name:   name,
		pkg:    packageOf(name),
		kind:   kind,
		public: true,
		super:  super,
		table:  tt,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, iface := range t.interfaces {
		if iface == nil || iface.kind != InterfaceKind {
			return nil, invalidArgument("define", "%s: %v is not an interface", name, iface)
		}
		if iface.table != tt {
			return nil, invalidArgument("define", "%s: interface %s belongs to another table", name, iface)
		}
	}
	if super != nil && super.table != tt {
		return nil, invalidArgument("define", "%s: superclass %s belongs to another table", name, super)
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, exists := tt.byName[name]; exists {
		return nil, newError(KindIllegalState, "define", "type %s already defined", name)
	}
	tt.addLocked(t)
	return t, nil
}

func (tt *TypeTable) addLocked(t *Type) {
	t.id = uint32(len(tt.byID))
	tt.byName[t.name] = t
	tt.byID = append(tt.byID, t)
}

// ArrayOf returns the array type with the given element type, creating it
// on first use.
func (tt *TypeTable) ArrayOf(elem *Type) (*Type, error) {
	if elem == nil || elem.kind == VoidKind {
		return nil, invalidArgument("ArrayOf", "no array of %v", elem)
	}
	if elem.table != tt {
		return nil, invalidArgument("ArrayOf", "%s belongs to another table", elem)
	}
	// Fast path: cached on the element
	if at := elem.arrayOf.Load(); at != nil {
		return at, nil
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	// Double-check after acquiring write lock
	if at := elem.arrayOf.Load(); at != nil {
		return at, nil
	}
	at := &Type{
		name:   elem.name + "[]",
		pkg:    elem.pkg,
		kind:   ArrayKind,
		public: elem.public,
		super:  tt.ObjectClass,
		elem:   elem,
		table:  tt,
	}
	tt.addLocked(at)
	elem.arrayOf.Store(at)
	return at, nil
}

func packageOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}

// ---------------------------------------------------------------------------
// Class initialization
// ---------------------------------------------------------------------------

type initState uint8

const (
	uninitialized initState = iota
	initializing
	initialized
	initFailed
)

// InitToken identifies one running class initializer. It is handed to the
// initializer function and is the only capability that allows bootstrap
// registration while the class is being initialized.
type InitToken struct {
	class *Type
}

// Class returns the class being initialized.
func (tok *InitToken) Class() *Type { return tok.class }

// Initialize runs the class initializer fn exactly once. Concurrent callers
// block until the first initialization finishes. A failed initialization is
// remembered and reported to every later caller. fn must not initialize its
// own class again.
func (tt *TypeTable) Initialize(t *Type, fn func(tok *InitToken) error) error {
	if t == nil || t.table != tt {
		return invalidArgument("Initialize", "type %v does not belong to this table", t)
	}
	t.initLock.Lock()
	defer t.initLock.Unlock()

	t.mu.Lock()
	switch t.initState {
	case initialized:
		t.mu.Unlock()
		return nil
	case initFailed:
		err := t.initErr
		t.mu.Unlock()
		return err
	}
	tok := &InitToken{class: t}
	t.initState = initializing
	t.initToken = tok
	t.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(tok)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.initToken = nil
	if err != nil {
		failure := newError(KindIllegalState, "Initialize", "initializer of %s failed", t)
		failure.cause = err
		t.initState = initFailed
		t.initErr = failure
		return failure
	}
	t.initState = initialized
	return nil
}

// IsInitialized reports whether t has completed initialization.
func (t *Type) IsInitialized() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.initState == initialized
}

// initStatus returns the initialization state and the active token.
func (t *Type) initStatus() (initState, *InitToken) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.initState, t.initToken
}

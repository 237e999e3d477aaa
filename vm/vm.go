package vm

import (
	"time"
)

// ---------------------------------------------------------------------------
// VM: one linkage runtime
// ---------------------------------------------------------------------------

// VM bundles the process-wide state of one linkage runtime: the type table
// (and with it the signature intern table), the linker with its bootstrap
// registry, and the collector that sweeps both. Tests build as many as
// they like; a host program normally holds one.
type VM struct {
	Types  *TypeTable
	Linker *Linker
	GC     *RegistryGC
}

// Option configures a VM.
type Option func(*vmOptions)

type vmOptions struct {
	gcInterval time.Duration
	startGC    bool
}

// WithGCInterval sets the registry sweep interval.
func WithGCInterval(d time.Duration) Option {
	return func(o *vmOptions) { o.gcInterval = d }
}

// WithBackgroundGC starts the registry sweeper with the VM.
func WithBackgroundGC() Option {
	return func(o *vmOptions) { o.startGC = true }
}

// NewVM creates and bootstraps a new VM.
func NewVM(opts ...Option) *VM {
	o := vmOptions{gcInterval: DefaultGCInterval}
	for _, opt := range opts {
		opt(&o)
	}
	tt := NewTypeTable()
	vm := &VM{
		Types:  tt,
		Linker: NewLinker(tt),
	}
	vm.GC = NewRegistryGC(vm, o.gcInterval)
	if o.startGC {
		vm.GC.Start()
	}
	return vm
}

// Close stops background work. The VM stays usable.
func (vm *VM) Close() {
	vm.GC.Stop()
}

// ---------------------------------------------------------------------------
// Bootstrap: create the core types
// ---------------------------------------------------------------------------

func (tt *TypeTable) bootstrap() {
	// Phase 1: primitives
	tt.Void = tt.createPrimitive("void", VoidKind)
	tt.Boolean = tt.createPrimitive("boolean", BooleanKind)
	tt.Byte = tt.createPrimitive("byte", ByteKind)
	tt.Char = tt.createPrimitive("char", CharKind)
	tt.Short = tt.createPrimitive("short", ShortKind)
	tt.Int = tt.createPrimitive("int", IntKind)
	tt.Long = tt.createPrimitive("long", LongKind)
	tt.Float = tt.createPrimitive("float", FloatKind)
	tt.Double = tt.createPrimitive("double", DoubleKind)

	// Phase 2: the root class, String and Number
	tt.ObjectClass = tt.createBootstrapClass("lang.Object", nil)
	tt.StringClass = tt.createBootstrapClass("lang.String", tt.ObjectClass)
	tt.NumberClass = tt.createBootstrapClass("lang.Number", tt.ObjectClass)

	// Phase 3: wrappers, paired with their primitives
	tt.BooleanClass = tt.createWrapper("lang.Boolean", tt.ObjectClass, tt.Boolean)
	tt.ByteClass = tt.createWrapper("lang.Byte", tt.NumberClass, tt.Byte)
	tt.CharacterClass = tt.createWrapper("lang.Character", tt.ObjectClass, tt.Char)
	tt.ShortClass = tt.createWrapper("lang.Short", tt.NumberClass, tt.Short)
	tt.IntegerClass = tt.createWrapper("lang.Integer", tt.NumberClass, tt.Int)
	tt.LongClass = tt.createWrapper("lang.Long", tt.NumberClass, tt.Long)
	tt.FloatClass = tt.createWrapper("lang.Float", tt.NumberClass, tt.Float)
	tt.DoubleClass = tt.createWrapper("lang.Double", tt.NumberClass, tt.Double)

	// Phase 4: throwable hierarchy
	tt.ThrowableClass = tt.createBootstrapClass("lang.Throwable", tt.ObjectClass)
	tt.ExceptionClass = tt.createBootstrapClass("lang.Exception", tt.ThrowableClass)
	tt.RuntimeExceptionClass = tt.createBootstrapClass("lang.RuntimeException", tt.ExceptionClass)
	tt.IllegalArgumentExceptionClass = tt.createBootstrapClass("lang.IllegalArgumentException", tt.RuntimeExceptionClass)
	tt.IllegalStateExceptionClass = tt.createBootstrapClass("lang.IllegalStateException", tt.RuntimeExceptionClass)
	tt.UnsupportedOperationClass = tt.createBootstrapClass("lang.UnsupportedOperationException", tt.RuntimeExceptionClass)
	tt.ClassCastExceptionClass = tt.createBootstrapClass("lang.ClassCastException", tt.RuntimeExceptionClass)
	tt.NullPointerExceptionClass = tt.createBootstrapClass("lang.NullPointerException", tt.RuntimeExceptionClass)
	tt.WrongMethodTypeExceptionClass = tt.createBootstrapClass("invoke.WrongMethodTypeException", tt.RuntimeExceptionClass)
	tt.IllegalAccessExceptionClass = tt.createBootstrapClass("lang.IllegalAccessException", tt.ExceptionClass)
	tt.NoSuchMemberExceptionClass = tt.createBootstrapClass("lang.NoSuchMemberException", tt.ExceptionClass)
	tt.ErrorClass = tt.createBootstrapClass("lang.Error", tt.ThrowableClass)
	tt.LinkageErrorClass = tt.createBootstrapClass("lang.LinkageError", tt.ErrorClass)
	tt.BootstrapMethodErrorClass = tt.createBootstrapClass("lang.BootstrapMethodError", tt.LinkageErrorClass)

	// Phase 5: linkage runtime classes
	tt.LookupClass = tt.createBootstrapClass("invoke.Lookup", tt.ObjectClass)
	tt.MethodTypeClass = tt.createBootstrapClass("invoke.MethodType", tt.ObjectClass)
	tt.MethodHandleClass = tt.createBootstrapClass("invoke.MethodHandle", tt.ObjectClass)
	tt.CallSiteClass = tt.createBootstrapClass("invoke.CallSite", tt.ObjectClass)
}

func (tt *TypeTable) createPrimitive(name string, kind TypeKind) *Type {
	t := &Type{name: name, kind: kind, public: true, table: tt, initState: initialized}
	tt.addLocked(t)
	return t
}

func (tt *TypeTable) createBootstrapClass(name string, super *Type) *Type {
	t := &Type{
		name:      name,
		pkg:       packageOf(name),
		kind:      ClassKind,
		public:    true,
		super:     super,
		table:     tt,
		initState: initialized,
	}
	tt.addLocked(t)
	return t
}

func (tt *TypeTable) createWrapper(name string, super, prim *Type) *Type {
	w := tt.createBootstrapClass(name, super)
	w.boxing = prim
	prim.boxing = w
	return w
}

package vm

import (
	"strings"

	set "github.com/hashicorp/go-set/v3"
)

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// Access is the declared visibility of a member.
type Access uint8

const (
	AccessPublic Access = iota
	AccessProtected
	AccessPackage
	AccessPrivate
)

func (a Access) String() string {
	switch a {
	case AccessPublic:
		return "public"
	case AccessProtected:
		return "protected"
	case AccessPackage:
		return "package"
	case AccessPrivate:
		return "private"
	}
	return "unknown"
}

// Method is a method declared on a type. Type excludes the receiver; a
// virtual method's Impl receives the receiver as args[0].
type Method struct {
	Name   string
	Type   *Signature
	Static bool
	Access Access
	Impl   HandleFunc

	owner *Type
}

// Owner returns the declaring type.
func (m *Method) Owner() *Type { return m.owner }

// Field is a field declared on a type. Instance field values live in the
// *Object; static field values live here.
type Field struct {
	Name   string
	Type   *Type
	Static bool
	Access Access

	owner *Type
	value Value
}

// Owner returns the declaring type.
func (f *Field) Owner() *Type { return f.owner }

// AddMethod declares m on t. Redeclaring a name with the same signature
// and staticness is an illegal-state error.
func (t *Type) AddMethod(m *Method) error {
	switch {
	case m == nil || m.Name == "":
		return invalidArgument("AddMethod", "method without a name on %s", t)
	case m.Type == nil || m.Type.table != t.table:
		return invalidArgument("AddMethod", "%s.%s: signature missing or from another table", t, m.Name)
	case m.Impl == nil:
		return invalidArgument("AddMethod", "%s.%s has no implementation", t, m.Name)
	case t.kind != ClassKind && t.kind != InterfaceKind:
		return invalidArgument("AddMethod", "%s cannot declare methods", t)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.methods[m.Name] {
		if existing.Type == m.Type && existing.Static == m.Static {
			return newError(KindIllegalState, "AddMethod", "%s.%s%s already declared", t, m.Name, m.Type)
		}
	}
	if t.methods == nil {
		t.methods = make(map[string][]*Method)
	}
	m.owner = t
	t.methods[m.Name] = append(t.methods[m.Name], m)
	return nil
}

// AddField declares f on t. A static field starts at the zero value of its
// type.
func (t *Type) AddField(f *Field) error {
	switch {
	case f == nil || f.Name == "":
		return invalidArgument("AddField", "field without a name on %s", t)
	case f.Type == nil || f.Type.IsVoid() || f.Type.table != t.table:
		return invalidArgument("AddField", "%s.%s: bad field type", t, f.Name)
	case t.kind != ClassKind:
		return invalidArgument("AddField", "%s cannot declare fields", t)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.fields[f.Name]; exists {
		return newError(KindIllegalState, "AddField", "%s.%s already declared", t, f.Name)
	}
	if t.fields == nil {
		t.fields = make(map[string]*Field)
	}
	f.owner = t
	if f.Static {
		f.value = ZeroValue(f.Type)
	}
	t.fields[f.Name] = f
	return nil
}

// declaredMethod finds a method declared directly on t.
func (t *Type) declaredMethod(name string, sig *Signature, static bool) *Method {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.methods[name] {
		if m.Type == sig && m.Static == static {
			return m
		}
	}
	return nil
}

// findMethod resolves a method on t, its superclasses and then its
// interfaces.
func (t *Type) findMethod(name string, sig *Signature, static bool) *Method {
	for c := t; c != nil; c = c.super {
		if m := c.declaredMethod(name, sig, static); m != nil {
			return m
		}
	}
	if static {
		return nil
	}
	for c := t; c != nil; c = c.super {
		for _, iface := range c.interfaces {
			if m := iface.findMethod(name, sig, false); m != nil {
				return m
			}
		}
	}
	return nil
}

func (t *Type) findField(name string) *Field {
	for c := t; c != nil; c = c.super {
		c.mu.RLock()
		f := c.fields[name]
		c.mu.RUnlock()
		if f != nil {
			return f
		}
	}
	return nil
}

func (f *Field) load() Value {
	f.owner.mu.RLock()
	defer f.owner.mu.RUnlock()
	return f.value
}

func (f *Field) store(v Value) {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	f.value = v
}

// ---------------------------------------------------------------------------
// Lookup: access-checked member resolution
// ---------------------------------------------------------------------------

// LookupMode is a bit set of the access a Lookup carries.
type LookupMode uint8

const (
	ModePublic LookupMode = 1 << iota
	ModePackage
	ModeProtected
	ModePrivate

	FullAccess = ModePublic | ModePackage | ModeProtected | ModePrivate
)

// Lookup resolves members to handles on behalf of a caller class. Access
// is checked once, when the handle is created; invoking the handle later
// performs no further checks.
type Lookup struct {
	caller  *Type
	modes   LookupMode
	table   *TypeTable
	friends *set.Set[string]
}

// LookupFor returns a lookup with full access on behalf of caller.
func (tt *TypeTable) LookupFor(caller *Type) (*Lookup, error) {
	if caller == nil || caller.table != tt || !caller.IsReference() {
		return nil, invalidArgument("LookupFor", "%v is not a class of this table", caller)
	}
	return &Lookup{caller: caller, modes: FullAccess, table: tt, friends: set.New[string](0)}, nil
}

// PublicLookup returns a lookup that can only see public members of
// public types.
func (tt *TypeTable) PublicLookup() *Lookup {
	return &Lookup{caller: tt.ObjectClass, modes: ModePublic, table: tt, friends: set.New[string](0)}
}

// LookupClass returns the class the lookup acts for.
func (l *Lookup) LookupClass() *Type { return l.caller }

// Modes returns the access modes the lookup carries.
func (l *Lookup) Modes() LookupMode { return l.modes }

// Table returns the lookup's type table.
func (l *Lookup) Table() *TypeTable { return l.table }

func (l *Lookup) String() string {
	if l.modes == ModePublic {
		return l.caller.name + "/public"
	}
	return l.caller.name
}

// In returns a lookup acting for other. Moving to another package drops
// package, protected and private access; moving to another class in the
// same package drops private access.
func (l *Lookup) In(other *Type) (*Lookup, error) {
	if other == nil || other.table != l.table || !other.IsReference() {
		return nil, invalidArgument("Lookup.In", "%v is not a class of this table", other)
	}
	if other == l.caller {
		return l, nil
	}
	modes := l.modes
	if other.pkg != l.caller.pkg {
		modes &^= ModePackage | ModeProtected | ModePrivate
	} else {
		modes &^= ModePrivate
	}
	return &Lookup{caller: other, modes: modes, table: l.table, friends: l.friends}, nil
}

// AllowPackages returns a lookup that also treats the named packages as
// its own for package access.
func (l *Lookup) AllowPackages(pkgs ...string) *Lookup {
	friends := l.friends.Copy()
	friends.InsertSlice(pkgs)
	return &Lookup{caller: l.caller, modes: l.modes, table: l.table, friends: friends}
}

func (l *Lookup) samePackage(pkg string) bool {
	return pkg == l.caller.pkg || l.friends.Contains(pkg)
}

func (l *Lookup) canSeeType(t *Type) bool {
	for t.kind == ArrayKind {
		t = t.elem
	}
	if t.public {
		return l.modes&ModePublic != 0
	}
	return l.modes&ModePackage != 0 && l.samePackage(t.pkg)
}

func (l *Lookup) canAccess(owner *Type, access Access) bool {
	if !l.canSeeType(owner) {
		return false
	}
	switch access {
	case AccessPublic:
		return l.modes&ModePublic != 0
	case AccessPackage:
		return l.modes&ModePackage != 0 && l.samePackage(owner.pkg)
	case AccessProtected:
		if l.modes&ModePackage != 0 && l.samePackage(owner.pkg) {
			return true
		}
		return l.modes&ModeProtected != 0 && l.caller.IsSubtypeOf(owner)
	case AccessPrivate:
		return l.modes&ModePrivate != 0 && l.caller == owner
	}
	return false
}

func (l *Lookup) checkOwner(op string, refc *Type) error {
	if refc == nil || refc.table != l.table {
		return invalidArgument(op, "%v is not a type of this table", refc)
	}
	if !l.canSeeType(refc) {
		return newError(KindNoAccess, op, "%s cannot see %s", l, refc)
	}
	return nil
}

// FindClass resolves a type by name and checks that it is visible.
func (l *Lookup) FindClass(name string) (*Type, error) {
	t := l.table.Lookup(name)
	if t == nil {
		return nil, newError(KindNoSuchMember, "FindClass", "no type %s", name)
	}
	if !l.canSeeType(t) {
		return nil, newError(KindNoAccess, "FindClass", "%s cannot see %s", l, t)
	}
	return t, nil
}

// FindStatic returns a handle of type sig for the static method name on
// refc.
func (l *Lookup) FindStatic(refc *Type, name string, sig *Signature) (*Handle, error) {
	const op = "FindStatic"
	if err := l.checkOwner(op, refc); err != nil {
		return nil, err
	}
	m := refc.findMethod(name, sig, true)
	if m == nil {
		return nil, newError(KindNoSuchMember, op, "no static method %s.%s%s", refc, name, sig)
	}
	if !l.canAccess(m.owner, m.Access) {
		return nil, newError(KindNoAccess, op, "%s cannot access %s %s.%s", l, m.Access, m.owner, name)
	}
	return newHandle(sig, memberName(m.owner, name), m.Impl), nil
}

// FindVirtual returns a handle of type (refc, sig params...)ret that
// dispatches name on the runtime class of its first argument.
func (l *Lookup) FindVirtual(refc *Type, name string, sig *Signature) (*Handle, error) {
	const op = "FindVirtual"
	if err := l.checkOwner(op, refc); err != nil {
		return nil, err
	}
	m := refc.findMethod(name, sig, false)
	if m == nil {
		return nil, newError(KindNoSuchMember, op, "no method %s.%s%s", refc, name, sig)
	}
	if !l.canAccess(m.owner, m.Access) {
		return nil, newError(KindNoAccess, op, "%s cannot access %s %s.%s", l, m.Access, m.owner, name)
	}
	htype, err := sig.InsertParameters(0, refc)
	if err != nil {
		return nil, err
	}
	tt := l.table
	resolved := m
	private := m.Access == AccessPrivate
	return newHandle(htype, memberName(refc, name), func(args []Value) (Value, error) {
		recv := args[0]
		if recv == nil {
			return nil, newError(KindNullPointer, name, "null receiver")
		}
		impl := resolved
		if !private {
			if rc := tt.TypeOf(recv); rc != refc {
				if found := rc.findMethod(name, sig, false); found != nil {
					impl = found
				}
			}
		}
		return impl.Impl(args)
	}), nil
}

// FindConstructor returns a handle of type (sig params...)refc that
// allocates an instance and runs the "<init>" method declared on refc,
// which must have a void return.
func (l *Lookup) FindConstructor(refc *Type, sig *Signature) (*Handle, error) {
	const op = "FindConstructor"
	if err := l.checkOwner(op, refc); err != nil {
		return nil, err
	}
	if refc.kind != ClassKind {
		return nil, invalidArgument(op, "%s is not a class", refc)
	}
	if !sig.rtype.IsVoid() {
		return nil, invalidArgument(op, "constructor signature %s must return void", sig)
	}
	m := refc.declaredMethod("<init>", sig, false)
	if m == nil {
		return nil, newError(KindNoSuchMember, op, "no constructor %s%s", refc, sig)
	}
	if !l.canAccess(refc, m.Access) {
		return nil, newError(KindNoAccess, op, "%s cannot access %s constructor of %s", l, m.Access, refc)
	}
	htype, err := sig.WithReturn(refc)
	if err != nil {
		return nil, err
	}
	return newHandle(htype, memberName(refc, "<init>"), func(args []Value) (Value, error) {
		obj := NewObject(refc)
		full := make([]Value, 0, len(args)+1)
		full = append(full, obj)
		full = append(full, args...)
		if _, err := m.Impl(full); err != nil {
			return nil, err
		}
		return obj, nil
	}), nil
}

func (l *Lookup) resolveField(op string, refc *Type, name string, t *Type, static bool) (*Field, error) {
	if err := l.checkOwner(op, refc); err != nil {
		return nil, err
	}
	f := refc.findField(name)
	if f == nil || f.Type != t || f.Static != static {
		return nil, newError(KindNoSuchMember, op, "no field %s.%s of type %v", refc, name, t)
	}
	if !l.canAccess(f.owner, f.Access) {
		return nil, newError(KindNoAccess, op, "%s cannot access %s %s.%s", l, f.Access, f.owner, name)
	}
	return f, nil
}

func instanceReceiver(name string, v Value) (*Object, error) {
	if v == nil {
		return nil, newError(KindNullPointer, name, "null receiver")
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, newError(KindClassCast, name, "%T has no fields", v)
	}
	return obj, nil
}

// FindGetter returns a handle of type (refc)t reading an instance field.
func (l *Lookup) FindGetter(refc *Type, name string, t *Type) (*Handle, error) {
	f, err := l.resolveField("FindGetter", refc, name, t, false)
	if err != nil {
		return nil, err
	}
	zero := ZeroValue(t)
	sig := l.table.makeSignature(t, []*Type{refc})
	return newHandle(sig, "get "+memberName(refc, name), func(args []Value) (Value, error) {
		obj, err := instanceReceiver(f.Name, args[0])
		if err != nil {
			return nil, err
		}
		if v := obj.Get(f.Name); v != nil {
			return v, nil
		}
		return zero, nil
	}), nil
}

// FindSetter returns a handle of type (refc, t)void writing an instance
// field.
func (l *Lookup) FindSetter(refc *Type, name string, t *Type) (*Handle, error) {
	f, err := l.resolveField("FindSetter", refc, name, t, false)
	if err != nil {
		return nil, err
	}
	sig := l.table.makeSignature(l.table.Void, []*Type{refc, t})
	return newHandle(sig, "set "+memberName(refc, name), func(args []Value) (Value, error) {
		obj, err := instanceReceiver(f.Name, args[0])
		if err != nil {
			return nil, err
		}
		obj.Set(f.Name, args[1])
		return nil, nil
	}), nil
}

// FindStaticGetter returns a handle of type ()t reading a static field.
func (l *Lookup) FindStaticGetter(refc *Type, name string, t *Type) (*Handle, error) {
	f, err := l.resolveField("FindStaticGetter", refc, name, t, true)
	if err != nil {
		return nil, err
	}
	sig := l.table.makeSignature(t, nil)
	return newHandle(sig, "getstatic "+memberName(refc, name), func([]Value) (Value, error) {
		return f.load(), nil
	}), nil
}

// FindStaticSetter returns a handle of type (t)void writing a static field.
func (l *Lookup) FindStaticSetter(refc *Type, name string, t *Type) (*Handle, error) {
	f, err := l.resolveField("FindStaticSetter", refc, name, t, true)
	if err != nil {
		return nil, err
	}
	sig := l.table.makeSignature(l.table.Void, []*Type{t})
	return newHandle(sig, "putstatic "+memberName(refc, name), func(args []Value) (Value, error) {
		f.store(args[0])
		return nil, nil
	}), nil
}

// Bind looks up the virtual method name on the receiver's class and binds
// receiver to it. The result has type sig.
func (l *Lookup) Bind(receiver Value, name string, sig *Signature) (*Handle, error) {
	if receiver == nil {
		return nil, newError(KindNullPointer, "Bind", "null receiver for %s", name)
	}
	h, err := l.FindVirtual(l.table.TypeOf(receiver), name, sig)
	if err != nil {
		return nil, err
	}
	return InsertArguments(h, 0, receiver)
}

// memberName renders "owner.name" for diagnostics.
func memberName(owner *Type, name string) string {
	var b strings.Builder
	b.WriteString(owner.name)
	b.WriteByte('.')
	b.WriteString(name)
	return b.String()
}

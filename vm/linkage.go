package vm

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/benbjohnson/immutable"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Bootstrap arguments
// ---------------------------------------------------------------------------

// ArgsKind tags the shape of a call instruction's extra static arguments.
type ArgsKind uint8

const (
	ArgsNone ArgsKind = iota
	ArgsOne
	ArgsMany
)

func (k ArgsKind) String() string {
	switch k {
	case ArgsNone:
		return "none"
	case ArgsOne:
		return "one"
	case ArgsMany:
		return "many"
	}
	return "unknown"
}

// BootstrapArgs holds zero, one or many extra static arguments. The shape
// decides how they reach the bootstrap handle: none adds nothing to the
// three-argument call, one is passed as is, many are packed into a single
// lang.Object[] argument.
type BootstrapArgs struct {
	kind ArgsKind
	one  Value
	many *immutable.List[Value]
}

// NoArgs returns the empty argument set.
func NoArgs() BootstrapArgs { return BootstrapArgs{} }

// StaticArgs picks the variant that matches the number of values.
func StaticArgs(vs ...Value) BootstrapArgs {
	switch len(vs) {
	case 0:
		return BootstrapArgs{}
	case 1:
		return BootstrapArgs{kind: ArgsOne, one: vs[0]}
	}
	return BootstrapArgs{kind: ArgsMany, many: immutable.NewList(vs...)}
}

// Kind returns the argument shape.
func (a BootstrapArgs) Kind() ArgsKind { return a.kind }

// Len returns the number of arguments.
func (a BootstrapArgs) Len() int {
	switch a.kind {
	case ArgsOne:
		return 1
	case ArgsMany:
		return a.many.Len()
	}
	return 0
}

// At returns argument i.
func (a BootstrapArgs) At(i int) Value {
	if a.kind == ArgsOne && i == 0 {
		return a.one
	}
	if a.kind == ArgsMany {
		return a.many.Get(i)
	}
	panic("vm: bootstrap argument index out of range")
}

// Values returns the arguments as a new slice.
func (a BootstrapArgs) Values() []Value {
	out := make([]Value, a.Len())
	for i := range out {
		out[i] = a.At(i)
	}
	return out
}

// BootstrapFunc is the Go form of a bootstrap method.
type BootstrapFunc func(lookup *Lookup, name string, sig *Signature, args BootstrapArgs) (CallSite, error)

// NewBootstrap wraps fn as a bootstrap handle of type
// (invoke.Lookup, lang.String, invoke.MethodType, extra...)invoke.CallSite.
// A single lang.Object[] extra parameter is unpacked back into the
// arguments it carries.
func (tt *TypeTable) NewBootstrap(name string, fn BootstrapFunc, extra ...*Type) *Handle {
	params := append([]*Type{tt.LookupClass, tt.StringClass, tt.MethodTypeClass}, extra...)
	sig := tt.MustMethodType(tt.CallSiteClass, params...)
	objArray, _ := tt.ArrayOf(tt.ObjectClass)
	return newHandle(sig, name, func(args []Value) (Value, error) {
		lookup, ok := args[0].(*Lookup)
		if !ok {
			return nil, newError(KindClassCast, name, "%s is not a lookup", describeValue(tt, args[0]))
		}
		siteName, _ := args[1].(string)
		siteType, ok := args[2].(*Signature)
		if !ok {
			return nil, newError(KindClassCast, name, "%s is not a method type", describeValue(tt, args[2]))
		}
		static := StaticArgs(args[3:]...)
		if len(extra) == 1 && extra[0] == objArray {
			if arr, ok := args[3].(*Array); ok {
				static = StaticArgs(arr.Items...)
			}
		}
		site, err := fn(lookup, siteName, siteType, static)
		if err != nil || site == nil {
			return nil, err
		}
		return site, nil
	})
}

func (tt *TypeTable) isBootstrapType(sig *Signature) bool {
	return len(sig.ptypes) >= 3 &&
		tt.LookupClass.IsSubtypeOf(sig.ptypes[0]) &&
		tt.StringClass.IsSubtypeOf(sig.ptypes[1]) &&
		tt.MethodTypeClass.IsSubtypeOf(sig.ptypes[2]) &&
		sig.rtype.IsSubtypeOf(tt.CallSiteClass)
}

// ---------------------------------------------------------------------------
// Bootstrap registry
// ---------------------------------------------------------------------------

type registryEntry struct {
	class weak.Pointer[Type]
	bsm   *Handle
}

// BootstrapRegistry binds at most one bootstrap handle to each class.
// Classes are held weakly.
type BootstrapRegistry struct {
	table   *TypeTable
	mu      sync.Mutex
	entries map[uint32]registryEntry
}

// NewBootstrapRegistry creates an empty registry for classes of tt.
func NewBootstrapRegistry(tt *TypeTable) *BootstrapRegistry {
	return &BootstrapRegistry{table: tt, entries: make(map[uint32]registryEntry)}
}

// Register binds bsm to class. It is an illegal-state error to register a
// second bootstrap, to register after the class finished (or failed)
// initializing, or to register while the class is being initialized
// without that initializer's token.
func (r *BootstrapRegistry) Register(class *Type, bsm *Handle, tok *InitToken) error {
	const op = "BootstrapRegistry.Register"
	switch {
	case class == nil || class.table != r.table || class.kind != ClassKind:
		return invalidArgument(op, "%v is not a class of this table", class)
	case bsm == nil:
		return newError(KindNullTarget, op, "nil bootstrap for %s", class)
	case !r.table.isBootstrapType(bsm.typ):
		return invalidArgument(op, "%s does not have a bootstrap signature", bsm)
	case tok != nil && tok.class != class:
		return invalidArgument(op, "init token belongs to %s, not %s", tok.class, class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, active := class.initStatus()
	switch state {
	case initialized, initFailed:
		return newError(KindIllegalState, op, "%s is already initialized", class)
	case initializing:
		if tok == nil || tok != active {
			return newError(KindIllegalState, op, "%s is being initialized by another caller", class)
		}
	}
	if e, ok := r.entries[class.id]; ok && e.class.Value() != nil {
		return newError(KindIllegalState, op, "%s already has a bootstrap", class)
	}
	r.entries[class.id] = registryEntry{class: weak.Make(class), bsm: bsm}
	log.Debugf("registered bootstrap %s for %s", bsm, class)
	return nil
}

// Lookup returns the bootstrap registered for class, or nil.
func (r *BootstrapRegistry) Lookup(class *Type) *Handle {
	if class == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[class.id]; ok && e.class.Value() == class {
		return e.bsm
	}
	return nil
}

// Len returns the number of live registrations.
func (r *BootstrapRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.class.Value() != nil {
			n++
		}
	}
	return n
}

// Sweep drops registrations whose class has been collected and returns how
// many were dropped.
func (r *BootstrapRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	swept := 0
	for id, e := range r.entries {
		if e.class.Value() == nil {
			delete(r.entries, id)
			swept++
		}
	}
	return swept
}

// ---------------------------------------------------------------------------
// Call instructions
// ---------------------------------------------------------------------------

// LinkState is the lifecycle state of a call instruction.
type LinkState uint8

const (
	Unlinked LinkState = iota
	Linked
	Failed
)

func (s LinkState) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Linked:
		return "linked"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// linkage is the immutable outcome stored in an instruction's slot.
type linkage struct {
	site CallSite
	err  error
	at   time.Time
}

// CallInstruction is one dynamic call instruction: the caller class, the
// invocation name, the call signature and how to bootstrap it. It links
// at most once; every later execution uses the same call site.
type CallInstruction struct {
	id        uuid.UUID
	caller    *Type
	name      string
	typ       *Signature
	bootstrap *Handle
	args      BootstrapArgs

	slot atomic.Pointer[linkage]

	invocations atomic.Uint64
	bootstraps  atomic.Uint64
}

func (ci *CallInstruction) ID() uuid.UUID          { return ci.id }
func (ci *CallInstruction) Caller() *Type          { return ci.caller }
func (ci *CallInstruction) Name() string           { return ci.name }
func (ci *CallInstruction) Type() *Signature       { return ci.typ }
func (ci *CallInstruction) Bootstrap() *Handle     { return ci.bootstrap }
func (ci *CallInstruction) Args() BootstrapArgs    { return ci.args }
func (ci *CallInstruction) Invocations() uint64    { return ci.invocations.Load() }
func (ci *CallInstruction) BootstrapCalls() uint64 { return ci.bootstraps.Load() }

// State returns the instruction's lifecycle state.
func (ci *CallInstruction) State() LinkState {
	lk := ci.slot.Load()
	switch {
	case lk == nil:
		return Unlinked
	case lk.err != nil:
		return Failed
	}
	return Linked
}

// Site returns the linked call site, or nil.
func (ci *CallInstruction) Site() CallSite {
	if lk := ci.slot.Load(); lk != nil {
		return lk.site
	}
	return nil
}

// Err returns the linkage failure, or nil.
func (ci *CallInstruction) Err() error {
	if lk := ci.slot.Load(); lk != nil {
		return lk.err
	}
	return nil
}

// LinkedAt returns when the instruction reached its current state.
func (ci *CallInstruction) LinkedAt() time.Time {
	if lk := ci.slot.Load(); lk != nil {
		return lk.at
	}
	return time.Time{}
}

// ClearFailure returns a failed instruction to the unlinked state so the
// next execution bootstraps again. It reports whether it did anything.
func (ci *CallInstruction) ClearFailure() bool {
	lk := ci.slot.Load()
	if lk == nil || lk.err == nil {
		return false
	}
	return ci.slot.CompareAndSwap(lk, nil)
}

func (ci *CallInstruction) String() string {
	return ci.caller.name + "::" + ci.name + ci.typ.descriptor
}

// ---------------------------------------------------------------------------
// Linker
// ---------------------------------------------------------------------------

// Outcome says what became of one bootstrap attempt.
type Outcome uint8

const (
	OutcomeLinked    Outcome = iota // installed as the instruction's site
	OutcomeFailed                   // installed as the instruction's failure
	OutcomeDiscarded                // lost the race; result thrown away
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLinked:
		return "linked"
	case OutcomeFailed:
		return "failed"
	case OutcomeDiscarded:
		return "discarded"
	}
	return "unknown"
}

// LinkEvent describes one bootstrap attempt.
type LinkEvent struct {
	Instruction uuid.UUID
	Caller      string
	Name        string
	Descriptor  string
	SiteKind    string
	Outcome     Outcome
	Err         error
	Duration    time.Duration
	Time        time.Time
}

// Observer receives a LinkEvent after every bootstrap attempt. Observers
// run on the linking goroutine and must not block.
type Observer interface {
	OnLink(ev LinkEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev LinkEvent)

func (f ObserverFunc) OnLink(ev LinkEvent) { f(ev) }

// Linker owns the call instructions of one runtime and links them through
// their bootstrap handles.
type Linker struct {
	types    *TypeTable
	registry *BootstrapRegistry

	mu        sync.RWMutex
	instrs    map[uuid.UUID]*CallInstruction
	observers []Observer

	links    atomic.Uint64
	failures atomic.Uint64
	races    atomic.Uint64
}

// NewLinker creates a linker with its own bootstrap registry.
func NewLinker(tt *TypeTable) *Linker {
	return &Linker{
		types:    tt,
		registry: NewBootstrapRegistry(tt),
		instrs:   make(map[uuid.UUID]*CallInstruction),
	}
}

// Types returns the linker's type table.
func (l *Linker) Types() *TypeTable { return l.types }

// Registry returns the linker's bootstrap registry.
func (l *Linker) Registry() *BootstrapRegistry { return l.registry }

// AddObserver registers o for link events.
func (l *Linker) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// NewInstruction creates an unlinked call instruction. A nil bootstrap
// means the one registered for the caller class, resolved at link time.
func (l *Linker) NewInstruction(caller *Type, name string, sig *Signature, bsm *Handle, args BootstrapArgs) (*CallInstruction, error) {
	const op = "NewInstruction"
	switch {
	case caller == nil || caller.table != l.types || !caller.IsReference():
		return nil, invalidArgument(op, "%v is not a class of this table", caller)
	case sig == nil || sig.table != l.types:
		return nil, invalidArgument(op, "signature missing or from another table")
	case bsm != nil && !l.types.isBootstrapType(bsm.typ):
		return nil, invalidArgument(op, "%s does not have a bootstrap signature", bsm)
	}
	ci := &CallInstruction{
		id:        uuid.New(),
		caller:    caller,
		name:      name,
		typ:       sig,
		bootstrap: bsm,
		args:      args,
	}
	l.mu.Lock()
	l.instrs[ci.id] = ci
	l.mu.Unlock()
	return ci, nil
}

// Instruction returns the instruction with the given id, or nil.
func (l *Linker) Instruction(id uuid.UUID) *CallInstruction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.instrs[id]
}

// Instructions returns all instructions ordered by caller, name and id.
func (l *Linker) Instructions() []*CallInstruction {
	l.mu.RLock()
	out := make([]*CallInstruction, 0, len(l.instrs))
	for _, ci := range l.instrs {
		out = append(out, ci)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.caller.name != b.caller.name {
			return a.caller.name < b.caller.name
		}
		if a.name != b.name {
			return a.name < b.name
		}
		return a.id.String() < b.id.String()
	})
	return out
}

// Forget drops an instruction from the linker. Its site stays usable by
// anyone still holding it.
func (l *Linker) Forget(ci *CallInstruction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.instrs, ci.id)
}

// Link returns the instruction's call site, running its bootstrap if the
// instruction is unlinked. Concurrent callers may each run the bootstrap,
// but exactly one result is installed and all callers return it. A failed
// instruction returns its failure until ClearFailure is called.
func (l *Linker) Link(ci *CallInstruction) (CallSite, error) {
	if lk := ci.slot.Load(); lk != nil {
		return lk.site, lk.err
	}

	start := time.Now()
	site, err := l.bootstrap(ci)
	next := &linkage{site: site, err: err, at: time.Now()}
	if err != nil {
		next.site = nil
	}

	if ci.slot.CompareAndSwap(nil, next) {
		outcome := OutcomeLinked
		if err != nil {
			outcome = OutcomeFailed
			l.failures.Add(1)
			log.Warningf("linking %s failed: %s", ci, err)
		} else {
			l.links.Add(1)
			site.base().bind(ci.caller, ci.name)
			log.Debugf("linked %s to %s call site", ci, SiteKind(site))
		}
		l.notify(ci, next.site, outcome, err, start)
		return next.site, err
	}

	l.races.Add(1)
	l.notify(ci, site, OutcomeDiscarded, err, start)
	won := ci.slot.Load()
	return won.site, won.err
}

// Invoke links ci if necessary and calls its current target.
func (l *Linker) Invoke(ci *CallInstruction, args ...Value) (Value, error) {
	site, err := l.Link(ci)
	if err != nil {
		return nil, err
	}
	ci.invocations.Add(1)
	target, err := ensureTarget(site)
	if err != nil {
		return nil, err
	}
	return target.InvokeExact(ci.typ, args...)
}

// LinkAll links the given instructions concurrently, or every known
// instruction if none are given. It returns the first linkage failure; the
// remaining instructions are still linked unless ctx is cancelled.
func (l *Linker) LinkAll(ctx context.Context, instrs ...*CallInstruction) error {
	if len(instrs) == 0 {
		instrs = l.Instructions()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, ci := range instrs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := l.Link(ci)
			return err
		})
	}
	return g.Wait()
}

// bootstrap runs steps one to three of linkage for ci and returns a site
// whose target has exactly ci's signature.
func (l *Linker) bootstrap(ci *CallInstruction) (CallSite, error) {
	const op = "bootstrap"
	ci.bootstraps.Add(1)

	bsm := ci.bootstrap
	if bsm == nil {
		if bsm = l.registry.Lookup(ci.caller); bsm == nil {
			return nil, bootstrapError(op, newError(KindNoSuchMember, op, "no bootstrap registered for %s", ci.caller),
				"cannot link %s", ci)
		}
	}

	lookup, err := l.types.LookupFor(ci.caller)
	if err != nil {
		return nil, bootstrapError(op, err, "cannot link %s", ci)
	}
	args := []Value{lookup, ci.name, ci.typ}
	switch ci.args.kind {
	case ArgsOne:
		args = append(args, ci.args.one)
	case ArgsMany:
		arr, err := l.types.NewArray(l.types.ObjectClass, ci.args.Values()...)
		if err != nil {
			return nil, bootstrapError(op, err, "cannot pack static arguments of %s", ci)
		}
		args = append(args, arr)
	}
	if n := bsm.typ.ParameterCount(); n != len(args) {
		return nil, bootstrapError(op, nil, "%s takes %d arguments but %s passes %d", bsm, n, ci, len(args))
	}

	result, err := invokeBootstrap(bsm, args)
	if err != nil {
		return nil, bootstrapError(op, err, "bootstrap %s of %s failed", bsm.name, ci)
	}
	site, ok := result.(CallSite)
	if !ok || site == nil {
		return nil, bootstrapError(op, nil, "bootstrap %s returned %s, not a call site", bsm.name, describeValue(l.types, result))
	}
	if err := checkSite(site, ci.typ); err != nil {
		return nil, bootstrapError(op, err, "call site for %s is unusable", ci)
	}
	return site, nil
}

// checkSite verifies a bootstrap's site has type want and a target. A
// site that panics here, such as a typed nil pointer, is reported as an
// error.
func checkSite(site CallSite, want *Signature) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("call site check panicked: %v", r)
		}
	}()
	if got := site.Type(); got != want {
		return wrongSignature("bootstrap", want, got)
	}
	_, err = ensureTarget(site)
	return err
}

func invokeBootstrap(bsm *Handle, args []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("bootstrap panicked: %v", r)
		}
	}()
	return bsm.InvokeWithArguments(args)
}

func (l *Linker) notify(ci *CallInstruction, site CallSite, outcome Outcome, err error, start time.Time) {
	l.mu.RLock()
	observers := l.observers
	l.mu.RUnlock()
	if len(observers) == 0 {
		return
	}
	ev := LinkEvent{
		Instruction: ci.id,
		Caller:      ci.caller.name,
		Name:        ci.name,
		Descriptor:  ci.typ.descriptor,
		Outcome:     outcome,
		Err:         err,
		Duration:    time.Since(start),
		Time:        time.Now(),
	}
	if site != nil {
		ev.SiteKind = SiteKind(site)
	}
	for _, o := range observers {
		o.OnLink(ev)
	}
}

// LinkerStats summarizes a linker's instructions.
type LinkerStats struct {
	Instructions int
	Unlinked     int
	Linked       int
	Failed       int
	Links        uint64 // successful installs
	Failures     uint64 // failed installs
	Races        uint64 // bootstrap results discarded after losing a race
	Signatures   int    // live interned signatures
	Bootstraps   int    // live registry entries
	InlineCaches ICStats
}

// Stats returns a snapshot of the linker's counters.
func (l *Linker) Stats() LinkerStats {
	instrs := l.Instructions()
	stats := LinkerStats{
		Instructions: len(instrs),
		Links:        l.links.Load(),
		Failures:     l.failures.Load(),
		Races:        l.races.Load(),
		Signatures:   l.types.signatures.Len(),
		Bootstraps:   l.registry.Len(),
		InlineCaches: CollectICStats(l),
	}
	for _, ci := range instrs {
		switch ci.State() {
		case Unlinked:
			stats.Unlinked++
		case Linked:
			stats.Linked++
		case Failed:
			stats.Failed++
		}
	}
	return stats
}

package vm

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("indy.vm")

// ---------------------------------------------------------------------------
// CallSite
// ---------------------------------------------------------------------------

// TargetHook supplies the first target of a call site that was created
// without one. It runs at most once successfully per site.
type TargetHook func(site CallSite) (*Handle, error)

// CallSite holds the handle an instruction dispatches through. The target
// always has exactly the site's signature.
type CallSite interface {
	// Type returns the signature fixed at construction.
	Type() *Signature
	// Target returns the current target, or nil if the site has not been
	// given one yet.
	Target() *Handle
	// SetTarget replaces the target.
	SetTarget(h *Handle) error
	// DynamicInvoker returns a handle of the site's type that calls
	// whatever the target is at the time of each call.
	DynamicInvoker() *Handle
	// Caller and Name identify the instruction the site was linked to.
	Caller() *Type
	Name() string
	// Relinks counts successful SetTarget calls.
	Relinks() uint64

	base() *siteBase
}

type siteIdentity struct {
	caller *Type
	name   string
}

// siteBase carries the state every call site variant shares.
type siteBase struct {
	typ      *Signature
	target   atomic.Pointer[Handle]
	hook     TargetHook
	identity atomic.Pointer[siteIdentity]
	relinks  atomic.Uint64
	invoker  atomic.Pointer[Handle]
}

func (b *siteBase) base() *siteBase  { return b }
func (b *siteBase) Type() *Signature { return b.typ }
func (b *siteBase) Target() *Handle  { return b.target.Load() }
func (b *siteBase) Relinks() uint64  { return b.relinks.Load() }

func (b *siteBase) Caller() *Type {
	if id := b.identity.Load(); id != nil {
		return id.caller
	}
	return nil
}

func (b *siteBase) Name() string {
	if id := b.identity.Load(); id != nil {
		return id.name
	}
	return ""
}

// bind records the instruction identity the first time a site is linked.
func (b *siteBase) bind(caller *Type, name string) {
	b.identity.CompareAndSwap(nil, &siteIdentity{caller: caller, name: name})
}

func (b *siteBase) checkTarget(op string, h *Handle) error {
	if h == nil {
		return newError(KindNullTarget, op, "nil target for %s", b.typ)
	}
	if h.typ != b.typ {
		return wrongSignature(op, b.typ, h.typ)
	}
	return nil
}

func (b *siteBase) store(op string, h *Handle) error {
	if err := b.checkTarget(op, h); err != nil {
		return err
	}
	b.target.Store(h)
	b.relinks.Add(1)
	return nil
}

func newSiteBase(op string, sig *Signature, target *Handle, hook TargetHook) (siteBase, error) {
	b := siteBase{typ: sig, hook: hook}
	switch {
	case target != nil:
		b.typ = target.typ
		b.target.Store(target)
	case sig == nil:
		return b, invalidArgument(op, "nil signature")
	case hook == nil:
		return b, newError(KindNullTarget, op, "no target and no initial-target hook for %s", sig)
	}
	return b, nil
}

// ensureTarget returns the site's target, running its initial-target hook
// if it has none. Concurrent callers observe one target.
func ensureTarget(site CallSite) (*Handle, error) {
	b := site.base()
	if h := b.target.Load(); h != nil {
		return h, nil
	}
	if b.hook == nil {
		return nil, newError(KindNullTarget, "CallSite", "site %s has no target", b.typ)
	}
	h, err := b.hook(site)
	if err != nil {
		return nil, err
	}
	if err := b.checkTarget("initial target", h); err != nil {
		return nil, err
	}
	if !b.target.CompareAndSwap(nil, h) {
		return b.target.Load(), nil
	}
	return h, nil
}

func dynamicInvoker(site CallSite) *Handle {
	b := site.base()
	if h := b.invoker.Load(); h != nil {
		return h
	}
	h := newHandle(b.typ, "dynamicInvoker", func(args []Value) (Value, error) {
		target, err := ensureTarget(site)
		if err != nil {
			return nil, err
		}
		return target.call(args)
	})
	b.invoker.CompareAndSwap(nil, h)
	return b.invoker.Load()
}

// ---------------------------------------------------------------------------
// Variants
// ---------------------------------------------------------------------------

// ConstantCallSite never changes its target once it has one.
type ConstantCallSite struct {
	siteBase
}

// NewConstantCallSite creates a constant site permanently bound to target.
func NewConstantCallSite(target *Handle) (*ConstantCallSite, error) {
	if target == nil {
		return nil, newError(KindNullTarget, "NewConstantCallSite", "nil target")
	}
	b, err := newSiteBase("NewConstantCallSite", nil, target, nil)
	if err != nil {
		return nil, err
	}
	return &ConstantCallSite{siteBase: b}, nil
}

// NewUnlinkedConstantCallSite creates a constant site whose one target is
// supplied by hook when the site is first linked or invoked.
func NewUnlinkedConstantCallSite(sig *Signature, hook TargetHook) (*ConstantCallSite, error) {
	b, err := newSiteBase("NewUnlinkedConstantCallSite", sig, nil, hook)
	if err != nil {
		return nil, err
	}
	return &ConstantCallSite{siteBase: b}, nil
}

// SetTarget always fails: a constant site cannot be relinked.
func (s *ConstantCallSite) SetTarget(*Handle) error {
	return newError(KindUnsupportedOperation, "ConstantCallSite.SetTarget", "constant call site %s cannot be relinked", s.typ)
}

// DynamicInvoker returns the target itself once the site has one.
func (s *ConstantCallSite) DynamicInvoker() *Handle {
	if h := s.target.Load(); h != nil {
		return h
	}
	return dynamicInvoker(s)
}

// MutableCallSite has a replaceable target with ordinary-variable
// visibility: another goroutine is only guaranteed to see a new target
// after SyncAll or some other synchronizing action.
type MutableCallSite struct {
	siteBase
}

// NewMutableCallSite creates a mutable site with an initial target.
func NewMutableCallSite(target *Handle) (*MutableCallSite, error) {
	if target == nil {
		return nil, newError(KindNullTarget, "NewMutableCallSite", "nil target")
	}
	b, err := newSiteBase("NewMutableCallSite", nil, target, nil)
	if err != nil {
		return nil, err
	}
	return &MutableCallSite{siteBase: b}, nil
}

// NewUnlinkedMutableCallSite creates a mutable site of the given signature
// whose first target is supplied by hook.
func NewUnlinkedMutableCallSite(sig *Signature, hook TargetHook) (*MutableCallSite, error) {
	b, err := newSiteBase("NewUnlinkedMutableCallSite", sig, nil, hook)
	if err != nil {
		return nil, err
	}
	return &MutableCallSite{siteBase: b}, nil
}

// SetTarget replaces the target. h must have exactly the site's signature.
func (s *MutableCallSite) SetTarget(h *Handle) error {
	return s.store("MutableCallSite.SetTarget", h)
}

func (s *MutableCallSite) DynamicInvoker() *Handle { return dynamicInvoker(s) }

// VolatileCallSite has a replaceable target that every goroutine observes
// immediately after SetTarget returns.
type VolatileCallSite struct {
	siteBase
}

// NewVolatileCallSite creates a volatile site with an initial target.
func NewVolatileCallSite(target *Handle) (*VolatileCallSite, error) {
	if target == nil {
		return nil, newError(KindNullTarget, "NewVolatileCallSite", "nil target")
	}
	b, err := newSiteBase("NewVolatileCallSite", nil, target, nil)
	if err != nil {
		return nil, err
	}
	return &VolatileCallSite{siteBase: b}, nil
}

// NewUnlinkedVolatileCallSite creates a volatile site of the given
// signature whose first target is supplied by hook.
func NewUnlinkedVolatileCallSite(sig *Signature, hook TargetHook) (*VolatileCallSite, error) {
	b, err := newSiteBase("NewUnlinkedVolatileCallSite", sig, nil, hook)
	if err != nil {
		return nil, err
	}
	return &VolatileCallSite{siteBase: b}, nil
}

// SetTarget replaces the target. h must have exactly the site's signature.
func (s *VolatileCallSite) SetTarget(h *Handle) error {
	return s.store("VolatileCallSite.SetTarget", h)
}

func (s *VolatileCallSite) DynamicInvoker() *Handle { return dynamicInvoker(s) }

// ---------------------------------------------------------------------------
// Synchronization
// ---------------------------------------------------------------------------

// syncEpoch is bumped by SyncAll. The atomic add is the barrier; the count
// itself is diagnostic only and shared by every TypeTable in the process.
var syncEpoch atomic.Uint64

// SyncAll publishes the current targets of the given sites. After it
// returns, any goroutine that performs a synchronizing action observes
// each site's target as of the call, or a later one. Constant and
// volatile sites need no barrier.
func SyncAll(sites ...CallSite) {
	mutable := 0
	for _, site := range sites {
		switch site.(type) {
		case *MutableCallSite, *InlineCacheCallSite:
			mutable++
		}
	}
	if mutable == 0 {
		return
	}
	epoch := syncEpoch.Add(1)
	log.Debugf("sync barrier %d over %d mutable call sites", epoch, mutable)
}

// SyncEpoch returns the number of barriers SyncAll has issued in this
// process. It is for diagnostics; no linkage state depends on it.
func SyncEpoch() uint64 { return syncEpoch.Load() }

// SiteKind names the variant of a call site.
func SiteKind(site CallSite) string {
	switch site.(type) {
	case *ConstantCallSite:
		return "constant"
	case *MutableCallSite:
		return "mutable"
	case *VolatileCallSite:
		return "volatile"
	case *InlineCacheCallSite:
		return "inline-cache"
	}
	return "unknown"
}

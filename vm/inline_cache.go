package vm

import (
	"sync"
	"sync/atomic"
)

// Inline-caching call sites
//
// Most dynamic call sites see a single receiver type, a few see a handful
// and very few see many. An InlineCacheCallSite exploits this by relinking
// itself into a chain of receiver-type guards:
//
//	Empty -> Monomorphic -> Polymorphic (up to MaxPICEntries) -> Megamorphic
//
// A megamorphic site stops guarding and resolves on every call.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single receiver type cached
	CachePolymorphic                   // 2-6 entries in the guard chain
	CacheMegamorphic                   // Too many types, resolve every call
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	}
	return "unknown"
}

// MaxPICEntries is the maximum number of entries in a polymorphic inline cache.
const MaxPICEntries = 6

// ReceiverResolver returns the target to use for receivers of the given
// runtime type. The handle is adapted to the site's signature if needed.
type ReceiverResolver func(receiver *Type) (*Handle, error)

// InlineCacheEntry holds a single cached resolution.
type InlineCacheEntry struct {
	Receiver *Type
	Target   *Handle
}

// InlineCacheCallSite is a mutable call site that dispatches on the runtime
// type of its first argument and caches resolutions in its own target.
//
// SetTarget pins an explicit target and bypasses the cache until Reset.
type InlineCacheCallSite struct {
	MutableCallSite

	resolver ReceiverResolver

	mu      sync.Mutex // serializes cache updates
	state   CacheState
	entries []InlineCacheEntry
	miss    *Handle
	mega    *Handle
	pinned  bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewInlineCacheCallSite creates an empty inline-cache site. The first
// parameter of sig is the receiver and must be a reference type.
func NewInlineCacheCallSite(sig *Signature, resolver ReceiverResolver) (*InlineCacheCallSite, error) {
	const op = "NewInlineCacheCallSite"
	if sig == nil {
		return nil, invalidArgument(op, "nil signature")
	}
	if resolver == nil {
		return nil, newError(KindNullTarget, op, "nil resolver for %s", sig)
	}
	if len(sig.ptypes) == 0 || !sig.ptypes[0].IsReference() {
		return nil, invalidArgument(op, "%s has no reference receiver", sig)
	}
	s := &InlineCacheCallSite{resolver: resolver}
	s.typ = sig
	s.miss = newHandle(sig, "icMiss", s.handleMiss)
	s.mega = newHandle(sig, "icMegamorphic", s.handleMegamorphic)
	s.target.Store(s.miss)
	return s, nil
}

// State returns the current cache state.
func (s *InlineCacheCallSite) State() CacheState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Entries returns a copy of the cached entries in guard order.
func (s *InlineCacheCallSite) Entries() []InlineCacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InlineCacheEntry(nil), s.entries...)
}

// Hits returns how many calls were served by a cached guard.
func (s *InlineCacheCallSite) Hits() uint64 { return s.hits.Load() }

// Misses returns how many calls had to resolve their target.
func (s *InlineCacheCallSite) Misses() uint64 { return s.misses.Load() }

// HitRate returns the cache hit rate as a percentage (0-100).
func (s *InlineCacheCallSite) HitRate() float64 {
	hits, misses := s.hits.Load(), s.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) * 100 / float64(total)
}

// Reset clears the cache back to empty and reinstalls the miss handler.
func (s *InlineCacheCallSite) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = CacheEmpty
	s.entries = nil
	s.pinned = false
	s.hits.Store(0)
	s.misses.Store(0)
	s.target.Store(s.miss)
	s.relinks.Add(1)
}

// SetTarget pins h as the target. Misses already in flight through an
// older target no longer relink the site until Reset.
func (s *InlineCacheCallSite) SetTarget(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store("InlineCacheCallSite.SetTarget", h); err != nil {
		return err
	}
	s.pinned = true
	return nil
}

func (s *InlineCacheCallSite) DynamicInvoker() *Handle { return dynamicInvoker(s) }

func (s *InlineCacheCallSite) resolve(receiver *Type) (*Handle, error) {
	h, err := s.resolver(receiver)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, newError(KindNullTarget, "InlineCacheCallSite", "resolver returned no target for %s", receiver)
	}
	return h.AsType(s.typ)
}

func (s *InlineCacheCallSite) receiverOf(args []Value) (*Type, error) {
	if args[0] == nil {
		return nil, newError(KindNullPointer, "InlineCacheCallSite", "null receiver")
	}
	return s.typ.table.TypeOf(args[0]), nil
}

func (s *InlineCacheCallSite) handleMiss(args []Value) (Value, error) {
	s.misses.Add(1)
	receiver, err := s.receiverOf(args)
	if err != nil {
		return nil, err
	}
	h, err := s.resolve(receiver)
	if err != nil {
		return nil, err
	}
	if err := s.update(receiver, h); err != nil {
		return nil, err
	}
	return h.call(args)
}

func (s *InlineCacheCallSite) handleMegamorphic(args []Value) (Value, error) {
	s.misses.Add(1)
	receiver, err := s.receiverOf(args)
	if err != nil {
		return nil, err
	}
	h, err := s.resolve(receiver)
	if err != nil {
		return nil, err
	}
	return h.call(args)
}

// update records a new (receiver, target) pair, potentially upgrading the
// cache state, and relinks the site.
func (s *InlineCacheCallSite) update(receiver *Type, h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned {
		return nil
	}

	switch s.state {
	case CacheEmpty:
		s.state = CacheMonomorphic
		s.entries = []InlineCacheEntry{{Receiver: receiver, Target: h}}

	case CacheMonomorphic, CachePolymorphic:
		for _, e := range s.entries {
			if e.Receiver == receiver {
				return nil // another goroutine got here first
			}
		}
		if len(s.entries) < MaxPICEntries {
			s.state = CachePolymorphic
			s.entries = append(s.entries, InlineCacheEntry{Receiver: receiver, Target: h})
		} else {
			log.Debugf("call site %s%s went megamorphic", s.Name(), s.typ)
			s.state = CacheMegamorphic
			s.entries = nil
		}

	case CacheMegamorphic:
		return nil
	}

	target, err := s.guardChain()
	if err != nil {
		return err
	}
	s.target.Store(target)
	s.relinks.Add(1)
	return nil
}

// guardChain builds the target for the current entries: a receiver-type
// guard per entry, falling through to the miss handler.
func (s *InlineCacheCallSite) guardChain() (*Handle, error) {
	if s.state == CacheMegamorphic {
		return s.mega, nil
	}
	target := s.miss
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		var err error
		if target, err = GuardWithTest(s.receiverTest(e.Receiver), e.Target, target); err != nil {
			return nil, err
		}
	}
	return target, nil
}

func (s *InlineCacheCallSite) receiverTest(receiver *Type) *Handle {
	tt := s.typ.table
	sig := tt.makeSignature(tt.Boolean, []*Type{s.typ.ptypes[0]})
	return newHandle(sig, "receiverIs "+receiver.name, func(args []Value) (Value, error) {
		if args[0] != nil && tt.TypeOf(args[0]) == receiver {
			s.hits.Add(1)
			return true, nil
		}
		return false, nil
	})
}

// InlineCacheBootstrap returns a bootstrap handle that links each call
// instruction to an InlineCacheCallSite dispatching the instruction's name
// as a virtual method on the receiver's runtime class. The instruction
// signature's first parameter is the receiver.
func (tt *TypeTable) InlineCacheBootstrap() *Handle {
	return tt.NewBootstrap("inlineCache", func(lookup *Lookup, name string, sig *Signature, _ BootstrapArgs) (CallSite, error) {
		if len(sig.ptypes) == 0 {
			return nil, invalidArgument("InlineCacheBootstrap", "%s has no receiver", sig)
		}
		msig, err := sig.DropParameters(0, 1)
		if err != nil {
			return nil, err
		}
		return NewInlineCacheCallSite(sig, func(receiver *Type) (*Handle, error) {
			return lookup.FindVirtual(receiver, name, msig)
		})
	})
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	TotalCallSites  int     // Total number of inline-cache call sites
	Monomorphic     int     // Call sites in monomorphic state
	Polymorphic     int     // Call sites in polymorphic state
	Megamorphic     int     // Call sites in megamorphic state
	Empty           int     // Call sites never used
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of used call sites that are monomorphic
}

// CollectICStats gathers inline cache statistics from every linked
// instruction of a Linker.
func CollectICStats(l *Linker) ICStats {
	var stats ICStats
	for _, instr := range l.Instructions() {
		ic, ok := instr.Site().(*InlineCacheCallSite)
		if !ok {
			continue
		}
		stats.TotalCallSites++
		switch ic.State() {
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		case CacheEmpty:
			stats.Empty++
		}
		stats.TotalHits += ic.Hits()
		stats.TotalMisses += ic.Misses()
	}

	total := stats.TotalHits + stats.TotalMisses
	if total > 0 {
		stats.HitRate = float64(stats.TotalHits) * 100 / float64(total)
	}
	nonEmpty := stats.TotalCallSites - stats.Empty
	if nonEmpty > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(nonEmpty)
	}
	return stats
}

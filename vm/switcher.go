package vm

import (
	"sync/atomic"

	set "github.com/hashicorp/go-set/v3"
)

// Switcher is a one-way valid to invalid flag shared by every guard built
// on it. All guards read one volatile call site of type ()boolean, so
// invalidation reaches guards that already exist as well as new ones.
type Switcher struct {
	site    *VolatileCallSite
	off     *Handle
	invalid atomic.Bool
}

// NewSwitcher creates a valid switcher.
func NewSwitcher(tt *TypeTable) *Switcher {
	on, _ := Constant(tt.Boolean, true)
	off, _ := Constant(tt.Boolean, false)
	site, _ := NewVolatileCallSite(on)
	return &Switcher{site: site, off: off}
}

// GuardWithTest returns a handle that delegates to then while the switcher
// is valid and to otherwise once it has been invalidated. then and
// otherwise must have the same signature. On an invalidated switcher the
// result is otherwise itself.
func (s *Switcher) GuardWithTest(then, otherwise *Handle) (*Handle, error) {
	if then == nil || otherwise == nil {
		return nil, newError(KindNullTarget, "Switcher.GuardWithTest", "nil branch")
	}
	if then.typ != otherwise.typ {
		return nil, mismatch("Switcher.GuardWithTest", "branch signature", then.typ, otherwise.typ)
	}
	if s.IsInvalidated() {
		return otherwise, nil
	}
	return GuardWithTest(s.site.DynamicInvoker(), then, otherwise)
}

// IsInvalidated reports whether the switcher has been invalidated.
func (s *Switcher) IsInvalidated() bool { return s.invalid.Load() }

// InvalidateAll invalidates every given switcher. Invalidation is
// permanent; switchers that are already invalid are skipped.
func InvalidateAll(switchers ...*Switcher) {
	seen := set.New[*Switcher](len(switchers))
	sites := make([]CallSite, 0, len(switchers))
	for _, s := range switchers {
		if s == nil || !seen.Insert(s) {
			continue
		}
		if !s.invalid.CompareAndSwap(false, true) {
			continue
		}
		if err := s.site.SetTarget(s.off); err != nil {
			// off always has the site's type
			panic(err)
		}
		sites = append(sites, s.site)
	}
	SyncAll(sites...)
	if len(sites) > 0 {
		log.Debugf("invalidated %d switchers", len(sites))
	}
}

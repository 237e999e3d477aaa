package vm

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantCallSiteIsImmutable(t *testing.T) {
	tt := NewTypeTable()
	a := constant(t, tt.StringClass, "A")
	site, err := NewConstantCallSite(a)
	require.NoError(t, err)

	assert.Same(t, a.Type(), site.Type())
	assert.Same(t, a, site.DynamicInvoker())

	for _, h := range []*Handle{a, constant(t, tt.StringClass, "B"), constant(t, tt.Int, int32(1)), nil} {
		err := site.SetTarget(h)
		requireKind(t, err, KindUnsupportedOperation)
	}
	assert.Same(t, a, site.Target())
	assert.Zero(t, site.Relinks())

	_, err = NewConstantCallSite(nil)
	requireKind(t, err, KindNullTarget)
}

func TestMutableCallSiteSetTarget(t *testing.T) {
	tt := NewTypeTable()
	a := constant(t, tt.StringClass, "A")
	b := constant(t, tt.StringClass, "B")

	newSites := map[string]func(*Handle) (CallSite, error){
		"mutable":  func(h *Handle) (CallSite, error) { return NewMutableCallSite(h) },
		"volatile": func(h *Handle) (CallSite, error) { return NewVolatileCallSite(h) },
	}
	for name, newSite := range newSites {
		t.Run(name, func(t *testing.T) {
			site, err := newSite(a)
			require.NoError(t, err)
			assert.Equal(t, name, SiteKind(site))

			inv := site.DynamicInvoker()
			assert.Same(t, inv, site.DynamicInvoker())
			assert.Equal(t, "A", invoke(t, inv))

			require.NoError(t, site.SetTarget(b))
			assert.Same(t, b, site.Target())
			assert.Equal(t, "B", invoke(t, inv))
			assert.Equal(t, uint64(1), site.Relinks())

			requireKind(t, site.SetTarget(nil), KindNullTarget)
			requireKind(t, site.SetTarget(constant(t, tt.Int, int32(1))), KindWrongSignature)
			assert.Same(t, b, site.Target())

			_, err = newSite(nil)
			requireKind(t, err, KindNullTarget)
		})
	}
}

// TestMutableCallSiteVisibility checks that after SetTarget and SyncAll on
// one goroutine, another goroutine that synchronizes with it observes the
// new target.
func TestMutableCallSiteVisibility(t *testing.T) {
	tt := NewTypeTable()
	a := constant(t, tt.StringClass, "A")
	b := constant(t, tt.StringClass, "B")
	site, err := NewMutableCallSite(a)
	require.NoError(t, err)

	epoch := SyncEpoch()
	var wg sync.WaitGroup
	var setErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		setErr = site.SetTarget(b)
		SyncAll(site)
	}()
	wg.Wait()
	require.NoError(t, setErr)

	got, err := site.DynamicInvoker().Invoke()
	require.NoError(t, err)
	assert.Equal(t, "B", got)
	assert.Greater(t, SyncEpoch(), epoch)
}

func TestSyncAllSkipsNonMutableSites(t *testing.T) {
	tt := NewTypeTable()
	a := constant(t, tt.StringClass, "A")
	cs, err := NewConstantCallSite(a)
	require.NoError(t, err)
	vs, err := NewVolatileCallSite(a)
	require.NoError(t, err)

	epoch := SyncEpoch()
	SyncAll()
	SyncAll(cs, vs)
	assert.Equal(t, epoch, SyncEpoch())
}

func TestUnlinkedCallSiteHook(t *testing.T) {
	tt := NewTypeTable()
	sig := tt.MustMethodType(tt.StringClass)
	a := constant(t, tt.StringClass, "A")

	var calls atomic.Int32
	hook := func(site CallSite) (*Handle, error) {
		calls.Add(1)
		assert.Same(t, sig, site.Type())
		return a, nil
	}

	site, err := NewUnlinkedConstantCallSite(sig, hook)
	require.NoError(t, err)
	assert.Nil(t, site.Target())

	inv := site.DynamicInvoker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := inv.Invoke()
			assert.NoError(t, err)
			assert.Equal(t, "A", v)
		}()
	}
	wg.Wait()

	assert.Same(t, a, site.Target())
	assert.Same(t, a, site.DynamicInvoker())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	// The hook does not run again once the site has a target.
	before := calls.Load()
	assert.Equal(t, "A", invoke(t, inv))
	assert.Equal(t, before, calls.Load())

	_, err = NewUnlinkedMutableCallSite(sig, nil)
	requireKind(t, err, KindNullTarget)
	_, err = NewUnlinkedVolatileCallSite(nil, hook)
	requireKind(t, err, KindInvalidArgument)
}

func TestUnlinkedCallSiteHookErrors(t *testing.T) {
	tt := NewTypeTable()
	sig := tt.MustMethodType(tt.StringClass)

	wrong, err := NewUnlinkedMutableCallSite(sig, func(CallSite) (*Handle, error) {
		return constant(t, tt.Int, int32(1)), nil
	})
	require.NoError(t, err)
	_, err = wrong.DynamicInvoker().Invoke()
	requireKind(t, err, KindWrongSignature)
	assert.Nil(t, wrong.Target())

	empty, err := NewUnlinkedMutableCallSite(sig, func(CallSite) (*Handle, error) { return nil, nil })
	require.NoError(t, err)
	_, err = empty.DynamicInvoker().Invoke()
	requireKind(t, err, KindNullTarget)
}

// TestSetTargetOnUnlinkedSite verifies that an explicit SetTarget on an
// unlinked mutable site pre-empts the hook.
func TestSetTargetOnUnlinkedSite(t *testing.T) {
	tt := NewTypeTable()
	sig := tt.MustMethodType(tt.StringClass)
	site, err := NewUnlinkedMutableCallSite(sig, func(CallSite) (*Handle, error) {
		t.Fatal("hook must not run")
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, site.SetTarget(constant(t, tt.StringClass, "set")))
	assert.Equal(t, "set", invoke(t, site.DynamicInvoker()))
}

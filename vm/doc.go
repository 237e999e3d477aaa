// Package vm implements dynamic call-site linkage.
//
// This package contains:
//   - the type model (TypeTable, Type) and runtime value representation
//   - interned method signatures with erase/generic/wrap algebra
//   - method handles, access-checked lookups and the adapter combinators
//   - constant, mutable, volatile and inline-caching call sites
//   - switchers for bulk invalidation of guarded handles
//   - the bootstrap protocol that links call instructions to call sites
package vm

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch defines the dispatch keys tagging a tensor with its backend and the extra
// functionality (sparsity, autograd, lazy conjugation, ...) that applies to it.
//
// Operator dispatch tests a KeySet with a couple of bitwise operations, instead of type-switching
// on the tensor, so the common (dense, default) path costs nothing.
package dispatch

import (
	"iter"
	"math/bits"
	"strings"
)

// Key is one bit of a KeySet. Keys with a higher value have higher dispatch priority.
type Key uint8

//go:generate go tool enumer -type=Key -trimprefix=Key -output=gen_key_enumer.go dispatch.go

const (
	// KeyUndefined is not a real key, it is never set in a KeySet.
	KeyUndefined Key = iota

	// Backends.
	KeyCPU
	KeyCUDA
	KeySimDevice
	KeyMeta

	// Layouts / functionality.
	KeyDense
	KeySparse
	KeySparseCsr
	KeyQuantized
	KeyNested
	KeyZeroTensor
	KeyNegative
	KeyConjugate
	KeyFunctionalize
	KeyADInplaceOrView
	KeyAutograd
	KeyPython

	// NumKeys is the number of keys, it must be the last one.
	NumKeys
)

// KeySet is a set of Keys stored as a bitset.
type KeySet uint64

// EmptySet has no keys.
const EmptySet KeySet = 0

// Of returns a KeySet with the given keys.
func Of(keys ...Key) KeySet {
	var ks KeySet
	for _, k := range keys {
		ks = ks.Add(k)
	}
	return ks
}

func (k Key) bit() KeySet {
	if k == KeyUndefined || k >= NumKeys {
		return 0
	}
	return 1 << k
}

// Has returns whether k is in the set.
func (ks KeySet) Has(k Key) bool { return ks&k.bit() != 0 }

// HasAny returns whether any key of other is in the set.
func (ks KeySet) HasAny(other KeySet) bool { return ks&other != 0 }

// HasAll returns whether all keys of other are in the set.
func (ks KeySet) HasAll(other KeySet) bool { return ks&other == other }

// Add returns a copy of the set with k added.
func (ks KeySet) Add(k Key) KeySet { return ks | k.bit() }

// Remove returns a copy of the set without k.
func (ks KeySet) Remove(k Key) KeySet { return ks &^ k.bit() }

// Union of the two sets.
func (ks KeySet) Union(other KeySet) KeySet { return ks | other }

// Intersection of the two sets.
func (ks KeySet) Intersection(other KeySet) KeySet { return ks & other }

// Empty returns whether there are no keys in the set.
func (ks KeySet) Empty() bool { return ks == 0 }

// Len returns the number of keys in the set.
func (ks KeySet) Len() int { return bits.OnesCount64(uint64(ks)) }

// Highest returns the key with the highest priority, or KeyUndefined if the set is empty.
func (ks KeySet) Highest() Key {
	if ks == 0 {
		return KeyUndefined
	}
	return Key(63 - bits.LeadingZeros64(uint64(ks)))
}

// Keys iterates over the keys in increasing priority.
func (ks KeySet) Keys() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for rest := uint64(ks); rest != 0; rest &= rest - 1 {
			if !yield(Key(bits.TrailingZeros64(rest))) {
				return
			}
		}
	}
}

// String implements fmt.Stringer, e.g.: "KeySet(CPU|Dense|Autograd)".
func (ks KeySet) String() string {
	var parts []string
	for k := range ks.Keys() {
		parts = append(parts, k.String())
	}
	return "KeySet(" + strings.Join(parts, "|") + ")"
}

var (
	backendKeys  = Of(KeyCPU, KeyCUDA, KeySimDevice, KeyMeta)
	sparseKeys   = Of(KeySparse, KeySparseCsr)
	autogradKeys = Of(KeyAutograd, KeyADInplaceOrView)
)

// Backend returns the backend key of the set, or KeyUndefined.
func (ks KeySet) Backend() Key { return (ks & backendKeys).Highest() }

// IsSparse returns whether the set has any sparse layout key.
func (ks KeySet) IsSparse() bool { return ks.HasAny(sparseKeys) }

// IsQuantized returns whether the set holds the quantized key.
func (ks KeySet) IsQuantized() bool { return ks.Has(KeyQuantized) }

// IsNested returns whether the set holds the nested key.
func (ks KeySet) IsNested() bool { return ks.Has(KeyNested) }

// IsConj returns whether the conjugate bit is set.
func (ks KeySet) IsConj() bool { return ks.Has(KeyConjugate) }

// IsNeg returns whether the negative bit is set.
func (ks KeySet) IsNeg() bool { return ks.Has(KeyNegative) }

// RequiresAutograd returns whether operations on the tensor are tracked by autograd.
func (ks KeySet) RequiresAutograd() bool { return ks.HasAny(autogradKeys) }

// IsInference returns whether a tensor with this key set is an inference tensor: it has
// neither the autograd nor the in-place/view tracking keys.
func (ks KeySet) IsInference() bool { return !ks.HasAny(autogradKeys) }

// ForBackend returns the default key set of a dense tensor created on the given backend,
// with autograd tracking enabled unless inference is true.
func ForBackend(backend Key, inference bool) KeySet {
	ks := Of(backend, KeyDense)
	if !inference {
		ks = ks.Union(autogradKeys)
	}
	return ks
}

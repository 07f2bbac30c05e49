// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package typemeta describes the element type of a tensor: its DType, item size and, for non-trivial
// element types, the placement constructor/destructor that must run over freshly allocated memory.
//
// A Meta is a small index (uint16) into a process-wide table, so it is cheap to store in every tensor
// and cheap to compare. The zero value is Uninitialized: a tensor created in the legacy "lazy" mode has
// no element type until its first RawMutableData call.
//
// All the dtypes in github.com/gomlx/gopjrt/dtypes are pre-registered. Extra element types with
// placement hooks can be added with Register.
package typemeta

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// PlacementFn initializes (or destroys) numElements elements laid out in data.
type PlacementFn func(data []byte, numElements int64)

// Info holds the full description of a Meta.
type Info struct {
	Name     string
	DType    dtypes.DType
	ItemSize int64

	// PlacementNew, if set, must be run over newly allocated memory before it's used.
	// Types with a PlacementNew can't reuse raw bytes of a previous allocation.
	PlacementNew PlacementFn

	// PlacementDelete, if set, must be run before the memory is released.
	PlacementDelete PlacementFn
}

// Meta identifies an element type. The zero value is Uninitialized.
type Meta uint16

// Uninitialized is the Meta of a tensor whose dtype hasn't been set yet.
const Uninitialized Meta = 0

// MaxRegistered is the maximum number of element types that can be registered.
const MaxRegistered = 1 << 16

var (
	// table is copy-on-write: readers load it without locking.
	table      atomic.Pointer[[]Info]
	registerMu sync.Mutex
	byDType    = make(map[dtypes.DType]Meta)
	byName     = make(map[string]Meta)
)

var builtinDTypes = []dtypes.DType{
	dtypes.Bool,
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	dtypes.Complex64, dtypes.Complex128,
}

func init() {
	infos := []Info{{Name: "uninitialized", DType: dtypes.InvalidDType}}
	table.Store(&infos)
	for _, dtype := range builtinDTypes {
		meta, err := register(Info{
			Name:     dtype.String(),
			DType:    dtype,
			ItemSize: int64(dtype.Memory()),
		})
		if err != nil {
			panic(err)
		}
		byDType[dtype] = meta
	}
}

func register(info Info) (Meta, error) {
	registerMu.Lock()
	defer registerMu.Unlock()
	if _, found := byName[info.Name]; found {
		return Uninitialized, errors.Errorf("typemeta: element type %q already registered", info.Name)
	}
	if info.ItemSize <= 0 {
		return Uninitialized, errors.Errorf("typemeta: element type %q must have a positive item size, got %d",
			info.Name, info.ItemSize)
	}
	old := *table.Load()
	if len(old) >= MaxRegistered {
		return Uninitialized, errors.Errorf("typemeta: too many element types registered (%d)", len(old))
	}
	infos := make([]Info, len(old), len(old)+1)
	copy(infos, old)
	infos = append(infos, info)
	meta := Meta(len(old))
	table.Store(&infos)
	byName[info.Name] = meta
	return meta, nil
}

// Register a new element type. The name must be unique.
//
// Types registered with placement hooks are never reused at the byte level by RawMutableData.
func Register(name string, itemSize int64, placementNew, placementDelete PlacementFn) (Meta, error) {
	return register(Info{
		Name:            name,
		DType:           dtypes.InvalidDType,
		ItemSize:        itemSize,
		PlacementNew:    placementNew,
		PlacementDelete: placementDelete,
	})
}

// Of returns the Meta of a builtin dtype. It panics for dtypes not supported.
func Of(dtype dtypes.DType) Meta {
	meta, found := byDType[dtype]
	if !found {
		exceptions.Panicf("typemeta.Of(%s): dtype not supported", dtype)
	}
	return meta
}

// Make returns the Meta for the Go type T.
func Make[T dtypes.Supported]() Meta {
	return Of(dtypes.FromGenericsType[T]())
}

// ByName returns the Meta registered with the given name.
func ByName(name string) (Meta, bool) {
	registerMu.Lock()
	defer registerMu.Unlock()
	meta, found := byName[name]
	return meta, found
}

// Info returns the full description of the element type.
func (m Meta) Info() Info {
	infos := *table.Load()
	if int(m) >= len(infos) {
		exceptions.Panicf("typemeta: invalid Meta(%d)", m)
	}
	return infos[m]
}

// IsInitialized returns whether m is a real element type.
func (m Meta) IsInitialized() bool { return m != Uninitialized }

// ItemSize in bytes. It is 0 for Uninitialized.
func (m Meta) ItemSize() int64 { return m.Info().ItemSize }

// DType returns the dtype, or dtypes.InvalidDType for custom element types.
func (m Meta) DType() dtypes.DType { return m.Info().DType }

// Name of the element type.
func (m Meta) Name() string { return m.Info().Name }

// String implements fmt.Stringer.
func (m Meta) String() string { return m.Name() }

// PlacementNew returns the placement constructor, or nil.
func (m Meta) PlacementNew() PlacementFn { return m.Info().PlacementNew }

// PlacementDelete returns the placement destructor, or nil.
func (m Meta) PlacementDelete() PlacementFn { return m.Info().PlacementDelete }

// IsTrivial returns whether the element type needs no construction or destruction.
func (m Meta) IsTrivial() bool {
	info := m.Info()
	return info.PlacementNew == nil && info.PlacementDelete == nil
}

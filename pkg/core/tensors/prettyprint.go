// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/x448/float16"
)

// TensorStringDefaultPrecision is the number of significant digits used by String for floating point values.
const TensorStringDefaultPrecision = 4

// maxPrintedPerAxis is the number of elements of an axis printed in full: larger axes print the first 3 and the
// last 3 elements.
const maxPrintedPerAxis = 6

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// String implements fmt.Stringer. See Summary.
func (t *Tensor) String() string {
	return t.Summary(TensorStringDefaultPrecision)
}

// Summary returns a multi-line rendering of the values of the tensor, inspired by numpy output.
// Large axes are abbreviated with "...".
//
// Only tensors with a builtin dtype and host accessible storage have their values printed, for the others it
// returns a description of the metadata.
func (t *Tensor) Summary(precision int) string {
	if !t.Ok() || t.policy != PolicyDefault || t.flags.has(flagStorageAccessShouldFail) || t.numel == 0 ||
		t.meta.DType() == dtypes.InvalidDType {
		return t.describe()
	}
	data, err := t.RawData()
	if err != nil || data.Host == nil {
		return t.describe()
	}
	goType := t.meta.DType().GoType()
	itemSize := t.meta.ItemSize()
	sizes, strides := t.Sizes(), t.Strides()

	// Check that every element is within the host buffer.
	end, err := shapes.StorageEnd(0, sizes, strides, itemSize)
	if err != nil {
		return t.describe()
	}
	if end > int64(len(data.Host)) {
		return t.describe() + " (view out of bounds of storage)"
	}

	// Easy string building.
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }

	// Print value with appropriate formatting:
	wValue := func(elementIdx int64) {
		v := reflect.NewAt(goType, unsafe.Pointer(&data.Host[elementIdx*itemSize])).Elem()
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		} else if v.Type() == typeBFloat16 {
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Complex64, reflect.Complex128:
			c := v.Complex()
			w("(%.*g+%.*gi)", precision, real(c), precision, imag(c))
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	// Print Go type equivalent
	for _, size := range sizes {
		w("[%d]", size)
	}
	w("%s", goType)
	rank := len(sizes)
	if rank == 0 {
		// Scalar value.
		w("(")
		wValue(0)
		w(")")
		return buf.String()
	}

	// Recursive function to print the elements of axis, starting at element offset.
	var printAxis func(axis int, offset int64)
	printAxis = func(axis int, offset int64) {
		w("{")
		if axis == 0 && rank > 1 {
			// Break the line before outputting data if we are using more than one row.
			w("\n ")
		}
		separator := ", "
		if axis < rank-1 {
			separator = ",\n" + strings.Repeat(" ", axis+1)
		}
		size, stride := sizes[axis], strides[axis]
		for i, idx := range printedIndices(size) {
			if i > 0 {
				w("%s", separator)
			}
			switch {
			case idx < 0:
				w("...")
			case axis == rank-1:
				wValue(offset + idx*stride)
			default:
				printAxis(axis+1, offset+idx*stride)
			}
		}
		w("}")
	}
	printAxis(0, 0)
	return buf.String()
}

// printedIndices returns the indices of an axis of the given size to print, with -1 marking the ellipsis.
func printedIndices(size int64) []int64 {
	if size <= maxPrintedPerAxis {
		indices := make([]int64, size)
		for i := range indices {
			indices[i] = int64(i)
		}
		return indices
	}
	return []int64{0, 1, 2, -1, size - 3, size - 2, size - 1}
}

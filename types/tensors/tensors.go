// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host-memory Tensor, a multi-dimensional array
// defined by a shapes.Shape and a flat slice of the corresponding Go type.
//
// It is the value type operated on by the collectives package: collective
// operations consume and produce tensors, and completion of the asynchronous
// communication is tracked per tensor storage -- see Tensor.StorageKey.
//
// Construction:
//
//   - FromShape(shape): a tensor of the given shape, initialized with zeros.
//   - FromFlatDataAndDimensions(data, dimensions...): a tensor with the given
//     dimensions, initialized with a copy of the flattened values in data.
//   - FromScalar(value): a rank-0 tensor.
//
// Data access is done under the tensor's lock with ConstFlatData and
// MutableFlatData (or their generic variants), the same access discipline
// used by GoMLX tensors.
package tensors

import (
	"fmt"
	"reflect"
	"sync"
	"weak"

	"github.com/gomlx/collectives/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// storage holds the backing memory of a tensor: a flat slice of the Go type
// corresponding to the tensor's DType. It is a separate heap object so that
// its identity can be referenced weakly by StorageKey.
type storage struct {
	flat any
}

// Tensor is a multi-dimensional array of one of the supported dtypes
// (see github.com/gomlx/gopjrt/dtypes), stored in host memory as a flat
// slice.
//
// In-place collective operations mutate and return the same Tensor;
// out-of-place operations first Clone it, which allocates fresh backing
// storage.
type Tensor struct {
	shape shapes.Shape

	// mu protects storage accesses, not the shape, which is immutable
	// (only cleared when the tensor is finalized).
	mu      sync.Mutex
	storage *storage
}

// StorageKey identifies the backing storage of a Tensor.
//
// Two keys are equal if and only if they were taken from tensors sharing the
// same backing storage. The key holds only a weak reference: it never keeps
// the storage alive, and a key whose storage has been garbage-collected
// simply never matches a key taken from a live tensor. It is valid as a map
// key.
type StorageKey struct {
	ref weak.Pointer[storage]
}

// String implements fmt.Stringer, for diagnostics only.
func (k StorageKey) String() string {
	return fmt.Sprintf("StorageKey(%v)", k.ref)
}

// newTensor returns a Tensor with the shape set and zero-initialized
// backing storage.
func newTensor(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors: cannot create a tensor with an invalid shape"))
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{
		shape:   shape,
		storage: &storage{flat: flatV.Interface()},
	}
}

// FromShape returns a Tensor of the given shape initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	return newTensor(shape)
}

// FromFlatDataAndDimensions returns a Tensor with the given dimensions,
// initialized with a copy of data, interpreted as the flattened values.
// It panics if len(data) doesn't match the size implied by the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s needs %d values, got %d",
			shape, shape.Size(), len(data))
	}
	t := newTensor(shape)
	copy(t.storage.flat.([]T), data)
	return t
}

// FromScalar returns a rank-0 Tensor with the given value.
func FromScalar[T dtypes.Number](value T) *Tensor {
	t := newTensor(shapes.Scalar[T]())
	t.storage.flat.([]T)[0] = value
	return t
}

// Shape of the tensor. It includes the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor, a shortcut to Tensor.Shape().DType.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor, a shortcut to Tensor.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes used by the tensor's backing storage.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok reports whether the tensor is valid: not nil and not finalized.
func (t *Tensor) Ok() bool {
	if t == nil || !t.shape.Ok() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage != nil
}

// AssertValid panics if the tensor is nil or has been finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors: Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		exceptions.Panicf("tensors: Tensor (shape=%s) has been finalized", t.shape)
	}
}

// Finalize releases the tensor's backing storage immediately, rather than
// waiting for the garbage collector. The tensor becomes invalid.
//
// Keys previously taken with StorageKey remain usable for lookups, they
// just never match a live tensor again.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storage = nil
}

// StorageKey returns the identity of the tensor's backing storage, used to
// track pending collective operations on the tensor.
//
// The key does not keep the storage alive. It panics if the tensor was
// finalized.
func (t *Tensor) StorageKey() StorageKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		exceptions.Panicf("tensors: StorageKey of a finalized tensor (shape=%s)", t.shape)
	}
	return StorageKey{ref: weak.Make(t.storage)}
}

// ConstFlatData calls accessFn with the flattened data of the tensor, a
// slice of the Go type corresponding to the tensor's DType. The tensor is
// locked until accessFn returns.
//
// accessFn is given the actual backing data, not a copy; it must not modify
// it -- see MutableFlatData for write access.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storage == nil {
		exceptions.Panicf("tensors: accessing data of a finalized tensor (shape=%s)", t.shape)
	}
	accessFn(t.storage.flat)
}

// MutableFlatData calls accessFn with the flattened data of the tensor, a
// slice of the Go type corresponding to the tensor's DType. The contents of
// the slice may be modified until accessFn returns. The tensor is locked
// until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	// Host-only tensors: const and mutable access follow the same path.
	t.ConstFlatData(accessFn)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.ConstFlatData[%T] is incompatible with tensor's dtype %s",
			v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData is the generics version of Tensor.MutableFlatData.
// It panics if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	ConstFlatData[T](t, accessFn)
}

// Clone returns a tensor with the same shape and contents, backed by fresh
// contiguous storage -- its StorageKey differs from the original's.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = newTensor(t.shape.Clone())
		reflect.Copy(reflect.ValueOf(clone.storage.flat), reflect.ValueOf(flat))
	})
	return clone
}

// Equal reports whether both tensors have the same shape and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := false
	t.ConstFlatData(func(flat any) {
		other.ConstFlatData(func(otherFlat any) {
			equal = reflect.DeepEqual(flat, otherFlat)
		})
	})
	return equal
}

// GoStr returns a printable representation of the tensor's shape and
// flattened values.
func (t *Tensor) GoStr() string {
	var str string
	t.ConstFlatData(func(flat any) {
		str = fmt.Sprintf("%s: %v", t.shape, flat)
	})
	return str
}

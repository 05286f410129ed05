// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collectives/types/shapes"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, tensor.Ok())
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, 2, tensor.Rank())
	require.Equal(t, 6, tensor.Size())
	ConstFlatData(tensor, func(flat []float32) {
		require.Len(t, flat, 6)
		for _, v := range flat {
			require.Zero(t, v)
		}
	})
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.Equal(t, dtypes.Int32, tensor.DType())
	require.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	ConstFlatData(tensor, func(flat []int32) {
		require.Equal(t, []int32{1, 2, 3, 4, 5, 6}, flat)
	})

	// The data is copied, not aliased.
	data := []float64{1, 2}
	tensor = FromFlatDataAndDimensions(data, 2)
	data[0] = 100
	ConstFlatData(tensor, func(flat []float64) {
		require.Equal(t, []float64{1, 2}, flat)
	})

	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
}

func TestFromScalar(t *testing.T) {
	tensor := FromScalar(float32(3.5))
	require.True(t, tensor.Shape().IsScalar())
	ConstFlatData(tensor, func(flat []float32) {
		require.Equal(t, []float32{3.5}, flat)
	})
}

func TestStorageKey(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	require.Equal(t, a.StorageKey(), a.StorageKey())
	require.NotEqual(t, a.StorageKey(), b.StorageKey())

	// Keys are usable as map keys.
	seen := map[StorageKey]int{a.StorageKey(): 1, b.StorageKey(): 2}
	require.Equal(t, 1, seen[a.StorageKey()])
	require.Equal(t, 2, seen[b.StorageKey()])
}

func TestClone(t *testing.T) {
	original := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	clone := original.Clone()
	require.True(t, original.Equal(clone))
	require.NotEqual(t, original.StorageKey(), clone.StorageKey())

	// Mutating the clone doesn't touch the original.
	MutableFlatData(clone, func(flat []float64) { flat[0] = -1 })
	require.False(t, original.Equal(clone))
	ConstFlatData(original, func(flat []float64) {
		require.Equal(t, []float64{1, 2, 3, 4}, flat)
	})
}

func TestEqual(t *testing.T) {
	a := FromFlatDataAndDimensions([]int64{1, 2, 3}, 3)
	require.True(t, a.Equal(a))
	require.True(t, a.Equal(FromFlatDataAndDimensions([]int64{1, 2, 3}, 3)))
	require.False(t, a.Equal(FromFlatDataAndDimensions([]int64{1, 2, 4}, 3)))
	require.False(t, a.Equal(FromFlatDataAndDimensions([]int64{1, 2, 3}, 1, 3)))
	require.False(t, a.Equal(FromFlatDataAndDimensions([]int32{1, 2, 3}, 3)))
}

func TestFinalize(t *testing.T) {
	tensor := FromScalar(int32(7))
	key := tensor.StorageKey()
	tensor.Finalize()
	require.False(t, tensor.Ok())
	require.Panics(t, func() { tensor.AssertValid() })
	require.Panics(t, func() { tensor.StorageKey() })
	require.Panics(t, func() { tensor.ConstFlatData(func(any) {}) })
	// Finalizing again is a no-op.
	tensor.Finalize()
	_ = key // Keys taken before finalization remain valid map keys.

	var nilTensor *Tensor
	require.False(t, nilTensor.Ok())
	nilTensor.Finalize()
}

func TestFlatDataDTypeMismatch(t *testing.T) {
	tensor := FromScalar(float32(1))
	require.Panics(t, func() {
		ConstFlatData(tensor, func(flat []float64) {})
	})
	require.Panics(t, func() {
		MutableFlatData(tensor, func(flat []int32) {})
	})
}

func TestGoStr(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2}, 2)
	require.Equal(t, "(Int32)[2]: [1 2]", tensor.GoStr())
}

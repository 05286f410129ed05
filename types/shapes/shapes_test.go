// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(Float32, 2, 3)
	require.True(t, s.Ok())
	require.Equal(t, Float32, s.DType)
	require.Equal(t, []int{2, 3}, s.Dimensions)
	require.Equal(t, 2, s.Rank())
	require.Equal(t, 6, s.Size())
	require.False(t, s.IsScalar())

	require.Panics(t, func() { Make(Float32, 2, 0) })
	require.Panics(t, func() { Make(Float32, -1) })
}

func TestScalarAndInvalid(t *testing.T) {
	s := Scalar[float64]()
	require.True(t, s.Ok())
	require.True(t, s.IsScalar())
	require.Equal(t, 0, s.Rank())
	require.Equal(t, 1, s.Size())
	require.Equal(t, Float64, s.DType)

	require.False(t, Invalid().Ok())
	require.False(t, Shape{}.Ok())
}

func TestDim(t *testing.T) {
	s := Make(Int32, 4, 5, 6)
	require.Equal(t, 4, s.Dim(0))
	require.Equal(t, 6, s.Dim(2))
	require.Equal(t, 6, s.Dim(-1))
	require.Equal(t, 4, s.Dim(-3))
	require.Panics(t, func() { s.Dim(3) })
	require.Panics(t, func() { s.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(Float32, 2, 3)
	require.True(t, s.Equal(Make(Float32, 2, 3)))
	require.False(t, s.Equal(Make(Float64, 2, 3)))
	require.False(t, s.Equal(Make(Float32, 3, 2)))

	clone := s.Clone()
	require.True(t, s.Equal(clone))
	clone.Dimensions[0] = 7
	require.Equal(t, 2, s.Dimensions[0])
}

func TestMemoryAndString(t *testing.T) {
	s := Make(Float64, 2, 3)
	require.Equal(t, uintptr(48), s.Memory())
	require.Equal(t, "(Float64)[2 3]", s.String())
	require.Equal(t, "(Float32)", Scalar[float32]().String())
}

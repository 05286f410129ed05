// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the combination of a DType and the dimensions
// of a tensor.
//
// It is a trimmed-down sibling of the shapes package used by the GoMLX
// computation graphs: collective communication only needs to describe host
// tensors, so there is no support for tuples or serialization here.
//
// The DType (the type of the unit element of a tensor) is an enumeration
// defined in github.com/gomlx/gopjrt/dtypes, and it is dot-imported, so
// its symbols (dtypes.Float32, etc.) are also accessible from this package.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor: its DType and the dimension of
// each of its axes. A rank-0 shape is a scalar.
//
// Shape is a value type: it is cheap to copy, and its Dimensions slice
// should not be mutated after creation -- use Clone if a derived shape with
// different dimensions is needed.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape with the given DType and dimensions.
// It panics if any dimension is <= 0 -- use a rank-0 shape for scalars.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): dimensions must be > 0, got %v", dtype, dimensions)
		}
	}
	return s
}

// Scalar returns a rank-0 Shape for the Go type T.
func Scalar[T Number]() Shape {
	return Shape{DType: FromGenericsType[T]()}
}

// Invalid returns the invalid (zero) shape.
func Invalid() Shape { return Shape{DType: InvalidDType} }

// Ok reports whether the shape is valid. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank is the number of axes of the shape. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar reports whether the shape is a valid rank-0 shape.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative values are taken
// from the end, so Dim(-1) is the dimension of the last axis.
// It panics on an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Size is the total number of elements, the product of all dimensions.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes needed to store a tensor of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Clone returns a deep copy of the shape (the Dimensions slice is copied).
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares DType and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer and pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// HasShape is an interface for anything that has an associated Shape,
// e.g. a tensors.Tensor, or a Shape itself.
type HasShape interface {
	Shape() Shape
}

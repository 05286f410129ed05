// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// execute runs a fully-arrived collective, writing results directly into
// every rank's output tensors. It is called by the last arriving rank,
// under the hub's lock. The returned error fails the shared Work.
func (h *hub) execute(c *call) error {
	switch c.kind {
	case opAllReduce, opAllReduceCoalesced:
		return h.executeAllReduce(c)
	case opAllGather, opAllGatherCoalesced:
		return h.executeAllGather(c)
	case opReduceScatter, opReduceScatterCoalesced:
		return h.executeReduceScatter(c)
	case opAllToAll:
		return h.executeAllToAll(c)
	case opBroadcast:
		return h.executeBroadcast(c)
	}
	return errors.Errorf("inprocess world %s: unknown collective kind %d", h.id, c.kind)
}

// checkUniform validates that every rank contributed the same number of
// tensors and, per tensor index, the same input shape and the same output
// shape as rank 0.
func (h *hub) checkUniform(c *call) error {
	for rank := 1; rank < h.size; rank++ {
		if len(c.inputs[rank]) != len(c.inputs[0]) {
			return errors.Errorf("inprocess world %s: %s got %d tensors from rank %d but %d from rank 0",
				h.id, c.kind, len(c.inputs[rank]), rank, len(c.inputs[0]))
		}
		for j := range c.inputs[rank] {
			if !c.inputs[rank][j].Shape().Equal(c.inputs[0][j].Shape()) {
				return errors.Errorf("inprocess world %s: %s input #%d is %s on rank %d but %s on rank 0",
					h.id, c.kind, j, c.inputs[rank][j].Shape(), rank, c.inputs[0][j].Shape())
			}
			if !c.outputs[rank][j].Shape().Equal(c.outputs[0][j].Shape()) {
				return errors.Errorf("inprocess world %s: %s output #%d is %s on rank %d but %s on rank 0",
					h.id, c.kind, j, c.outputs[rank][j].Shape(), rank, c.outputs[0][j].Shape())
			}
		}
	}
	return nil
}

// flatValue returns the reflect.Value of the tensor's flat backing slice.
// The transport owns the tensors for the duration of the collective, per
// the ProcessGroup contract.
func flatValue(t *tensors.Tensor) reflect.Value {
	var v reflect.Value
	t.MutableFlatData(func(flat any) {
		v = reflect.ValueOf(flat)
	})
	return v
}

// copyRange copies n elements from src[srcOff:] into dst[dstOff:].
func copyRange(dst, src reflect.Value, dstOff, srcOff, n int) {
	reflect.Copy(dst.Slice(dstOff, dstOff+n), src.Slice(srcOff, srcOff+n))
}

func (h *hub) executeAllReduce(c *call) error {
	if err := h.checkUniform(c); err != nil {
		return err
	}
	for j := range c.inputs[0] {
		perRank := make([]*tensors.Tensor, h.size)
		for rank := range perRank {
			perRank[rank] = c.inputs[rank][j]
		}
		reduced, err := reduceTensors(c.op, perRank)
		if err != nil {
			return err
		}
		reducedV := reflect.ValueOf(reduced)
		for rank := range perRank {
			copyRange(flatValue(c.outputs[rank][j]), reducedV, 0, 0, reducedV.Len())
		}
	}
	return nil
}

func (h *hub) executeAllGather(c *call) error {
	if err := h.checkUniform(c); err != nil {
		return err
	}
	for j := range c.inputs[0] {
		shard := c.inputs[0][j].Size()
		for destRank := 0; destRank < h.size; destRank++ {
			output := flatValue(c.outputs[destRank][j])
			for srcRank := 0; srcRank < h.size; srcRank++ {
				copyRange(output, flatValue(c.inputs[srcRank][j]), srcRank*shard, 0, shard)
			}
		}
	}
	return nil
}

func (h *hub) executeReduceScatter(c *call) error {
	if err := h.checkUniform(c); err != nil {
		return err
	}
	for j := range c.inputs[0] {
		perRank := make([]*tensors.Tensor, h.size)
		for rank := range perRank {
			perRank[rank] = c.inputs[rank][j]
		}
		reduced, err := reduceTensors(c.op, perRank)
		if err != nil {
			return err
		}
		reducedV := reflect.ValueOf(reduced)
		// Rank r receives the r-th shard of the reduced tensor; with an
		// uneven leading dimension the trailing remainder is dropped, as
		// the truncated output shape dictates.
		shard := c.outputs[0][j].Size()
		for rank := range perRank {
			copyRange(flatValue(c.outputs[rank][j]), reducedV, 0, rank*shard, shard)
		}
	}
	return nil
}

func (h *hub) executeAllToAll(c *call) error {
	// Rows (leading-axis entries) are exchanged, so only the trailing axes
	// must agree across ranks; leading dimensions follow the split sizes.
	rowSize := 1
	if c.inputs[0][0].Rank() > 1 {
		rowSize = c.inputs[0][0].Size() / c.inputs[0][0].Shape().Dim(0)
	}
	for src := 0; src < h.size; src++ {
		for dest := 0; dest < h.size; dest++ {
			if c.inSplits[src][dest] != c.outSplits[dest][src] {
				return errors.Errorf(
					"inprocess world %s: AllToAllSingle rank %d sends %d rows to rank %d, which expects %d",
					h.id, src, c.inSplits[src][dest], dest, c.outSplits[dest][src])
			}
		}
	}
	for dest := 0; dest < h.size; dest++ {
		output := flatValue(c.outputs[dest][0])
		destOff := 0
		for src := 0; src < h.size; src++ {
			rows := c.outSplits[dest][src]
			srcOff := 0
			for d := 0; d < dest; d++ {
				srcOff += c.inSplits[src][d]
			}
			copyRange(output, flatValue(c.inputs[src][0]), destOff*rowSize, srcOff*rowSize, rows*rowSize)
			destOff += rows
		}
	}
	return nil
}

func (h *hub) executeBroadcast(c *call) error {
	if err := h.checkUniform(c); err != nil {
		return err
	}
	for j := range c.inputs[c.sourceRank] {
		source := flatValue(c.inputs[c.sourceRank][j])
		for rank := 0; rank < h.size; rank++ {
			if rank == c.sourceRank {
				continue
			}
			copyRange(flatValue(c.outputs[rank][j]), source, 0, 0, source.Len())
		}
	}
	return nil
}

// reduceTensors reduces the given per-rank tensors element-wise with op and
// returns a freshly allocated flat slice (as any) with the result.
func reduceTensors(op comms.ReduceOpType, perRank []*tensors.Tensor) (any, error) {
	dtype := perRank[0].DType()
	switch dtype {
	case dtypes.Float32:
		return reduceFloats(op, typedFlats[float32](perRank))
	case dtypes.Float64:
		return reduceFloats(op, typedFlats[float64](perRank))
	case dtypes.Int32:
		return reduceInts(op, typedFlats[int32](perRank))
	case dtypes.Int64:
		return reduceInts(op, typedFlats[int64](perRank))
	case dtypes.Float16:
		return reduceFloat16(op, typedFlats[float16.Float16](perRank))
	}
	return nil, errors.Errorf("inprocess: reduce is not implemented for dtype %s", dtype)
}

// typedFlats collects the flat backing slices of the tensors, which must
// all have the dtype corresponding to T.
func typedFlats[T dtypes.Supported](ts []*tensors.Tensor) [][]T {
	flats := make([][]T, len(ts))
	for i, t := range ts {
		tensors.ConstFlatData(t, func(flat []T) {
			flats[i] = flat
		})
	}
	return flats
}

// reduceFloats element-wise reduces the slices in srcs into a fresh slice.
func reduceFloats[T float32 | float64](op comms.ReduceOpType, srcs [][]T) ([]T, error) {
	switch op {
	case comms.ReduceOpSum, comms.ReduceOpAvg, comms.ReduceOpProduct, comms.ReduceOpMin, comms.ReduceOpMax:
		// Supported.
	case comms.ReduceOpBitwiseAnd, comms.ReduceOpBitwiseOr, comms.ReduceOpBitwiseXor:
		return nil, errors.Errorf("inprocess: reduce operation %s requires an integer dtype", op)
	default:
		return nil, errors.Errorf("inprocess: cannot reduce with operation %s", op)
	}
	dst := make([]T, len(srcs[0]))
	copy(dst, srcs[0])
	for _, src := range srcs[1:] {
		switch op {
		case comms.ReduceOpSum, comms.ReduceOpAvg:
			for i, v := range src {
				dst[i] += v
			}
		case comms.ReduceOpProduct:
			for i, v := range src {
				dst[i] *= v
			}
		case comms.ReduceOpMin:
			for i, v := range src {
				dst[i] = min(dst[i], v)
			}
		case comms.ReduceOpMax:
			for i, v := range src {
				dst[i] = max(dst[i], v)
			}
		}
	}
	if op == comms.ReduceOpAvg {
		n := T(len(srcs))
		for i := range dst {
			dst[i] /= n
		}
	}
	return dst, nil
}

// reduceInts element-wise reduces the slices in srcs into a fresh slice.
// Averaging is not defined for integer dtypes.
func reduceInts[T int32 | int64](op comms.ReduceOpType, srcs [][]T) ([]T, error) {
	switch op {
	case comms.ReduceOpAvg:
		return nil, errors.New("inprocess: reduce operation avg requires a float dtype")
	case comms.ReduceOpSum, comms.ReduceOpProduct, comms.ReduceOpMin, comms.ReduceOpMax,
		comms.ReduceOpBitwiseAnd, comms.ReduceOpBitwiseOr, comms.ReduceOpBitwiseXor:
		// Supported.
	default:
		return nil, errors.Errorf("inprocess: cannot reduce with operation %s", op)
	}
	dst := make([]T, len(srcs[0]))
	copy(dst, srcs[0])
	for _, src := range srcs[1:] {
		switch op {
		case comms.ReduceOpSum:
			for i, v := range src {
				dst[i] += v
			}
		case comms.ReduceOpProduct:
			for i, v := range src {
				dst[i] *= v
			}
		case comms.ReduceOpMin:
			for i, v := range src {
				dst[i] = min(dst[i], v)
			}
		case comms.ReduceOpMax:
			for i, v := range src {
				dst[i] = max(dst[i], v)
			}
		case comms.ReduceOpBitwiseAnd:
			for i, v := range src {
				dst[i] &= v
			}
		case comms.ReduceOpBitwiseOr:
			for i, v := range src {
				dst[i] |= v
			}
		case comms.ReduceOpBitwiseXor:
			for i, v := range src {
				dst[i] ^= v
			}
		}
	}
	return dst, nil
}

// reduceFloat16 reduces float16 tensors in float32 precision and converts
// the result back, the usual accumulation arrangement for half floats.
func reduceFloat16(op comms.ReduceOpType, srcs [][]float16.Float16) ([]float16.Float16, error) {
	widened := make([][]float32, len(srcs))
	for i, src := range srcs {
		widened[i] = make([]float32, len(src))
		for j, v := range src {
			widened[i][j] = v.Float32()
		}
	}
	reduced, err := reduceFloats(op, widened)
	if err != nil {
		return nil, err
	}
	dst := make([]float16.Float16, len(reduced))
	for i, v := range reduced {
		dst[i] = float16.Fromfloat32(v)
	}
	return dst, nil
}

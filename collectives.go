// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collectives provides functional collective communication
// operations on tensors -- all-reduce, all-gather, reduce-scatter,
// all-to-all and broadcast -- with deferred completion tracking.
//
// Every operation dispatches onto a named process group (see the comms
// package) and returns its output tensors immediately, before the
// communication completes. The asynchronous completion handle is recorded
// internally, keyed by the identity of each output tensor's backing
// storage. Any later caller holding an output tensor synchronizes with
// Wait, without the two call sites sharing anything besides the tensor:
//
//	x := collectives.AllReduce(grads, "sum", "world")
//	... // unrelated computation, x can be freely passed around
//	x = collectives.Wait(x) // blocks until the all-reduce completed
//
// Wait is idempotent: the first call pops the pending operation and blocks
// on it, further calls (and calls on tensors with no pending operation)
// return immediately.
//
// Operations come in out-of-place form (clone the input, then operate on
// the clone) and in-place form (suffix "InPlace", mutating and returning
// the argument). Coalesced variants operate on a slice of tensors fused
// into one transport call: all outputs share a single completion handle,
// but each is waited on independently.
//
// Following the GoMLX convention for functional APIs, caller errors --
// unknown reduce operation or group name, dispatching a second collective
// onto a storage with one still pending, malformed split sizes -- are
// reported as panics with an error value, catchable with the
// github.com/gomlx/exceptions helpers.
//
// When one process hosts several logical participants, enable rank
// isolation (SetRankIsolation) and dispatch through OnRank so each
// participant tracks its pending work separately.
package collectives

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/types/shapes"
	"github.com/gomlx/collectives/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// reduceOpOrPanic resolves a reduce operation name, panicking on an
// unrecognized name.
func reduceOpOrPanic(name string) comms.ReduceOpType {
	op, err := comms.ReduceOpFromName(name)
	if err != nil {
		panic(err)
	}
	return op
}

// resolveGroupOrPanic resolves a process group name, panicking if it is
// not registered.
func resolveGroupOrPanic(name string) comms.ProcessGroup {
	group, err := comms.ResolveGroup(name)
	if err != nil {
		panic(err)
	}
	return group
}

// registerWork records work as the pending operation of every output
// tensor, in the Caller's registry. For coalesced operations the same
// handle is registered once per output; popping one output's entry leaves
// the others pending.
func (c Caller) registerWork(work comms.Work, outputs ...*tensors.Tensor) {
	registry := c.Registry()
	for _, output := range outputs {
		if err := registry.Register(output.StorageKey(), work); err != nil {
			panic(err)
		}
	}
}

// AllReduceInPlace reduces tensor t element-wise across all participants of
// the group, in-place, and returns t. reduceOp is one of "sum", "avg",
// "product", "min", "max", "band", "bor", "bxor".
//
// It returns before the communication completes; call Wait on the result
// before reading it.
func (c Caller) AllReduceInPlace(t *tensors.Tensor, reduceOp, groupName string) *tensors.Tensor {
	return c.AllReduceCoalescedInPlace([]*tensors.Tensor{t}, reduceOp, groupName)[0]
}

// AllReduce is the out-of-place AllReduceInPlace: it clones t and reduces
// the clone, leaving t untouched.
func (c Caller) AllReduce(t *tensors.Tensor, reduceOp, groupName string) *tensors.Tensor {
	return c.AllReduceInPlace(t.Clone(), reduceOp, groupName)
}

// AllReduceCoalescedInPlace reduces every tensor in ts across all
// participants in one fused transport operation, in-place, and returns ts.
// All outputs share one completion handle; each can still be waited on
// independently.
func (c Caller) AllReduceCoalescedInPlace(ts []*tensors.Tensor, reduceOp, groupName string) []*tensors.Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("collectives.AllReduceCoalescedInPlace: requires at least one tensor")
	}
	op := reduceOpOrPanic(reduceOp)
	group := resolveGroupOrPanic(groupName)
	var work comms.Work
	var err error
	if len(ts) == 1 {
		work, err = group.AllReduce(ts, op)
	} else {
		work, err = group.AllReduceCoalesced(ts, op)
	}
	if err != nil {
		panic(errors.WithMessagef(err, "collectives: AllReduce on group %q", groupName))
	}
	c.registerWork(work, ts...)
	return ts
}

// AllReduceCoalesced is the out-of-place AllReduceCoalescedInPlace: it
// clones every input and reduces the clones.
func (c Caller) AllReduceCoalesced(ts []*tensors.Tensor, reduceOp, groupName string) []*tensors.Tensor {
	outputs := make([]*tensors.Tensor, len(ts))
	for i, t := range ts {
		outputs[i] = t.Clone()
	}
	return c.AllReduceCoalescedInPlace(outputs, reduceOp, groupName)
}

// allocateAllGatherOutput allocates the output of an all-gather: the
// input's shape with the leading dimension multiplied by groupSize.
func allocateAllGatherOutput(input *tensors.Tensor, groupSize int) *tensors.Tensor {
	if input.Rank() == 0 {
		exceptions.Panicf("collectives: all-gather input must have rank >= 1, got scalar %s", input.Shape())
	}
	dims := input.Shape().Clone().Dimensions
	dims[0] *= groupSize
	return tensors.FromShape(shapes.Make(input.DType(), dims...))
}

// AllGatherIntoTensor concatenates t from every participant of the group
// along the leading axis, in rank order, into a freshly allocated output
// with groupSize times t's leading dimension.
//
// It returns before the communication completes; call Wait on the result
// before reading it.
func (c Caller) AllGatherIntoTensor(t *tensors.Tensor, groupSize int, groupName string) *tensors.Tensor {
	return c.AllGatherIntoTensorCoalesced([]*tensors.Tensor{t}, groupSize, groupName)[0]
}

// AllGatherIntoTensorCoalesced is AllGatherIntoTensor over multiple inputs
// fused into one transport operation. All outputs share one completion
// handle; each can still be waited on independently.
func (c Caller) AllGatherIntoTensorCoalesced(ts []*tensors.Tensor, groupSize int, groupName string) []*tensors.Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("collectives.AllGatherIntoTensorCoalesced: requires at least one tensor")
	}
	outputs := make([]*tensors.Tensor, len(ts))
	for i, t := range ts {
		outputs[i] = allocateAllGatherOutput(t, groupSize)
	}
	group := resolveGroupOrPanic(groupName)
	var work comms.Work
	var err error
	if len(ts) == 1 {
		work, err = group.AllGatherIntoTensor(outputs[0], ts[0])
	} else {
		work, err = group.AllGatherIntoTensorCoalesced(outputs, ts)
	}
	if err != nil {
		panic(errors.WithMessagef(err, "collectives: AllGatherIntoTensor on group %q", groupName))
	}
	c.registerWork(work, outputs...)
	return outputs
}

// allocateReduceScatterOutput allocates the output of a reduce-scatter: the
// input's shape with the leading dimension divided by groupSize.
//
// An uneven leading dimension is tolerated with a warning and truncating
// division, matching the transports' tolerance for caller-computed shards
// that are only approximately even.
func allocateReduceScatterOutput(input *tensors.Tensor, groupSize int) *tensors.Tensor {
	if input.Rank() == 0 {
		exceptions.Panicf("collectives: reduce-scatter input must have rank >= 1, got scalar %s", input.Shape())
	}
	dims := input.Shape().Clone().Dimensions
	if dims[0]%groupSize != 0 {
		klog.Warningf("The leading dimension of the reduce-scatter input (%d) is not divisible by the group size (%d).",
			dims[0], groupSize)
	}
	dims[0] /= groupSize
	return tensors.FromShape(shapes.Make(input.DType(), dims...))
}

// ReduceScatterTensor reduces t element-wise across all participants and
// scatters the result: the returned tensor holds this rank's shard of the
// leading axis, with t's leading dimension divided by groupSize.
//
// It returns before the communication completes; call Wait on the result
// before reading it.
func (c Caller) ReduceScatterTensor(t *tensors.Tensor, reduceOp string, groupSize int, groupName string) *tensors.Tensor {
	return c.ReduceScatterTensorCoalesced([]*tensors.Tensor{t}, reduceOp, groupSize, groupName)[0]
}

// ReduceScatterTensorCoalesced is ReduceScatterTensor over multiple inputs
// fused into one transport operation. All outputs share one completion
// handle; each can still be waited on independently.
func (c Caller) ReduceScatterTensorCoalesced(ts []*tensors.Tensor, reduceOp string, groupSize int, groupName string) []*tensors.Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("collectives.ReduceScatterTensorCoalesced: requires at least one tensor")
	}
	op := reduceOpOrPanic(reduceOp)
	outputs := make([]*tensors.Tensor, len(ts))
	for i, t := range ts {
		outputs[i] = allocateReduceScatterOutput(t, groupSize)
	}
	group := resolveGroupOrPanic(groupName)
	var work comms.Work
	var err error
	if len(ts) == 1 {
		work, err = group.ReduceScatterTensor(outputs[0], ts[0], op)
	} else {
		work, err = group.ReduceScatterTensorCoalesced(outputs, ts, op)
	}
	if err != nil {
		panic(errors.WithMessagef(err, "collectives: ReduceScatterTensor on group %q", groupName))
	}
	c.registerWork(work, outputs...)
	return outputs
}

// AllToAllSingle splits t along its leading axis according to
// inputSplitSizes (one shard per destination rank) and returns a freshly
// allocated tensor concatenating the shards received from every rank,
// sized by outputSplitSizes.
//
// The split slices must have one entry per participant, inputSplitSizes
// must sum to t's leading dimension, and the outputs' leading dimension is
// the sum of outputSplitSizes.
//
// It returns before the communication completes; call Wait on the result
// before reading it.
func (c Caller) AllToAllSingle(t *tensors.Tensor, outputSplitSizes, inputSplitSizes []int, groupName string) *tensors.Tensor {
	if t.Rank() == 0 {
		exceptions.Panicf("collectives.AllToAllSingle: input must have rank >= 1, got scalar %s", t.Shape())
	}
	group := resolveGroupOrPanic(groupName)
	if len(outputSplitSizes) != group.Size() || len(inputSplitSizes) != group.Size() {
		exceptions.Panicf("collectives.AllToAllSingle: split sizes must have one entry per participant (%d), got %d output and %d input entries",
			group.Size(), len(outputSplitSizes), len(inputSplitSizes))
	}
	inputTotal := 0
	for _, size := range inputSplitSizes {
		inputTotal += size
	}
	if inputTotal != t.Shape().Dim(0) {
		exceptions.Panicf("collectives.AllToAllSingle: input split sizes %v sum to %d, want the input's leading dimension %d",
			inputSplitSizes, inputTotal, t.Shape().Dim(0))
	}
	outputTotal := 0
	for _, size := range outputSplitSizes {
		outputTotal += size
	}
	dims := t.Shape().Clone().Dimensions
	dims[0] = outputTotal
	output := tensors.FromShape(shapes.Make(t.DType(), dims...))

	work, err := group.AllToAllSingle(output, t, outputSplitSizes, inputSplitSizes)
	if err != nil {
		panic(errors.WithMessagef(err, "collectives: AllToAllSingle on group %q", groupName))
	}
	c.registerWork(work, output)
	return output
}

// BroadcastInPlace replaces t's contents in-place with the values held by
// the participant sourceRank, and returns t.
//
// It returns before the communication completes; call Wait on the result
// before reading it.
func (c Caller) BroadcastInPlace(t *tensors.Tensor, sourceRank int, groupName string) *tensors.Tensor {
	group := resolveGroupOrPanic(groupName)
	work, err := group.Broadcast([]*tensors.Tensor{t}, sourceRank)
	if err != nil {
		panic(errors.WithMessagef(err, "collectives: Broadcast on group %q", groupName))
	}
	c.registerWork(work, t)
	return t
}

// Broadcast is the out-of-place BroadcastInPlace: it clones t and
// broadcasts into the clone, leaving t untouched.
func (c Caller) Broadcast(t *tensors.Tensor, sourceRank int, groupName string) *tensors.Tensor {
	return c.BroadcastInPlace(t.Clone(), sourceRank, groupName)
}

// Wait blocks until t's pending collective operation (if any) completes,
// and returns t, so it can be chained.
//
// If t has no pending operation -- it was already waited on, or no
// collective produced it -- Wait returns immediately. It panics if the
// transport reports the operation failed.
func (c Caller) Wait(t *tensors.Tensor) *tensors.Tensor {
	work := c.Registry().Pop(t.StorageKey())
	if work == nil {
		return t
	}
	// The registry entry is already popped: blocking here doesn't hold up
	// concurrent registrations, and a second Wait is a no-op.
	if err := work.Wait(); err != nil {
		panic(errors.WithMessage(err, "collectives: collective operation failed"))
	}
	return t
}

// Shutdown drains all pending-work bookkeeping: the shared process
// registry and every per-rank registry created under rank isolation.
//
// Abandoned operations are counted and reported in a single warning, and
// their Work handles are deliberately leaked -- never waited on or
// destroyed -- since by shutdown time the owning transports may already be
// gone. Call it at process teardown, after unregistering groups.
func Shutdown() {
	abandoned := 0
	for _, registry := range allRegistries() {
		abandoned += registry.Drain()
	}
	selectorMu.Lock()
	clear(rankRegistries)
	selectorMu.Unlock()
	if abandoned > 0 {
		klog.Warningf("At shutdown there are still %d unwaited collective operations. "+
			"Review the program to ensure collectives.Wait is invoked on all tensors "+
			"returned from collective operations before they are used.", abandoned)
	}
}

// Package-level dispatch functions, shortcuts to the default rank-0 Caller.
// They are the normal entry points when the process hosts a single
// participant (rank isolation disabled).

// AllReduce is a shortcut for OnRank(0).AllReduce.
func AllReduce(t *tensors.Tensor, reduceOp, groupName string) *tensors.Tensor {
	return OnRank(0).AllReduce(t, reduceOp, groupName)
}

// AllReduceInPlace is a shortcut for OnRank(0).AllReduceInPlace.
func AllReduceInPlace(t *tensors.Tensor, reduceOp, groupName string) *tensors.Tensor {
	return OnRank(0).AllReduceInPlace(t, reduceOp, groupName)
}

// AllReduceCoalesced is a shortcut for OnRank(0).AllReduceCoalesced.
func AllReduceCoalesced(ts []*tensors.Tensor, reduceOp, groupName string) []*tensors.Tensor {
	return OnRank(0).AllReduceCoalesced(ts, reduceOp, groupName)
}

// AllReduceCoalescedInPlace is a shortcut for OnRank(0).AllReduceCoalescedInPlace.
func AllReduceCoalescedInPlace(ts []*tensors.Tensor, reduceOp, groupName string) []*tensors.Tensor {
	return OnRank(0).AllReduceCoalescedInPlace(ts, reduceOp, groupName)
}

// AllGatherIntoTensor is a shortcut for OnRank(0).AllGatherIntoTensor.
func AllGatherIntoTensor(t *tensors.Tensor, groupSize int, groupName string) *tensors.Tensor {
	return OnRank(0).AllGatherIntoTensor(t, groupSize, groupName)
}

// AllGatherIntoTensorCoalesced is a shortcut for OnRank(0).AllGatherIntoTensorCoalesced.
func AllGatherIntoTensorCoalesced(ts []*tensors.Tensor, groupSize int, groupName string) []*tensors.Tensor {
	return OnRank(0).AllGatherIntoTensorCoalesced(ts, groupSize, groupName)
}

// ReduceScatterTensor is a shortcut for OnRank(0).ReduceScatterTensor.
func ReduceScatterTensor(t *tensors.Tensor, reduceOp string, groupSize int, groupName string) *tensors.Tensor {
	return OnRank(0).ReduceScatterTensor(t, reduceOp, groupSize, groupName)
}

// ReduceScatterTensorCoalesced is a shortcut for OnRank(0).ReduceScatterTensorCoalesced.
func ReduceScatterTensorCoalesced(ts []*tensors.Tensor, reduceOp string, groupSize int, groupName string) []*tensors.Tensor {
	return OnRank(0).ReduceScatterTensorCoalesced(ts, reduceOp, groupSize, groupName)
}

// AllToAllSingle is a shortcut for OnRank(0).AllToAllSingle.
func AllToAllSingle(t *tensors.Tensor, outputSplitSizes, inputSplitSizes []int, groupName string) *tensors.Tensor {
	return OnRank(0).AllToAllSingle(t, outputSplitSizes, inputSplitSizes, groupName)
}

// Broadcast is a shortcut for OnRank(0).Broadcast.
func Broadcast(t *tensors.Tensor, sourceRank int, groupName string) *tensors.Tensor {
	return OnRank(0).Broadcast(t, sourceRank, groupName)
}

// BroadcastInPlace is a shortcut for OnRank(0).BroadcastInPlace.
func BroadcastInPlace(t *tensors.Tensor, sourceRank int, groupName string) *tensors.Tensor {
	return OnRank(0).BroadcastInPlace(t, sourceRank, groupName)
}

// Wait is a shortcut for OnRank(0).Wait.
func Wait(t *tensors.Tensor) *tensors.Tensor {
	return OnRank(0).Wait(t)
}

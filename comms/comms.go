// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package comms defines the boundary to the communication transport that
// executes collective operations: the ProcessGroup interface, the opaque
// Work completion handle, and the ReduceOpType enumeration.
//
// The collectives package dispatches onto a ProcessGroup resolved by name
// (see RegisterGroup/ResolveGroup) and tracks the returned Work handles;
// it never looks inside them. Transports implement ProcessGroup: see
// comms/inprocess for a pure-Go transport running all ranks in one process.
package comms

import (
	"github.com/gomlx/collectives/types/tensors"
	"github.com/pkg/errors"
)

// Work is an opaque handle to an in-flight asynchronous collective
// operation.
//
// Wait blocks until the transport reports completion and returns the
// operation's error, if any. Work handles are shared: the same handle may
// be held by the issuing caller and by the pending-work registry, and Wait
// may be called at most meaningfully once per collective -- further calls
// return the same result immediately.
type Work interface {
	Wait() error
}

// ReduceOpType selects how elements are combined across the participants of
// a reduce-style collective.
type ReduceOpType int

const (
	// ReduceOpUnused is a placeholder for collectives that take a reduce
	// operation argument but ignore it.
	ReduceOpUnused ReduceOpType = iota

	// ReduceOpSum reduces by summing the elements across participants.
	ReduceOpSum

	// ReduceOpAvg reduces by summing and dividing by the number of
	// participants.
	ReduceOpAvg

	// ReduceOpProduct reduces by multiplying the elements.
	ReduceOpProduct

	// ReduceOpMin and ReduceOpMax reduce by taking the element-wise
	// minimum/maximum.
	ReduceOpMin
	ReduceOpMax

	// ReduceOpBitwiseAnd, ReduceOpBitwiseOr and ReduceOpBitwiseXor reduce
	// integer tensors with the corresponding bitwise operation.
	ReduceOpBitwiseAnd
	ReduceOpBitwiseOr
	ReduceOpBitwiseXor
)

// reduceOpNames maps the canonical string names accepted by
// ReduceOpFromName to their enumeration values.
var reduceOpNames = map[string]ReduceOpType{
	"sum":     ReduceOpSum,
	"avg":     ReduceOpAvg,
	"product": ReduceOpProduct,
	"min":     ReduceOpMin,
	"max":     ReduceOpMax,
	"band":    ReduceOpBitwiseAnd,
	"bor":     ReduceOpBitwiseOr,
	"bxor":    ReduceOpBitwiseXor,
	"unused":  ReduceOpUnused,
}

// ReduceOpFromName translates a reduce operation name ("sum", "avg",
// "product", "min", "max", "band", "bor", "bxor" or "unused") to its
// ReduceOpType. It returns an error for any other name.
func ReduceOpFromName(name string) (ReduceOpType, error) {
	op, found := reduceOpNames[name]
	if !found {
		return ReduceOpUnused, errors.Errorf("unrecognized reduce operation %q", name)
	}
	return op, nil
}

// String implements fmt.Stringer.
func (op ReduceOpType) String() string {
	for name, value := range reduceOpNames {
		if value == op {
			return name
		}
	}
	return "invalid"
}

// ProcessGroup is a named set of communicating participants ("ranks") that
// executes collective operations asynchronously.
//
// Every collective returns immediately with a Work handle; the output
// tensors' contents are only defined after Work.Wait returns. The caller
// must pass pre-sized output tensors where the signature takes them.
//
// All participants of a group must invoke the same sequence of collectives
// with compatible arguments; transports are free to fail the Work (or
// deadlock, for network transports) otherwise.
type ProcessGroup interface {
	// Rank of the local participant within the group, in [0, Size).
	Rank() int

	// Size is the number of participants in the group.
	Size() int

	// AllReduce reduces each tensor in-place across all participants.
	AllReduce(tensors []*tensors.Tensor, op ReduceOpType) (Work, error)

	// AllReduceCoalesced is AllReduce over multiple tensors fused into a
	// single transport operation with a single Work.
	AllReduceCoalesced(tensors []*tensors.Tensor, op ReduceOpType) (Work, error)

	// AllGatherIntoTensor concatenates input from every participant into
	// output along the leading axis, in rank order. output's leading
	// dimension must be Size() times input's.
	AllGatherIntoTensor(output, input *tensors.Tensor) (Work, error)

	// AllGatherIntoTensorCoalesced is AllGatherIntoTensor over multiple
	// (output, input) pairs sharing a single Work.
	AllGatherIntoTensorCoalesced(outputs, inputs []*tensors.Tensor) (Work, error)

	// ReduceScatterTensor reduces input across participants and scatters
	// the result: each participant receives its rank's shard of the
	// leading axis in output.
	ReduceScatterTensor(output, input *tensors.Tensor, op ReduceOpType) (Work, error)

	// ReduceScatterTensorCoalesced is ReduceScatterTensor over multiple
	// (output, input) pairs sharing a single Work.
	ReduceScatterTensorCoalesced(outputs, inputs []*tensors.Tensor, op ReduceOpType) (Work, error)

	// AllToAllSingle splits input along the leading axis according to
	// inputSplitSizes (one entry per destination rank) and concatenates
	// the shards received from every rank, sized by outputSplitSizes,
	// into output.
	AllToAllSingle(output, input *tensors.Tensor, outputSplitSizes, inputSplitSizes []int) (Work, error)

	// Broadcast replaces each tensor's contents in-place with the values
	// held by the participant sourceRank.
	Broadcast(tensors []*tensors.Tensor, sourceRank int) (Work, error)
}

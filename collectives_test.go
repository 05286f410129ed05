// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/types/tensors"
)

// stubWork is an already-completed Work carrying a preset error.
type stubWork struct{ err error }

func (w *stubWork) Wait() error { return w.err }

// stubTransport implements comms.ProcessGroup recording which collectives
// were dispatched. Every call completes immediately; it never touches the
// tensors, so these tests exercise only the dispatch and bookkeeping -- the
// data paths are covered by the inprocess transport tests.
type stubTransport struct {
	size     int
	calls    []string
	works    []*stubWork
	failWith error
}

func (g *stubTransport) dispatched(call string) (comms.Work, error) {
	g.calls = append(g.calls, call)
	work := &stubWork{err: g.failWith}
	g.works = append(g.works, work)
	return work, nil
}

func (g *stubTransport) Rank() int { return 0 }
func (g *stubTransport) Size() int { return g.size }

func (g *stubTransport) AllReduce(ts []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	return g.dispatched("AllReduce")
}
func (g *stubTransport) AllReduceCoalesced(ts []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	return g.dispatched("AllReduceCoalesced")
}
func (g *stubTransport) AllGatherIntoTensor(output, input *tensors.Tensor) (comms.Work, error) {
	return g.dispatched("AllGatherIntoTensor")
}
func (g *stubTransport) AllGatherIntoTensorCoalesced(outputs, inputs []*tensors.Tensor) (comms.Work, error) {
	return g.dispatched("AllGatherIntoTensorCoalesced")
}
func (g *stubTransport) ReduceScatterTensor(output, input *tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	return g.dispatched("ReduceScatterTensor")
}
func (g *stubTransport) ReduceScatterTensorCoalesced(outputs, inputs []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	return g.dispatched("ReduceScatterTensorCoalesced")
}
func (g *stubTransport) AllToAllSingle(output, input *tensors.Tensor, outputSplitSizes, inputSplitSizes []int) (comms.Work, error) {
	return g.dispatched("AllToAllSingle")
}
func (g *stubTransport) Broadcast(ts []*tensors.Tensor, sourceRank int) (comms.Work, error) {
	return g.dispatched("Broadcast")
}

// newStubGroup registers a stubTransport under a test-unique name and
// arranges for the group and any abandoned bookkeeping to be cleaned up.
func newStubGroup(t *testing.T, size int) (string, *stubTransport) {
	name := fmt.Sprintf("%s/world", t.Name())
	group := &stubTransport{size: size}
	require.NoError(t, comms.RegisterGroup(name, group))
	t.Cleanup(func() {
		comms.UnregisterGroup(name)
		for _, registry := range allRegistries() {
			registry.Drain()
		}
	})
	return name, group
}

func TestAllReduce(t *testing.T) {
	groupName, group := newStubGroup(t, 4)
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)

	output := AllReduce(input, "sum", groupName)
	require.Equal(t, []string{"AllReduce"}, group.calls)

	// Out-of-place: the result is a fresh tensor, the input keeps its
	// contents and has no pending operation.
	require.NotEqual(t, input.StorageKey(), output.StorageKey())
	require.True(t, input.Equal(output))
	require.False(t, OnRank(0).Registry().IsEmpty())
	require.Nil(t, OnRank(0).Registry().Pop(input.StorageKey()))

	output = Wait(output)
	require.True(t, OnRank(0).Registry().IsEmpty())
	// Waiting again is a no-op.
	Wait(output)
	require.Equal(t, []string{"AllReduce"}, group.calls)
}

func TestAllReduceInPlace(t *testing.T) {
	groupName, group := newStubGroup(t, 4)
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)

	output := AllReduceInPlace(input, "max", groupName)
	require.Equal(t, input.StorageKey(), output.StorageKey())
	require.Equal(t, []string{"AllReduce"}, group.calls)
	Wait(output)
}

func TestAllReduceCoalesced(t *testing.T) {
	groupName, group := newStubGroup(t, 2)
	inputs := []*tensors.Tensor{
		tensors.FromScalar(float32(1)),
		tensors.FromScalar(float32(2)),
		tensors.FromScalar(float32(3)),
	}

	outputs := AllReduceCoalesced(inputs, "sum", groupName)
	require.Equal(t, []string{"AllReduceCoalesced"}, group.calls)
	require.Len(t, group.works, 1)

	// All outputs share one Work but are waited on independently.
	Wait(outputs[0])
	require.False(t, OnRank(0).Registry().IsEmpty())
	Wait(outputs[1])
	Wait(outputs[2])
	require.True(t, OnRank(0).Registry().IsEmpty())

	// A single-tensor coalesced call takes the non-coalesced transport path.
	single := AllReduceCoalescedInPlace(inputs[:1], "sum", groupName)
	require.Equal(t, []string{"AllReduceCoalesced", "AllReduce"}, group.calls)
	Wait(single[0])
}

func TestWaitFailure(t *testing.T) {
	groupName, group := newStubGroup(t, 2)
	group.failWith = fmt.Errorf("remote rank went away")
	output := AllReduceInPlace(tensors.FromScalar(float32(1)), "sum", groupName)
	require.PanicsWithError(t,
		"collectives: collective operation failed: remote rank went away",
		func() { Wait(output) })
	// The failed operation was still popped.
	require.True(t, OnRank(0).Registry().IsEmpty())
}

func TestDoubleDispatchPanics(t *testing.T) {
	groupName, _ := newStubGroup(t, 2)
	input := tensors.FromScalar(float32(1))
	AllReduceInPlace(input, "sum", groupName)
	// A second collective on the same storage without an intervening Wait.
	require.Panics(t, func() { AllReduceInPlace(input, "sum", groupName) })
	// The first operation is still pending and can be waited on.
	Wait(input)
}

func TestCallerErrors(t *testing.T) {
	groupName, _ := newStubGroup(t, 2)
	input := tensors.FromScalar(float32(1))
	require.Panics(t, func() { AllReduce(input, "mean", groupName) })
	require.Panics(t, func() { AllReduce(input, "sum", "no-such-group") })
	require.Panics(t, func() { AllReduceCoalescedInPlace(nil, "sum", groupName) })
	require.Panics(t, func() { AllGatherIntoTensorCoalesced(nil, 2, groupName) })
	require.Panics(t, func() { ReduceScatterTensorCoalesced(nil, "sum", 2, groupName) })
}

func TestAllGatherIntoTensor(t *testing.T) {
	groupName, group := newStubGroup(t, 4)
	input := tensors.FromFlatDataAndDimensions(make([]float32, 3*5), 3, 5)

	output := AllGatherIntoTensor(input, 4, groupName)
	require.Equal(t, []int{12, 5}, output.Shape().Dimensions)
	require.Equal(t, []string{"AllGatherIntoTensor"}, group.calls)
	Wait(output)

	outputs := AllGatherIntoTensorCoalesced([]*tensors.Tensor{input, input.Clone()}, 4, groupName)
	require.Equal(t, []string{"AllGatherIntoTensor", "AllGatherIntoTensorCoalesced"}, group.calls)
	for _, output = range outputs {
		require.Equal(t, []int{12, 5}, output.Shape().Dimensions)
		Wait(output)
	}

	require.Panics(t, func() { AllGatherIntoTensor(tensors.FromScalar(float32(1)), 4, groupName) })
}

func TestReduceScatterTensor(t *testing.T) {
	groupName, group := newStubGroup(t, 4)
	input := tensors.FromFlatDataAndDimensions(make([]float32, 8*3), 8, 3)

	output := ReduceScatterTensor(input, "sum", 4, groupName)
	require.Equal(t, []int{2, 3}, output.Shape().Dimensions)
	require.Equal(t, []string{"ReduceScatterTensor"}, group.calls)
	Wait(output)

	// An uneven leading dimension is truncated (with a logged warning).
	uneven := tensors.FromFlatDataAndDimensions(make([]float32, 7*3), 7, 3)
	output = ReduceScatterTensor(uneven, "sum", 4, groupName)
	require.Equal(t, []int{1, 3}, output.Shape().Dimensions)
	Wait(output)

	require.Panics(t, func() { ReduceScatterTensor(tensors.FromScalar(float32(1)), "sum", 4, groupName) })
}

func TestAllToAllSingle(t *testing.T) {
	groupName, group := newStubGroup(t, 4)
	input := tensors.FromFlatDataAndDimensions(make([]float32, 10*2), 10, 2)

	// The output's leading dimension follows the output split sizes, not
	// the input's.
	output := AllToAllSingle(input, []int{1, 2, 3, 0}, []int{4, 3, 2, 1}, groupName)
	require.Equal(t, []int{6, 2}, output.Shape().Dimensions)
	require.Equal(t, []string{"AllToAllSingle"}, group.calls)
	Wait(output)

	// One split entry per participant.
	require.Panics(t, func() {
		AllToAllSingle(input, []int{5, 5}, []int{4, 3, 2, 1}, groupName)
	})
	// Input splits must cover the input's leading dimension exactly.
	require.Panics(t, func() {
		AllToAllSingle(input, []int{1, 2, 3, 0}, []int{4, 3, 2, 2}, groupName)
	})
	require.Panics(t, func() {
		AllToAllSingle(tensors.FromScalar(float32(1)), []int{1, 2, 3, 0}, []int{4, 3, 2, 1}, groupName)
	})
}

func TestBroadcast(t *testing.T) {
	groupName, group := newStubGroup(t, 4)
	input := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3}, 3)

	output := Broadcast(input, 2, groupName)
	require.NotEqual(t, input.StorageKey(), output.StorageKey())
	require.Equal(t, []string{"Broadcast"}, group.calls)
	Wait(output)

	output = BroadcastInPlace(input, 2, groupName)
	require.Equal(t, input.StorageKey(), output.StorageKey())
	Wait(output)
}

func TestRankIsolation(t *testing.T) {
	groupName, _ := newStubGroup(t, 2)

	// Disabled (the default): every Caller shares one registry.
	require.False(t, RankIsolation())
	require.Same(t, OnRank(0).Registry(), OnRank(7).Registry())

	SetRankIsolation(true)
	t.Cleanup(func() { SetRankIsolation(false) })
	require.True(t, RankIsolation())
	require.NotSame(t, OnRank(0).Registry(), OnRank(1).Registry())
	require.Same(t, OnRank(1).Registry(), OnRank(1).Registry())

	// A collective dispatched as rank 1 is invisible to rank 0.
	output := OnRank(1).AllReduceInPlace(tensors.FromScalar(float32(1)), "sum", groupName)
	require.Nil(t, OnRank(0).Registry().Pop(output.StorageKey()))
	require.False(t, OnRank(1).Registry().IsEmpty())
	OnRank(1).Wait(output)
	require.True(t, OnRank(1).Registry().IsEmpty())
}

func TestShutdown(t *testing.T) {
	groupName, _ := newStubGroup(t, 2)
	SetRankIsolation(true)
	t.Cleanup(func() { SetRankIsolation(false) })

	OnRank(0).AllReduceInPlace(tensors.FromScalar(float32(1)), "sum", groupName)
	OnRank(1).AllReduceInPlace(tensors.FromScalar(float32(2)), "sum", groupName)
	rank1Registry := OnRank(1).Registry()
	require.False(t, rank1Registry.IsEmpty())

	Shutdown()
	require.True(t, rank1Registry.IsEmpty())
	// Per-rank registries were discarded; new Callers start fresh.
	require.NotSame(t, rank1Registry, OnRank(1).Registry())
	require.True(t, OnRank(1).Registry().IsEmpty())
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inprocess implements a pure-Go comms.ProcessGroup that runs all
// participants of a collective inside one process, typically one goroutine
// per rank.
//
// It exists for tests and simulations: NewWorld creates the groups of a
// worldSize-rank "world" sharing an in-memory hub. Each rank's k-th
// collective call joins the world's k-th pending operation; when the last
// rank arrives, the arriving goroutine computes the results directly into
// the output tensors and completes the shared Work.
//
// Collectives are matched by call order, so all ranks must issue the same
// sequence of operations with compatible arguments -- mismatches fail the
// Work instead of deadlocking.
package inprocess

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/types/tensors"
	"github.com/gomlx/collectives/types/xsync"
)

// opKind discriminates the pending operations of a hub.
type opKind int

const (
	opAllReduce opKind = iota
	opAllReduceCoalesced
	opAllGather
	opAllGatherCoalesced
	opReduceScatter
	opReduceScatterCoalesced
	opAllToAll
	opBroadcast
)

var opKindNames = [...]string{
	"AllReduce", "AllReduceCoalesced", "AllGatherIntoTensor",
	"AllGatherIntoTensorCoalesced", "ReduceScatterTensor",
	"ReduceScatterTensorCoalesced", "AllToAllSingle", "Broadcast"}

func (k opKind) String() string { return opKindNames[k] }

// work implements comms.Work for one in-process collective: a latch
// triggered by the goroutine that completes (or fails) the operation.
type work struct {
	latch *xsync.Latch
}

func newWork() *work {
	return &work{latch: xsync.NewLatch()}
}

// Wait implements comms.Work.
func (w *work) Wait() error { return w.latch.Wait() }

// call is one pending collective: the per-rank arguments gathered so far
// and the Work shared by all participants.
type call struct {
	kind opKind
	op   comms.ReduceOpType
	w    *work

	arrived    int
	inputs     [][]*tensors.Tensor // indexed by rank
	outputs    [][]*tensors.Tensor // indexed by rank
	outSplits  [][]int             // indexed by rank, AllToAllSingle only
	inSplits   [][]int             // indexed by rank, AllToAllSingle only
	sourceRank int                 // Broadcast only
}

// hub is the shared state of a world: the pending calls keyed by call
// sequence number.
type hub struct {
	id   string
	size int

	mu    sync.Mutex
	calls map[int]*call
}

// Group is one rank's endpoint of an in-process world.
// It implements comms.ProcessGroup.
//
// A Group is meant to be driven by a single goroutine (its rank); the
// shared hub state is still lock-protected, so stray concurrent use fails
// predictably rather than corrupting the rendezvous.
type Group struct {
	hub  *hub
	rank int
	seq  int
}

var _ comms.ProcessGroup = (*Group)(nil)

// NewWorld creates the process groups of an in-process world with
// worldSize participants: element r of the result is the group endpoint
// for rank r.
func NewWorld(worldSize int) ([]*Group, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("inprocess.NewWorld: worldSize must be >= 1, got %d", worldSize)
	}
	h := &hub{
		id:    uuid.NewString(),
		size:  worldSize,
		calls: make(map[int]*call),
	}
	groups := make([]*Group, worldSize)
	for rank := range groups {
		groups[rank] = &Group{hub: h, rank: rank}
	}
	klog.V(1).Infof("inprocess: new world %s with %d ranks", h.id, worldSize)
	return groups, nil
}

// Rank implements comms.ProcessGroup.
func (g *Group) Rank() int { return g.rank }

// Size implements comms.ProcessGroup.
func (g *Group) Size() int { return g.hub.size }

// rendezvous joins this rank's next pending call, contributing this rank's
// arguments. The last rank to arrive executes the collective and triggers
// the shared Work.
func (g *Group) rendezvous(kind opKind, op comms.ReduceOpType,
	inputs, outputs []*tensors.Tensor, outSplits, inSplits []int, sourceRank int) (comms.Work, error) {
	h := g.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := g.seq
	g.seq++
	pending, found := h.calls[seq]
	if !found {
		pending = &call{
			kind:       kind,
			op:         op,
			w:          newWork(),
			inputs:     make([][]*tensors.Tensor, h.size),
			outputs:    make([][]*tensors.Tensor, h.size),
			outSplits:  make([][]int, h.size),
			inSplits:   make([][]int, h.size),
			sourceRank: sourceRank,
		}
		h.calls[seq] = pending
	} else if pending.kind != kind || pending.op != op || pending.sourceRank != sourceRank {
		pending.w.latch.Trigger(errors.Errorf(
			"inprocess world %s: rank %d issued %s(op=%s) as call #%d, but another rank issued %s(op=%s)",
			h.id, g.rank, kind, op, seq, pending.kind, pending.op))
	}
	pending.inputs[g.rank] = inputs
	pending.outputs[g.rank] = outputs
	pending.outSplits[g.rank] = outSplits
	pending.inSplits[g.rank] = inSplits

	pending.arrived++
	klog.V(1).Infof("inprocess world %s: rank %d joined %s call #%d (%d/%d)",
		h.id, g.rank, pending.kind, seq, pending.arrived, h.size)
	if pending.arrived == h.size {
		delete(h.calls, seq)
		if !pending.w.latch.Test() {
			pending.w.latch.Trigger(h.execute(pending))
		}
	}
	return pending.w, nil
}

// AllReduce implements comms.ProcessGroup.
func (g *Group) AllReduce(ts []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	if len(ts) == 0 {
		return nil, errors.New("inprocess.AllReduce: requires at least one tensor")
	}
	// In-place: the inputs are also the outputs.
	return g.rendezvous(opAllReduce, op, ts, ts, nil, nil, 0)
}

// AllReduceCoalesced implements comms.ProcessGroup.
func (g *Group) AllReduceCoalesced(ts []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	if len(ts) == 0 {
		return nil, errors.New("inprocess.AllReduceCoalesced: requires at least one tensor")
	}
	return g.rendezvous(opAllReduceCoalesced, op, ts, ts, nil, nil, 0)
}

// AllGatherIntoTensor implements comms.ProcessGroup.
func (g *Group) AllGatherIntoTensor(output, input *tensors.Tensor) (comms.Work, error) {
	return g.allGatherKind(opAllGather, []*tensors.Tensor{output}, []*tensors.Tensor{input})
}

// AllGatherIntoTensorCoalesced implements comms.ProcessGroup.
func (g *Group) AllGatherIntoTensorCoalesced(outputs, inputs []*tensors.Tensor) (comms.Work, error) {
	return g.allGatherKind(opAllGatherCoalesced, outputs, inputs)
}

// allGatherKind is the shared implementation of the two
// all-gather entry points.
func (g *Group) allGatherKind(kind opKind, outputs, inputs []*tensors.Tensor) (comms.Work, error) {
	if err := checkPairs(kind, outputs, inputs); err != nil {
		return nil, err
	}
	for i, output := range outputs {
		if output.Size() != inputs[i].Size()*g.hub.size {
			return nil, errors.Errorf("inprocess.%s: output #%d %s cannot hold %d times input %s",
				kind, i, output.Shape(), g.hub.size, inputs[i].Shape())
		}
	}
	return g.rendezvous(kind, comms.ReduceOpUnused, inputs, outputs, nil, nil, 0)
}

// ReduceScatterTensor implements comms.ProcessGroup.
func (g *Group) ReduceScatterTensor(output, input *tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	return g.reduceScatterKind(opReduceScatter, []*tensors.Tensor{output}, []*tensors.Tensor{input}, op)
}

// ReduceScatterTensorCoalesced implements comms.ProcessGroup.
func (g *Group) ReduceScatterTensorCoalesced(outputs, inputs []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	return g.reduceScatterKind(opReduceScatterCoalesced, outputs, inputs, op)
}

func (g *Group) reduceScatterKind(kind opKind, outputs, inputs []*tensors.Tensor, op comms.ReduceOpType) (comms.Work, error) {
	if err := checkPairs(kind, outputs, inputs); err != nil {
		return nil, err
	}
	for i, output := range outputs {
		if output.Size()*g.hub.size > inputs[i].Size() {
			return nil, errors.Errorf("inprocess.%s: %d shards of output #%d %s don't fit input %s",
				kind, g.hub.size, i, output.Shape(), inputs[i].Shape())
		}
	}
	return g.rendezvous(kind, op, inputs, outputs, nil, nil, 0)
}

// AllToAllSingle implements comms.ProcessGroup.
func (g *Group) AllToAllSingle(output, input *tensors.Tensor, outputSplitSizes, inputSplitSizes []int) (comms.Work, error) {
	if len(outputSplitSizes) != g.hub.size || len(inputSplitSizes) != g.hub.size {
		return nil, errors.Errorf("inprocess.AllToAllSingle: split sizes must have %d entries, got %d output and %d input",
			g.hub.size, len(outputSplitSizes), len(inputSplitSizes))
	}
	if input.Rank() == 0 || output.Rank() == 0 {
		return nil, errors.New("inprocess.AllToAllSingle: tensors must have rank >= 1")
	}
	return g.rendezvous(opAllToAll, comms.ReduceOpUnused,
		[]*tensors.Tensor{input}, []*tensors.Tensor{output}, outputSplitSizes, inputSplitSizes, 0)
}

// Broadcast implements comms.ProcessGroup.
func (g *Group) Broadcast(ts []*tensors.Tensor, sourceRank int) (comms.Work, error) {
	if len(ts) == 0 {
		return nil, errors.New("inprocess.Broadcast: requires at least one tensor")
	}
	if sourceRank < 0 || sourceRank >= g.hub.size {
		return nil, errors.Errorf("inprocess.Broadcast: sourceRank %d out of range [0, %d)", sourceRank, g.hub.size)
	}
	return g.rendezvous(opBroadcast, comms.ReduceOpUnused, ts, ts, nil, nil, sourceRank)
}

// checkPairs validates the (outputs, inputs) lists of paired collectives.
func checkPairs(kind opKind, outputs, inputs []*tensors.Tensor) error {
	if len(inputs) == 0 {
		return errors.Errorf("inprocess.%s: requires at least one tensor", kind)
	}
	if len(outputs) != len(inputs) {
		return errors.Errorf("inprocess.%s: got %d outputs for %d inputs", kind, len(outputs), len(inputs))
	}
	return nil
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// collectives_demo runs a small multi-rank collective communication
// simulation in one process: every rank all-reduces its gradients, gathers
// everyone's activations and reduce-scatters a parameter shard, using the
// in-process transport with one goroutine per rank.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives"
	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/comms/inprocess"
	"github.com/gomlx/collectives/types/tensors"
)

var (
	flagNumRanks = flag.Int("ranks", 4, "Number of simulated participants.")
	flagNumRows  = flag.Int("rows", 8, "Leading dimension of the tensors exchanged. "+
		"Must be a multiple of --ranks for an even reduce-scatter.")
	flagRowWidth = flag.Int("width", 16, "Size of each row.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNumRanks < 1 || *flagNumRows < 1 || *flagRowWidth < 1 {
		klog.Errorf("--ranks, --rows and --width must all be >= 1.")
		os.Exit(1)
	}

	// Each goroutine below is a logical participant, so pending collectives
	// are tracked per rank.
	collectives.SetRankIsolation(true)
	defer collectives.Shutdown()

	const groupName = "world"
	groups := must.M1(inprocess.NewWorld(*flagNumRanks))
	for rank, group := range groups {
		must.M(comms.RegisterGroup(fmt.Sprintf("%s/%d", groupName, rank), group))
	}
	defer func() {
		for rank := range groups {
			comms.UnregisterGroup(fmt.Sprintf("%s/%d", groupName, rank))
		}
	}()

	var wg sync.WaitGroup
	for rank := 0; rank < *flagNumRanks; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRank(rank)
		}()
	}
	wg.Wait()
}

// runRank is the body of one simulated participant.
func runRank(rank int) {
	caller := collectives.OnRank(rank)
	group := fmt.Sprintf("world/%d", rank)
	numRanks := *flagNumRanks
	rows, width := *flagNumRows, *flagRowWidth

	// Fake per-rank "gradients": rank r contributes r+1 everywhere, so the
	// all-reduced mean is (numRanks+1)/2 in every position.
	grads := make([]float32, rows*width)
	for i := range grads {
		grads[i] = float32(rank + 1)
	}
	gradsTensor := tensors.FromFlatDataAndDimensions(grads, rows, width)
	lossTensor := tensors.FromScalar(float32(rank))

	// Gradients and loss are averaged in one coalesced transport call.
	reduced := caller.AllReduceCoalesced(
		[]*tensors.Tensor{gradsTensor, lossTensor}, "avg", group)
	gathered := caller.AllGatherIntoTensor(gradsTensor, numRanks, group)
	shard := caller.ReduceScatterTensor(gradsTensor, "sum", numRanks, group)

	// All three collectives are still in flight here; synchronize before
	// reading any of the outputs.
	meanGrads := caller.Wait(reduced[0])
	meanLoss := caller.Wait(reduced[1])
	gathered = caller.Wait(gathered)
	shard = caller.Wait(shard)

	var mean, loss float32
	tensors.ConstFlatData(meanGrads, func(flat []float32) { mean = flat[0] })
	tensors.ConstFlatData(meanLoss, func(flat []float32) { loss = flat[0] })
	fmt.Printf("rank %d: mean gradient=%.1f, mean loss=%.1f, gathered %s, shard %s of the summed gradients\n",
		rank, mean, loss,
		humanize.Bytes(uint64(gathered.Memory())),
		humanize.Bytes(uint64(shard.Memory())))
}

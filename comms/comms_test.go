// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comms

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReduceOpFromName(t *testing.T) {
	wantOps := map[string]ReduceOpType{
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
	seen := make(map[ReduceOpType]bool)
	for name, want := range wantOps {
		op, err := ReduceOpFromName(name)
		require.NoError(t, err)
		require.Equal(t, want, op)
		require.Equal(t, name, op.String())
		require.False(t, seen[op], "duplicate value for %q", name)
		seen[op] = true
	}

	_, err := ReduceOpFromName("mean")
	require.ErrorContains(t, err, `unrecognized reduce operation "mean"`)
	require.Equal(t, "invalid", ReduceOpType(-1).String())
}

// stubGroup only exists to have something registrable; its collectives are
// never invoked by these tests.
type stubGroup struct {
	ProcessGroup
	rank int
}

func (g *stubGroup) Rank() int { return g.rank }

func TestGroupRegistry(t *testing.T) {
	name := "comms-test/world"
	group := &stubGroup{rank: 3}
	require.NoError(t, RegisterGroup(name, group))
	t.Cleanup(func() { UnregisterGroup(name) })

	require.ErrorContains(t, RegisterGroup(name, &stubGroup{}),
		`process group "comms-test/world" is already registered`)

	resolved, err := ResolveGroup(name)
	require.NoError(t, err)
	require.Equal(t, 3, resolved.Rank())

	_, err = ResolveGroup("comms-test/no-such-group")
	require.ErrorContains(t, err, `process group "comms-test/no-such-group" not found`)

	UnregisterGroup(name)
	_, err = ResolveGroup(name)
	require.Error(t, err)
	UnregisterGroup(name) // Unregistering twice is fine.
}

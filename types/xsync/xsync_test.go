// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	select {
	case <-l.WaitChan():
		t.Fatal("latch triggered before Trigger")
	default:
	}

	l.Trigger(nil)
	require.True(t, l.Test())
	require.NoError(t, l.Wait())

	// Only the first Trigger takes effect.
	l.Trigger(errors.New("too late"))
	require.NoError(t, l.Wait())
}

func TestLatchError(t *testing.T) {
	l := NewLatch()
	l.Trigger(errors.New("collective failed"))
	require.True(t, l.Test())
	require.EqualError(t, l.Wait(), "collective failed")
	require.EqualError(t, l.Wait(), "collective failed")
}

func TestLatchConcurrentWaiters(t *testing.T) {
	l := NewLatch()
	const numWaiters = 8
	var wg sync.WaitGroup
	results := make([]error, numWaiters)
	for i := 0; i < numWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.Wait()
		}()
	}
	l.Trigger(nil)
	wg.Wait()
	for _, err := range results {
		require.NoError(t, err)
	}
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements extra synchronization tools used by the
// in-process transport.
package xsync

import "sync"

// Latch is a one-shot completion signal carrying an error result.
//
// A Latch can be waited on until it is triggered. Once triggered it never
// changes state, and the error recorded by the first Trigger is the one all
// waiters observe.
type Latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger completes the latch with the given error (nil for success).
// Only the first Trigger takes effect.
func (l *Latch) Trigger(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Wait blocks until the latch is triggered and returns the recorded error.
func (l *Latch) Wait() error {
	<-l.done
	return l.err
}

// Test reports whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch triggers,
// usable in a select.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comms

import (
	"sync"

	"github.com/pkg/errors"
)

// groupsMu guards groups. Groups may be registered and resolved from any
// goroutine.
var (
	groupsMu sync.Mutex
	groups   = make(map[string]ProcessGroup)
)

// RegisterGroup associates a name with a ProcessGroup, making it resolvable
// by the collectives dispatch functions. It returns an error if the name is
// already taken -- re-registering a group is a caller bug.
func RegisterGroup(name string, group ProcessGroup) error {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	if _, found := groups[name]; found {
		return errors.Errorf("process group %q is already registered", name)
	}
	groups[name] = group
	return nil
}

// ResolveGroup returns the ProcessGroup registered under name, or an error
// if the name is unknown.
func ResolveGroup(name string) (ProcessGroup, error) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	group, found := groups[name]
	if !found {
		return nil, errors.Errorf("process group %q not found", name)
	}
	return group, nil
}

// UnregisterGroup removes the group registered under name, if any.
// Unregistering does not affect collectives already dispatched on the group.
func UnregisterGroup(name string) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	delete(groups, name)
}

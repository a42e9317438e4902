/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils holds shared helpers used across subsystems: scoped
// resource guards, mount handling, and the disk-overlap classification
// shared by the RAID and verity "stop pre-existing devices" safety checks.
package utils

import "sync"

// Guard wraps a release function so it runs at most once. NewMountGuard
// returns one for a mount, and pkg/verity.AssembleWithSignature closes
// the one it is given. The verity and LUKS mappings that the driver
// stages open are not released through a Guard.
type Guard struct {
	once    sync.Once
	release func() error
	err     error
}

// NewGuard returns a Guard wrapping release. If release is nil, Close is a no-op.
func NewGuard(release func() error) *Guard {
	return &Guard{release: release}
}

// Close runs the release function exactly once and returns its error.
func (g *Guard) Close() error {
	g.once.Do(func() {
		if g.release != nil {
			g.err = g.release()
		}
	})
	return g.err
}

// MultiGuard releases a list of guards in reverse acquisition order: a
// temp-mount used only to copy a signature file must release before the
// outer servicing call continues.
type MultiGuard struct {
	guards []*Guard
}

func (m *MultiGuard) Add(g *Guard) {
	m.guards = append(m.guards, g)
}

func (m *MultiGuard) Close() error {
	var firstErr error
	for i := len(m.guards) - 1; i >= 0; i-- {
		if err := m.guards[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"syscall"

	"github.com/jacobsa/syncutil"

	"github.com/googlecloudplatform/myfs/internal/meta"
)

// HandlesMax is the capacity of the open-handle table; opening more files
// than this at once fails.
const HandlesMax = 128

// InvalidHandle marks "no handle" in operations that accept either a handle
// or a path.
const InvalidHandle = ^uint64(0)

// handleEntry is one occupied slot: a resolved inode descriptor, owned by
// the table until release.
type handleEntry struct {
	inode *meta.Inode
	dir   bool
}

// reservedEntry parks a slot between allocation and resolution so a
// concurrent open cannot claim it.
var reservedEntry = &handleEntry{}

// handleTable is the fixed-capacity open-handle table. The slot index is
// the handle value handed to the kernel.
type handleTable struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	slots [HandlesMax]*handleEntry
}

func (fs *FileSystem) initHandles() {
	fs.handles.mu = syncutil.NewInvariantMutex(fs.handles.checkInvariants)
}

// checkInvariants: every occupied, non-reserved slot holds a resolved
// descriptor.
func (t *handleTable) checkInvariants() {
	for i, h := range t.slots {
		if h != nil && h != reservedEntry && h.inode == nil {
			panic(i)
		}
	}
}

// reserve claims the lowest free slot. Fails with EMFILE when the table is
// full.
func (t *handleTable) reserve() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == nil {
			t.slots[i] = reservedEntry
			return uint64(i), nil
		}
	}

	return 0, syscall.EMFILE
}

// commit fills a reserved slot with its descriptor.
func (t *handleTable) commit(fh uint64, h *handleEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slots[fh] = h
}

// clear empties a slot, undoing a reservation or a commit.
func (t *handleTable) clear(fh uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slots[fh] = nil
}

// get returns the descriptor in an occupied slot.
func (t *handleTable) get(fh uint64) (*handleEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fh >= HandlesMax {
		return nil, syscall.EBADF
	}

	h := t.slots[fh]
	if h == nil || h == reservedEntry {
		return nil, syscall.EBADF
	}

	return h, nil
}

// release frees a slot and the descriptor it owned.
func (t *handleTable) release(fh uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fh >= HandlesMax || t.slots[fh] == nil {
		return syscall.EBADF
	}

	t.slots[fh] = nil
	return nil
}

// releaseAll empties the table.
func (t *handleTable) releaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		t.slots[i] = nil
	}
}

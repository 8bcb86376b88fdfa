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

// Package mount is the kernel binding shim: it adapts the inode-oriented
// FUSE protocol onto the path/handle core. Inode ids are file ids shifted
// by one (the kernel's root must be 1, the store's root is 0); a table
// maintained on lookup maps each live inode id back to its path.
package mount

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/googlecloudplatform/myfs/internal/fs"
)

// Mount exposes the filesystem core at dir and returns the mounted
// filesystem, whose Join blocks until unmount.
func Mount(dir string, core *fs.FileSystem) (*fuse.MountedFileSystem, error) {
	mfs, err := fuse.Mount(dir, NewServer(core), &fuse.MountConfig{
		FSName:  "myfs",
		Subtype: "myfs",
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", dir, err)
	}

	return mfs, nil
}

// NewServer wraps the core in a FUSE dispatch server.
func NewServer(core *fs.FileSystem) fuse.Server {
	shim := &fileSystem{
		core:      core,
		paths:     map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		appending: make(map[fuseops.HandleID]bool),
	}
	return fuseutil.NewFileSystemServer(shim)
}

// fileSystem translates each kernel op into core calls. Ops it does not
// implement fall through to ENOSYS.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Constant data
	/////////////////////////

	core *fs.FileSystem

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// Paths for inode ids the kernel may still use, maintained on lookup and
	// creation and dropped on forget.
	//
	// GUARDED_BY(mu)
	paths map[fuseops.InodeID]string

	// File handles opened with the append flag.
	//
	// GUARDED_BY(mu)
	appending map[fuseops.HandleID]bool
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// inodeID converts a file id to the kernel's inode numbering.
func inodeID(fileID uint64) fuseops.InodeID {
	return fuseops.InodeID(fileID + 1)
}

func (f *fileSystem) pathOf(id fuseops.InodeID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.paths[id]
	if !ok {
		return "", fuse.ENOENT
	}
	return p, nil
}

func (f *fileSystem) remember(id fuseops.InodeID, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[id] = path
}

func (f *fileSystem) forget(id fuseops.InodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paths, id)
}

func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func attributes(st fs.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: st.Nlink,
		Mode:  goFileMode(st.Mode),
		Uid:   st.UID,
		Gid:   st.GID,
		Atime: time.Unix(st.Atime, 0),
		Mtime: time.Unix(st.Mtime, 0),
		Ctime: time.Unix(st.Ctime, 0),
	}
}

// childEntry builds a lookup response. Expirations stay zero: the store is
// authoritative and nothing here is cached.
func childEntry(st fs.Stat) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:      inodeID(st.Ino),
		Attributes: attributes(st),
	}
}

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
	"fmt"
	"sort"
	"strings"

	"github.com/googlecloudplatform/myfs/internal/meta"
)

// fakeStore is an in-memory stand-in for both the metadata store and the
// block store, mirroring their contracts: detached descriptor copies,
// cascading deletes, space padding on grow, and the cached-size invariant.
type fakeStore struct {
	inodes    map[uint64]*meta.Inode
	content   map[uint64][]byte
	protected map[uint64]bool
	nextID    uint64
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		inodes:    make(map[uint64]*meta.Inode),
		content:   make(map[uint64][]byte),
		protected: map[uint64]bool{meta.RootID: true},
		nextID:    1,
	}

	s.inodes[meta.RootID] = &meta.Inode{
		ID:       meta.RootID,
		ParentID: meta.RootID,
		Name:     "",
		Type:     meta.FileTypeDirectory,
		Owner:    "root",
		Group:    "root",
		Mode:     meta.ModeDir | 0o775,
	}

	return s
}

////////////////////////////////////////////////////////////////////////
// MetadataStore
////////////////////////////////////////////////////////////////////////

func (s *fakeStore) Create(parentID uint64, name string, typ meta.FileType, mode uint16, owner, group string) (uint64, error) {
	for _, in := range s.inodes {
		if in.ParentID == parentID && in.Name == name && in.ID != meta.RootID {
			return 0, fmt.Errorf("duplicate entry %q", name)
		}
	}

	id := s.nextID
	s.nextID++

	s.inodes[id] = &meta.Inode{
		ID:       id,
		ParentID: parentID,
		Name:     name,
		Type:     typ,
		Owner:    owner,
		Group:    group,
		Mode:     mode | typ.TypeBits(),
	}

	return id, nil
}

func (s *fakeStore) Delete(id uint64) error {
	for _, in := range s.inodes {
		if in.ParentID == id && in.ID != meta.RootID {
			s.Delete(in.ID)
		}
	}

	delete(s.inodes, id)
	delete(s.content, id)
	return nil
}

func (s *fakeStore) SetTimes(id uint64, atime, mtime int64) error {
	in, ok := s.inodes[id]
	if !ok {
		return meta.ErrNotFound
	}
	in.AccessedOn = atime
	in.ModifiedOn = mtime
	return nil
}

func (s *fakeStore) Chown(id uint64, owner, group string) error {
	in, ok := s.inodes[id]
	if !ok {
		return meta.ErrNotFound
	}
	if owner != "" {
		in.Owner = owner
	}
	if group != "" {
		in.Group = group
	}
	return nil
}

func (s *fakeStore) Chmod(id uint64, mode uint16) error {
	in, ok := s.inodes[id]
	if !ok {
		return meta.ErrNotFound
	}
	in.Mode = mode
	return nil
}

func (s *fakeStore) Rename(id, newParentID uint64, newName string) error {
	in, ok := s.inodes[id]
	if !ok {
		return meta.ErrNotFound
	}
	in.ParentID = newParentID
	in.Name = newName
	return nil
}

func (s *fakeStore) Swap(a, b *meta.Inode) error {
	ra, ok := s.inodes[a.ID]
	if !ok {
		return meta.ErrNotFound
	}
	rb, ok := s.inodes[b.ID]
	if !ok {
		return meta.ErrNotFound
	}

	rb.ParentID, rb.Name = a.ParentID, a.Name
	ra.ParentID, ra.Name = b.ParentID, b.Name
	return nil
}

func (s *fakeStore) Query(id uint64, includeChildren bool) (*meta.Inode, error) {
	in, ok := s.inodes[id]
	if !ok {
		return nil, meta.ErrNotFound
	}

	out := s.copyOf(in)

	if includeChildren && in.Type == meta.FileTypeDirectory {
		var children []*meta.Inode
		for _, c := range s.inodes {
			if c.ParentID == id && c.ID != meta.RootID {
				children = append(children, s.copyOf(c))
			}
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
		out.Children = children
	}

	return out, nil
}

func (s *fakeStore) copyOf(in *meta.Inode) *meta.Inode {
	out := *in
	out.Children = nil
	out.Parent = nil

	if in.ID != meta.RootID {
		if parent, ok := s.inodes[in.ParentID]; ok {
			out.Parent = s.copyOf(parent)
		}
	}

	return &out
}

func (s *fakeStore) QueryByName(parentID uint64, name string, includeChildren bool) (*meta.Inode, error) {
	if parentID == meta.RootID && name == "" {
		return s.Query(meta.RootID, includeChildren)
	}

	for _, in := range s.inodes {
		if in.ParentID == parentID && in.Name == name && in.ID != meta.RootID {
			return s.Query(in.ID, includeChildren)
		}
	}

	return nil, meta.ErrNotFound
}

func (s *fakeStore) ResolvePath(path string, includeChildren bool) (*meta.Inode, error) {
	in, err := s.QueryByName(meta.RootID, "", false)
	if err != nil {
		return nil, err
	}

	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}

		in, err = s.QueryByName(in.ID, segment, false)
		if err != nil {
			return nil, err
		}
	}

	if includeChildren && in.Type == meta.FileTypeDirectory {
		return s.Query(in.ID, true)
	}

	return in, nil
}

func (s *fakeStore) NumFiles() (uint64, error) {
	return uint64(len(s.inodes)), nil
}

func (s *fakeStore) SpaceUsed() (uint64, error) {
	var total uint64
	for _, c := range s.content {
		total += uint64(len(c))
	}
	return total, nil
}

func (s *fakeStore) IsProtected(id uint64) (bool, error) {
	return s.protected[id], nil
}

////////////////////////////////////////////////////////////////////////
// BlockStore
////////////////////////////////////////////////////////////////////////

func (s *fakeStore) ReadAt(fileID uint64, dst []byte, offset int64) (int, error) {
	c := s.content[fileID]
	if offset >= int64(len(c)) {
		return 0, nil
	}
	return copy(dst, c[offset:]), nil
}

func (s *fakeStore) WriteAt(fileID uint64, src []byte, offset int64) error {
	c := s.content[fileID]

	end := offset + int64(len(src))
	if end > int64(len(c)) {
		grown := make([]byte, end)
		copy(grown, c)
		c = grown
	}

	copy(c[offset:], src)
	s.content[fileID] = c
	s.setSize(fileID, uint64(len(c)))
	return nil
}

func (s *fakeStore) Append(fileID uint64, src []byte) error {
	s.content[fileID] = append(s.content[fileID], src...)
	s.setSize(fileID, uint64(len(s.content[fileID])))
	return nil
}

func (s *fakeStore) Truncate(fileID uint64, size uint64) error {
	c := s.content[fileID]

	switch {
	case uint64(len(c)) < size:
		// Grow pads with ASCII spaces, like the real engine.
		grown := make([]byte, size)
		copy(grown, c)
		for i := len(c); i < len(grown); i++ {
			grown[i] = ' '
		}
		c = grown
	case uint64(len(c)) > size:
		c = c[:size]
	}

	s.content[fileID] = c
	s.setSize(fileID, size)
	return nil
}

func (s *fakeStore) setSize(fileID, size uint64) {
	if in, ok := s.inodes[fileID]; ok {
		in.Size = size
	}
}

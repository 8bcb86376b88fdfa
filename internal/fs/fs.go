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

// Package fs is the filesystem core: it resolves paths against the metadata
// store, owns the open-handle table, and maps each VFS callback onto
// metadata and block operations. Errors cross this boundary as
// syscall.Errno values ready for the kernel.
package fs

import (
	"errors"
	"path"
	"syscall"

	"github.com/googlecloudplatform/myfs/internal/logger"
	"github.com/googlecloudplatform/myfs/internal/meta"
	"github.com/googlecloudplatform/myfs/internal/perms"
	"github.com/googlecloudplatform/myfs/internal/reclaimer"
)

// NameMax is the longest entry name, surfaced through statfs.
const NameMax = meta.NameMax

// Rename flag values, matching renameat2(2).
const (
	RenameNoReplace uint32 = 0x1
	RenameExchange  uint32 = 0x2
)

// MetadataStore is the slice of the metadata store the core consumes.
// Implemented by *meta.Store.
type MetadataStore interface {
	Create(parentID uint64, name string, typ meta.FileType, mode uint16, owner, group string) (uint64, error)
	Delete(id uint64) error
	SetTimes(id uint64, atime, mtime int64) error
	Chown(id uint64, owner, group string) error
	Chmod(id uint64, mode uint16) error
	Rename(id, newParentID uint64, newName string) error
	Swap(a, b *meta.Inode) error
	Query(id uint64, includeChildren bool) (*meta.Inode, error)
	QueryByName(parentID uint64, name string, includeChildren bool) (*meta.Inode, error)
	ResolvePath(path string, includeChildren bool) (*meta.Inode, error)
	NumFiles() (uint64, error)
	SpaceUsed() (uint64, error)
	IsProtected(id uint64) (bool, error)
}

// BlockStore is the slice of the block storage engine the core consumes.
// Implemented by *blocks.Store.
type BlockStore interface {
	ReadAt(fileID uint64, dst []byte, offset int64) (int, error)
	WriteAt(fileID uint64, src []byte, offset int64) error
	Append(fileID uint64, src []byte) error
	Truncate(fileID uint64, size uint64) error
}

// Notifier receives mutation notifications for the reclaimer.
type Notifier interface {
	Notify(action reclaimer.Action)
}

// ServerConfig assembles a filesystem core.
type ServerConfig struct {
	Metadata MetadataStore
	Blocks   BlockStore

	// Optional; nil disables notifications.
	Reclaimer Notifier

	// Owner and group names for newly created inodes, and the fallback
	// identity when a stored name no longer resolves.
	DefaultUser  string
	DefaultGroup string

	// The identity of last resort for stat.
	ProcessUID uint32
	ProcessGID uint32

	// Host user/group database lookups. Defaulted to the perms package;
	// tests substitute their own.
	LookupUser  func(name string) (uint32, error)
	LookupGroup func(name string) (uint32, error)
	UserName    func(uid uint32) (string, error)
	GroupName   func(gid uint32) (string, error)
}

// Statistics is the statfs result.
type Statistics struct {
	Files     uint64
	SpaceUsed uint64
	BlockSize uint32
	FrameSize uint32
	NameMax   uint32
}

// Stat is the POSIX view of an inode.
type Stat struct {
	Ino   uint64
	Mode  uint16
	Nlink uint32
	Size  uint64
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Ino  uint64
	Type meta.FileType
}

// New creates a filesystem core.
func New(cfg *ServerConfig) *FileSystem {
	fs := &FileSystem{
		meta:         cfg.Metadata,
		blocks:       cfg.Blocks,
		notifier:     cfg.Reclaimer,
		defaultUser:  cfg.DefaultUser,
		defaultGroup: cfg.DefaultGroup,
		uid:          cfg.ProcessUID,
		gid:          cfg.ProcessGID,
		lookupUser:   cfg.LookupUser,
		lookupGroup:  cfg.LookupGroup,
		userName:     cfg.UserName,
		groupName:    cfg.GroupName,
	}

	if fs.lookupUser == nil {
		fs.lookupUser = perms.LookupUID
	}
	if fs.lookupGroup == nil {
		fs.lookupGroup = perms.LookupGID
	}
	if fs.userName == nil {
		fs.userName = perms.UsernameFor
	}
	if fs.groupName == nil {
		fs.groupName = perms.GroupnameFor
	}

	fs.initHandles()
	return fs
}

// FileSystem is the core. Safe for concurrent use by multiple kernel
// callback threads.
type FileSystem struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	meta     MetadataStore
	blocks   BlockStore
	notifier Notifier

	defaultUser  string
	defaultGroup string
	uid          uint32
	gid          uint32

	lookupUser  func(string) (uint32, error)
	lookupGroup func(string) (uint32, error)
	userName    func(uint32) (string, error)
	groupName   func(uint32) (string, error)

	/////////////////////////
	// Mutable state
	/////////////////////////

	handles handleTable
}

// Destroy releases every open handle. Call once, at unmount.
func (fs *FileSystem) Destroy() {
	fs.handles.releaseAll()
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) notify(action reclaimer.Action) {
	if fs.notifier != nil {
		fs.notifier.Notify(action)
	}
}

// resolve maps a path to its inode, translating failures to errnos.
func (fs *FileSystem) resolve(p string, includeChildren bool) (*meta.Inode, error) {
	in, err := fs.meta.ResolvePath(p, includeChildren)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, syscall.ENOENT
		}
		logger.Errorf("resolving %q: %v", p, err)
		return nil, syscall.EIO
	}
	return in, nil
}

// statFor builds the stat view, resolving the stored owner and group names
// against the host database with the configured fallbacks.
func (fs *FileSystem) statFor(in *meta.Inode) Stat {
	st := Stat{
		Ino:   in.ID,
		Mode:  in.Mode,
		Nlink: in.Nlink(),
		Size:  in.Size,
		Atime: in.AccessedOn,
		Mtime: in.ModifiedOn,
		Ctime: in.ChangedOn,
	}

	uid, err := fs.lookupUser(in.Owner)
	if err != nil {
		logger.Warnf("stat: unknown user %q on file %d, falling back", in.Owner, in.ID)
		uid, err = fs.lookupUser(fs.defaultUser)
		if err != nil {
			uid = fs.uid
		}
	}

	gid, err := fs.lookupGroup(in.Group)
	if err != nil {
		logger.Warnf("stat: unknown group %q on file %d, falling back", in.Group, in.ID)
		gid, err = fs.lookupGroup(fs.defaultGroup)
		if err != nil {
			gid = fs.gid
		}
	}

	st.UID = uid
	st.GID = gid
	return st
}

// splitPath returns the directory and base components of a path.
func splitPath(p string) (dir, base string) {
	return path.Dir(p), path.Base(p)
}

////////////////////////////////////////////////////////////////////////
// VFS operations
////////////////////////////////////////////////////////////////////////

// StatFS reports filesystem-wide numbers: the inode count and the space the
// database uses, with byte-granular block units.
func (fs *FileSystem) StatFS() (Statistics, error) {
	files, err := fs.meta.NumFiles()
	if err != nil {
		logger.Errorf("statfs: %v", err)
		return Statistics{}, syscall.EIO
	}

	space, err := fs.meta.SpaceUsed()
	if err != nil {
		logger.Errorf("statfs: %v", err)
		return Statistics{}, syscall.EIO
	}

	return Statistics{
		Files:     files,
		SpaceUsed: space,
		BlockSize: 1,
		FrameSize: 1,
		NameMax:   NameMax,
	}, nil
}

// GetAttr resolves a path and returns its stat view.
func (fs *FileSystem) GetAttr(p string) (Stat, error) {
	logger.Tracef("getattr: path=%q", p)

	in, err := fs.resolve(p, false)
	if err != nil {
		return Stat{}, err
	}

	return fs.statFor(in), nil
}

// Access resolves a path. Permission bits are recorded but not evaluated
// here; the host kernel enforces them.
func (fs *FileSystem) Access(p string) error {
	_, err := fs.resolve(p, false)
	return err
}

// OpenDir opens a directory and snapshots its children.
func (fs *FileSystem) OpenDir(p string) (uint64, error) {
	logger.Tracef("opendir: path=%q", p)
	return fs.openCommon(p, true, false)
}

// Open opens a file, optionally truncating it when the kernel set the
// truncate flag.
func (fs *FileSystem) Open(p string, truncate bool) (uint64, error) {
	logger.Tracef("open: path=%q truncate=%v", p, truncate)
	return fs.openCommon(p, false, truncate)
}

func (fs *FileSystem) openCommon(p string, dir, truncate bool) (uint64, error) {
	fh, err := fs.handles.reserve()
	if err != nil {
		logger.Errorf("opening %q: out of handles", p)
		return 0, err
	}

	in, err := fs.resolve(p, dir)
	if err != nil {
		fs.handles.clear(fh)
		return 0, err
	}

	if !dir && truncate {
		if err := fs.blocks.Truncate(in.ID, 0); err != nil {
			logger.Errorf("truncating %q on open: %v", p, err)
			fs.handles.clear(fh)
			return 0, syscall.EIO
		}
		in.Size = 0
		fs.notify(reclaimer.ActionGeneral)
	}

	fs.handles.commit(fh, &handleEntry{inode: in, dir: dir})
	return fh, nil
}

// Create inserts a regular file with mode 0640 and opens it.
func (fs *FileSystem) Create(p string) (uint64, error) {
	logger.Tracef("create: path=%q", p)

	dir, base := splitPath(p)
	parent, err := fs.resolve(dir, false)
	if err != nil {
		return 0, err
	}

	_, err = fs.meta.Create(parent.ID, base, meta.FileTypeFile, 0o640, fs.defaultUser, fs.defaultGroup)
	if err != nil {
		logger.Errorf("creating %q: %v", p, err)
		return 0, syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return fs.openCommon(p, false, false)
}

// ReadDir returns the children snapshot taken when the directory was
// opened, preceded by the "." and ".." entries.
func (fs *FileSystem) ReadDir(fh uint64) ([]DirEntry, error) {
	h, err := fs.handles.get(fh)
	if err != nil {
		return nil, err
	}
	if !h.dir {
		return nil, syscall.ENOTDIR
	}

	in := h.inode
	parentIno := in.ID
	if in.Parent != nil {
		parentIno = in.Parent.ID
	}

	entries := []DirEntry{
		{Name: ".", Ino: in.ID, Type: meta.FileTypeDirectory},
		{Name: "..", Ino: parentIno, Type: meta.FileTypeDirectory},
	}

	for _, child := range in.Children {
		entries = append(entries, DirEntry{
			Name: child.Name,
			Ino:  child.ID,
			Type: child.Type,
		})
	}

	return entries, nil
}

// Release frees an open file handle.
func (fs *FileSystem) Release(fh uint64) error {
	logger.Tracef("release: fh=%d", fh)
	return fs.handles.release(fh)
}

// ReleaseDir frees an open directory handle.
func (fs *FileSystem) ReleaseDir(fh uint64) error {
	logger.Tracef("releasedir: fh=%d", fh)
	return fs.handles.release(fh)
}

// Flush is a no-op; every write already went to the database.
func (fs *FileSystem) Flush(fh uint64) error {
	return nil
}

// MkDir creates a directory.
func (fs *FileSystem) MkDir(p string, mode uint16) error {
	logger.Tracef("mkdir: path=%q mode=%o", p, mode)

	dir, base := splitPath(p)
	parent, err := fs.resolve(dir, false)
	if err != nil {
		return err
	}

	_, err = fs.meta.Create(parent.ID, base, meta.FileTypeDirectory, mode, fs.defaultUser, fs.defaultGroup)
	if err != nil {
		logger.Errorf("creating directory %q: %v", p, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// Symlink creates a soft link whose content is the target path.
func (fs *FileSystem) Symlink(target, linkPath string) error {
	logger.Tracef("symlink: path=%q target=%q", linkPath, target)

	dir, base := splitPath(linkPath)
	parent, err := fs.resolve(dir, false)
	if err != nil {
		return err
	}

	id, err := fs.meta.Create(parent.ID, base, meta.FileTypeSoftLink, 0o777, fs.defaultUser, fs.defaultGroup)
	if err != nil {
		logger.Errorf("creating symlink %q: %v", linkPath, err)
		return syscall.EIO
	}

	if err := fs.blocks.Append(id, []byte(target)); err != nil {
		logger.Errorf("writing symlink target for %q: %v", linkPath, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// ReadLink copies a soft link's target into buf, NUL-terminating it. When
// the buffer is too small the target is truncated and the final byte is
// still NUL. Returns the number of bytes written to buf.
func (fs *FileSystem) ReadLink(p string, buf []byte) (int, error) {
	logger.Tracef("readlink: path=%q size=%d", p, len(buf))

	in, err := fs.resolve(p, false)
	if err != nil {
		return 0, err
	}

	if in.Type != meta.FileTypeSoftLink {
		return 0, syscall.EINVAL
	}

	content := make([]byte, in.Size)
	n, err := fs.blocks.ReadAt(in.ID, content, 0)
	if err != nil {
		logger.Errorf("reading symlink %q: %v", p, err)
		return 0, syscall.EIO
	}

	if len(buf) == 0 {
		return 0, nil
	}

	if n+1 > len(buf) {
		n = len(buf) - 1
	}

	copy(buf, content[:n])
	buf[n] = 0
	return n + 1, nil
}

// Unlink deletes a file or soft link. Protected inodes refuse.
func (fs *FileSystem) Unlink(p string) error {
	logger.Tracef("unlink: path=%q", p)

	in, err := fs.resolve(p, false)
	if err != nil {
		return err
	}

	protected, err := fs.meta.IsProtected(in.ID)
	if err != nil {
		logger.Errorf("unlinking %q: %v", p, err)
		return syscall.EIO
	}
	if protected {
		return syscall.EPERM
	}

	if err := fs.meta.Delete(in.ID); err != nil {
		logger.Errorf("unlinking %q: %v", p, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionDelete)
	return nil
}

// RmDir deletes an empty, unprotected, non-root directory.
func (fs *FileSystem) RmDir(p string) error {
	logger.Tracef("rmdir: path=%q", p)

	in, err := fs.resolve(p, true)
	if err != nil {
		return err
	}

	if in.Type != meta.FileTypeDirectory {
		return syscall.ENOTDIR
	}
	if in.IsRoot() {
		return syscall.EPERM
	}
	if len(in.Children) > 0 {
		return syscall.ENOTEMPTY
	}

	protected, err := fs.meta.IsProtected(in.ID)
	if err != nil {
		logger.Errorf("removing directory %q: %v", p, err)
		return syscall.EIO
	}
	if protected {
		return syscall.EPERM
	}

	if err := fs.meta.Delete(in.ID); err != nil {
		logger.Errorf("removing directory %q: %v", p, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionDelete)
	return nil
}

// Truncate resizes the content of an open file.
func (fs *FileSystem) Truncate(fh uint64, size uint64) error {
	logger.Tracef("truncate: fh=%d size=%d", fh, size)

	h, err := fs.handles.get(fh)
	if err != nil {
		return err
	}

	if err := fs.blocks.Truncate(h.inode.ID, size); err != nil {
		logger.Errorf("truncating file %d: %v", h.inode.ID, err)
		return syscall.EIO
	}

	h.inode.Size = size
	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// TruncatePath resizes by path, for callers without an open handle.
func (fs *FileSystem) TruncatePath(p string, size uint64) error {
	logger.Tracef("truncate: path=%q size=%d", p, size)

	in, err := fs.resolve(p, false)
	if err != nil {
		return err
	}

	if err := fs.blocks.Truncate(in.ID, size); err != nil {
		logger.Errorf("truncating %q: %v", p, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// Read copies file content into dst, clamped to the current size. Returns
// the number of bytes produced; zero at or past end of file.
func (fs *FileSystem) Read(fh uint64, dst []byte, offset int64) (int, error) {
	logger.Tracef("read: fh=%d size=%d offset=%d", fh, len(dst), offset)

	h, err := fs.handles.get(fh)
	if err != nil {
		return 0, err
	}

	size := int64(h.inode.Size)
	if offset >= size {
		return 0, nil
	}
	if offset+int64(len(dst)) > size {
		dst = dst[:size-offset]
	}

	n, err := fs.blocks.ReadAt(h.inode.ID, dst, offset)
	if err != nil {
		logger.Errorf("reading file %d: %v", h.inode.ID, err)
		return 0, syscall.EIO
	}

	return n, nil
}

// Write stores src at offset. Writes at the current end of file, or with
// the append flag set, take the append path; anything else is a random
// write. Returns len(src).
func (fs *FileSystem) Write(fh uint64, src []byte, offset int64, appendFlag bool) (int, error) {
	logger.Tracef("write: fh=%d size=%d offset=%d append=%v", fh, len(src), offset, appendFlag)

	h, err := fs.handles.get(fh)
	if err != nil {
		return 0, err
	}

	in := h.inode

	if appendFlag || offset == int64(in.Size) {
		if err := fs.blocks.Append(in.ID, src); err != nil {
			logger.Errorf("appending to file %d: %v", in.ID, err)
			return 0, syscall.EIO
		}
		in.Size += uint64(len(src))
	} else {
		if err := fs.blocks.WriteAt(in.ID, src, offset); err != nil {
			logger.Errorf("writing file %d: %v", in.ID, err)
			return 0, syscall.EIO
		}
		if end := uint64(offset) + uint64(len(src)); end > in.Size {
			in.Size = end
		}
	}

	fs.notify(reclaimer.ActionGeneral)
	return len(src), nil
}

// SetTimes updates the access and modification timestamps, through the open
// handle when the kernel supplied one and by path otherwise.
func (fs *FileSystem) SetTimes(p string, fh uint64, atime, mtime int64) error {
	logger.Tracef("utimens: path=%q fh=%d", p, fh)

	var id uint64
	if fh != InvalidHandle {
		h, err := fs.handles.get(fh)
		if err != nil {
			return err
		}
		id = h.inode.ID
	} else {
		in, err := fs.resolve(p, false)
		if err != nil {
			return err
		}
		id = in.ID
	}

	if err := fs.meta.SetTimes(id, atime, mtime); err != nil {
		logger.Errorf("setting times on file %d: %v", id, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// Chown changes the stored owner and/or group name. Negative ids mean
// "leave alone". The root refuses.
func (fs *FileSystem) Chown(p string, uid, gid int64) error {
	logger.Tracef("chown: path=%q uid=%d gid=%d", p, uid, gid)

	if uid < 0 && gid < 0 {
		return nil
	}

	in, err := fs.resolve(p, false)
	if err != nil {
		return err
	}
	if in.IsRoot() {
		return syscall.EPERM
	}

	var owner, group string
	if uid >= 0 {
		owner, err = fs.userName(uint32(uid))
		if err != nil {
			logger.Warnf("chown %q: no user with uid %d", p, uid)
			return syscall.EINVAL
		}
	}
	if gid >= 0 {
		group, err = fs.groupName(uint32(gid))
		if err != nil {
			logger.Warnf("chown %q: no group with gid %d", p, gid)
			return syscall.EINVAL
		}
	}

	if err := fs.meta.Chown(in.ID, owner, group); err != nil {
		logger.Errorf("chown %q: %v", p, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// Chmod changes the permission bits, keeping the stored type bits. The root
// refuses.
func (fs *FileSystem) Chmod(p string, mode uint16) error {
	logger.Tracef("chmod: path=%q mode=%o", p, mode)

	in, err := fs.resolve(p, false)
	if err != nil {
		return err
	}
	if in.IsRoot() {
		return syscall.EPERM
	}

	mode = in.Mode&meta.ModeTypeMask | mode&^meta.ModeTypeMask

	if err := fs.meta.Chmod(in.ID, mode); err != nil {
		logger.Errorf("chmod %q: %v", p, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

// Rename honors exactly two flag sets: exchange swaps two existing entries'
// coordinates, noreplace moves the source to a previously free name.
// Anything else is invalid.
func (fs *FileSystem) Rename(oldPath, newPath string, flags uint32) error {
	logger.Tracef("rename: old=%q new=%q flags=%#x", oldPath, newPath, flags)

	switch flags {
	case RenameExchange:
		return fs.renameExchange(oldPath, newPath)
	case RenameNoReplace:
		return fs.renameNoReplace(oldPath, newPath)
	}

	return syscall.EINVAL
}

func (fs *FileSystem) renameExchange(oldPath, newPath string) error {
	oldIn, err := fs.resolve(oldPath, false)
	if err != nil {
		return err
	}

	newIn, err := fs.resolve(newPath, false)
	if err != nil {
		return err
	}

	if oldIn.IsRoot() || newIn.IsRoot() {
		return syscall.EPERM
	}

	if err := fs.meta.Swap(oldIn, newIn); err != nil {
		logger.Errorf("exchanging %q and %q: %v", oldPath, newPath, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

func (fs *FileSystem) renameNoReplace(oldPath, newPath string) error {
	oldIn, err := fs.resolve(oldPath, false)
	if err != nil {
		return err
	}

	if oldIn.IsRoot() {
		return syscall.EPERM
	}

	if _, err := fs.meta.ResolvePath(newPath, false); err == nil {
		return syscall.EEXIST
	} else if !errors.Is(err, meta.ErrNotFound) {
		logger.Errorf("renaming %q: %v", oldPath, err)
		return syscall.EIO
	}

	dir, base := splitPath(newPath)
	parent, err := fs.resolve(dir, false)
	if err != nil {
		return err
	}

	if err := fs.meta.Rename(oldIn.ID, parent.ID, base); err != nil {
		logger.Errorf("renaming %q to %q: %v", oldPath, newPath, err)
		return syscall.EIO
	}

	fs.notify(reclaimer.ActionGeneral)
	return nil
}

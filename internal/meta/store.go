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

// Package meta is the inode metadata store: CRUD on `files` rows, the
// protected set, and name resolution. All SQL here is parameterized and
// routed through the db client's retry policy.
package meta

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/googlecloudplatform/myfs/internal/db"
)

// RootID is the file id of the root directory. It is the only id that is
// allowed to be zero and the only inode whose parent is itself.
const RootID = 0

// NameMax is the longest allowed entry name, matching the VARCHAR(64)
// column.
const NameMax = 64

// ErrNotFound is returned when a queried inode does not exist.
var ErrNotFound = errors.New("no such file")

// Store performs inode metadata operations against a connection.
type Store struct {
	conn *db.Conn
}

func NewStore(conn *db.Conn) *Store {
	return &Store{conn: conn}
}

// Create inserts an inode row, stamping the four timestamps with the
// database clock, and returns the new file id. The type's mode bits are
// OR-merged in if the caller left them out.
func (s *Store) Create(parentID uint64, name string, typ FileType, mode uint16, owner, group string) (uint64, error) {
	if len(name) > NameMax {
		return 0, fmt.Errorf("name too long: %d bytes", len(name))
	}

	mode |= typ.TypeBits()

	res, err := s.conn.Exec(
		"INSERT INTO `files`"+
			" (`parent_id`,`name`,`type`,`user`,`group`,`mode`,`size`,"+
			"`created_on`,`last_accessed_on`,`last_modified_on`,`last_status_changed_on`)"+
			" VALUES (?,?,?,?,?,?,0,UNIX_TIMESTAMP(),UNIX_TIMESTAMP(),UNIX_TIMESTAMP(),UNIX_TIMESTAMP())",
		parentID, name, typ.String(), owner, group, mode)
	if err != nil {
		return 0, fmt.Errorf("creating %q under %d: %w", name, parentID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetching new file id: %w", err)
	}

	return uint64(id), nil
}

// Delete removes an inode row. The schema's cascading foreign keys remove
// its children and blocks.
func (s *Store) Delete(id uint64) error {
	_, err := s.conn.Exec("DELETE FROM `files` WHERE `file_id`=?", id)
	if err != nil {
		return fmt.Errorf("deleting file %d: %w", id, err)
	}
	return nil
}

// SetTimes updates the access and modification timestamps.
func (s *Store) SetTimes(id uint64, atime, mtime int64) error {
	_, err := s.conn.Exec(
		"UPDATE `files` SET `last_accessed_on`=?,`last_modified_on`=? WHERE `file_id`=?",
		atime, mtime, id)
	if err != nil {
		return fmt.Errorf("updating times for file %d: %w", id, err)
	}
	return nil
}

// Chown sets the owner and/or group name. Either may be empty to leave it
// alone; at least one must be set.
func (s *Store) Chown(id uint64, owner, group string) error {
	var (
		sets []string
		args []interface{}
	)

	if owner != "" {
		sets = append(sets, "`user`=?")
		args = append(args, owner)
	}
	if group != "" {
		sets = append(sets, "`group`=?")
		args = append(args, group)
	}

	if len(sets) == 0 {
		return errors.New("chown: neither owner nor group given")
	}

	args = append(args, id)
	_, err := s.conn.Exec(
		"UPDATE `files` SET "+strings.Join(sets, ",")+" WHERE `file_id`=?", args...)
	if err != nil {
		return fmt.Errorf("setting owner on file %d: %w", id, err)
	}
	return nil
}

// Chmod sets the mode, type bits included.
func (s *Store) Chmod(id uint64, mode uint16) error {
	_, err := s.conn.Exec("UPDATE `files` SET `mode`=? WHERE `file_id`=?", mode, id)
	if err != nil {
		return fmt.Errorf("setting mode on file %d: %w", id, err)
	}
	return nil
}

// Rename moves an inode to a new parent and name in a single UPDATE.
func (s *Store) Rename(id, newParentID uint64, newName string) error {
	if len(newName) > NameMax {
		return fmt.Errorf("name too long: %d bytes", len(newName))
	}

	_, err := s.conn.Exec(
		"UPDATE `files` SET `parent_id`=?,`name`=? WHERE `file_id`=?",
		newParentID, newName, id)
	if err != nil {
		return fmt.Errorf("renaming file %d: %w", id, err)
	}
	return nil
}

// Swap exchanges the (parent, name) pairs of two inodes atomically. The
// first inode parks on a temporary name so the unique (parent_id, name) key
// never sees both rows at the same coordinates; entry names cannot contain
// NUL, so the temporary name cannot collide.
func (s *Store) Swap(a, b *Inode) error {
	err := s.conn.Transact(func(tx *db.Tx) error {
		if _, err := tx.Exec(
			"UPDATE `files` SET `name`=CONCAT(CHAR(0),`file_id`) WHERE `file_id`=?",
			a.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(
			"UPDATE `files` SET `parent_id`=?,`name`=? WHERE `file_id`=?",
			a.ParentID, a.Name, b.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(
			"UPDATE `files` SET `parent_id`=?,`name`=? WHERE `file_id`=?",
			b.ParentID, b.Name, a.ID); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("swapping files %d and %d: %w", a.ID, b.ID, err)
	}
	return nil
}

// Query fetches an inode by id, attaching its ancestry (unless it is the
// root) and, when asked and the inode is a directory, a snapshot of its
// children ordered by name ascending.
func (s *Store) Query(id uint64, includeChildren bool) (*Inode, error) {
	in, err := s.queryRow(id)
	if err != nil {
		return nil, err
	}

	if includeChildren && in.Type == FileTypeDirectory {
		if err := s.queryChildren(in); err != nil {
			return nil, err
		}
	}

	return in, nil
}

func (s *Store) queryRow(id uint64) (*Inode, error) {
	in := &Inode{}
	row := s.conn.SelectRow(
		"SELECT `file_id`,`parent_id`,`name`,`type`,`user`,`group`,`mode`,`size`,"+
			"`created_on`,`last_accessed_on`,`last_modified_on`,`last_status_changed_on`"+
			" FROM `files` WHERE `file_id`=?", id)

	var typ string
	err := row.Scan(
		&in.ID, &in.ParentID, &in.Name, &typ, &in.Owner, &in.Group, &in.Mode, &in.Size,
		&in.CreatedOn, &in.AccessedOn, &in.ModifiedOn, &in.ChangedOn)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying file %d: %w", id, err)
	}

	in.Type = FileTypeFromString(typ)

	// Attach the ancestry. Each parent descriptor is a detached copy owned by
	// its child; the root's parent stays nil.
	if in.ID != RootID {
		parent, err := s.queryRow(in.ParentID)
		if err != nil {
			return nil, fmt.Errorf("querying parent of file %d: %w", id, err)
		}
		in.Parent = parent
	}

	return in, nil
}

func (s *Store) queryChildren(in *Inode) error {
	rows, err := s.conn.Select(
		"SELECT `file_id` FROM `files` WHERE `parent_id`=? AND `file_id`!=? ORDER BY `name` ASC",
		in.ID, RootID)
	if err != nil {
		return fmt.Errorf("listing children of file %d: %w", in.ID, err)
	}

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning child of file %d: %w", in.ID, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("listing children of file %d: %w", in.ID, err)
	}

	for _, id := range ids {
		child, err := s.queryRow(id)
		if err != nil {
			return err
		}
		in.Children = append(in.Children, child)
	}

	return nil
}

// QueryByName fetches an inode by its (parent, name) coordinates. The root
// is (RootID, "").
func (s *Store) QueryByName(parentID uint64, name string, includeChildren bool) (*Inode, error) {
	row := s.conn.SelectRow(
		"SELECT `file_id` FROM `files` WHERE `parent_id`=? AND `name`=?", parentID, name)

	var id uint64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		// Callers probe for existence constantly; not finding a name is not
		// worth a log line.
		return nil, fmt.Errorf("%q under %d: %w", name, parentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %q under %d: %w", name, parentID, err)
	}

	return s.Query(id, includeChildren)
}

// ResolvePath walks a slash-separated absolute path segment by segment,
// starting at the root, and returns the final inode. Segments are compared
// byte for byte.
func (s *Store) ResolvePath(path string, includeChildren bool) (*Inode, error) {
	in, err := s.QueryByName(RootID, "", false)
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

	// Only the resolved inode gets a children snapshot.
	if includeChildren && in.Type == FileTypeDirectory {
		return s.Query(in.ID, true)
	}

	return in, nil
}

// NumFiles returns the number of inode rows, for statfs.
func (s *Store) NumFiles() (uint64, error) {
	var count uint64
	err := s.conn.SelectRow("SELECT COUNT(*) FROM `files`").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	return count, nil
}

// SpaceUsed returns the bytes used by the database's tables, for statfs.
func (s *Store) SpaceUsed() (uint64, error) {
	var space uint64
	err := s.conn.SelectRow(
		"SELECT COALESCE(SUM(`data_length`+`index_length`),0)" +
			" FROM `information_schema`.`tables` WHERE `table_schema`=DATABASE()").Scan(&space)
	if err != nil {
		return 0, fmt.Errorf("measuring space used: %w", err)
	}
	return space, nil
}

// IsProtected reports whether the inode is in the protected set and so must
// not be deleted. The root is always protected.
func (s *Store) IsProtected(id uint64) (bool, error) {
	var count int
	err := s.conn.SelectRow(
		"SELECT COUNT(*) FROM `file_protection` WHERE `file_id`=?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking protection of file %d: %w", id, err)
	}
	return count > 0, nil
}

// Protect adds an inode to the protected set.
func (s *Store) Protect(id uint64) error {
	_, err := s.conn.Exec(
		"INSERT IGNORE INTO `file_protection` (`file_id`) VALUES (?)", id)
	if err != nil {
		return fmt.Errorf("protecting file %d: %w", id, err)
	}
	return nil
}

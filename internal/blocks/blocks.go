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

// Package blocks is the block storage engine. File content is chunked into
// fixed-size rows of the `file_data` table; the algorithms here stitch and
// split those rows while keeping the inode's cached size equal to the sum of
// the block lengths. Every compound mutation runs inside a transaction.
package blocks

import (
	"database/sql"
	"fmt"

	"github.com/googlecloudplatform/myfs/internal/db"
	"github.com/googlecloudplatform/myfs/internal/logger"
)

// BlockSize is the fixed chunk size. It must match the VARBINARY column the
// installer emits.
const BlockSize = 4096

// BlockOf returns the index of the block containing the byte at offset.
func BlockOf(offset int64) int64 {
	return offset / BlockSize
}

// OffsetIn returns the byte position within its block of the byte at offset.
func OffsetIn(offset int64) int64 {
	return offset % BlockSize
}

// BlocksSpanned returns the number of blocks needed for length bytes;
// BlocksSpanned(0) is 0.
func BlocksSpanned(length int64) int64 {
	return (length + BlockSize - 1) / BlockSize
}

// Store performs block operations against a connection.
type Store struct {
	conn *db.Conn
}

func NewStore(conn *db.Conn) *Store {
	return &Store{conn: conn}
}

// ReadAt copies up to len(dst) bytes of the file's content starting at
// offset into dst and returns the number of bytes produced. Short reads
// happen at end of file.
func (s *Store) ReadAt(fileID uint64, dst []byte, offset int64) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	var produced int
	err := s.conn.Transact(func(tx *db.Tx) error {
		first := BlockOf(offset)
		skip := OffsetIn(offset)
		limit := BlocksSpanned(int64(len(dst)) + skip)

		rows, err := tx.Select(
			"SELECT `data` FROM `file_data` WHERE `file_id`=? AND `index`>=?"+
				" ORDER BY `index` ASC LIMIT ?",
			fileID, first, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}

			if skip >= int64(len(data)) {
				// Offset beyond the content of the final block.
				break
			}

			produced += copy(dst[produced:], data[skip:])
			skip = 0

			if produced == len(dst) {
				break
			}
		}

		return rows.Err()
	})

	if err != nil {
		return 0, fmt.Errorf("reading %d bytes of file %d at %d: %w", len(dst), fileID, offset, err)
	}

	return produced, nil
}

// WriteAt splices src into the file's content at offset. Existing blocks are
// overwritten in place with an in-database splice so the unmodified tail of
// a partially overwritten block survives; bytes past the last existing block
// become new rows. The inode's cached size is raised to cover the write.
func (s *Store) WriteAt(fileID uint64, src []byte, offset int64) error {
	if len(src) == 0 {
		return nil
	}

	err := s.conn.Transact(func(tx *db.Tx) error {
		first := BlockOf(offset)
		pos := OffsetIn(offset)
		limit := BlocksSpanned(int64(len(src)) + pos)

		rows, err := tx.Select(
			"SELECT `file_data_id` FROM `file_data` WHERE `file_id`=? AND `index`>=?"+
				" ORDER BY `index` ASC LIMIT ?",
			fileID, first, limit)
		if err != nil {
			return err
		}

		var blockIDs []uint64
		for rows.Next() {
			var id uint64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			blockIDs = append(blockIDs, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		consumed := 0

		// Splice into the existing blocks. MariaDB's INSERT() is 1-based and
		// preserves everything outside the replaced range.
		for _, id := range blockIDs {
			n := int(BlockSize - pos)
			if rest := len(src) - consumed; rest < n {
				n = rest
			}
			if n == 0 {
				break
			}

			chunk := src[consumed : consumed+n]
			if _, err := tx.Exec(
				"UPDATE `file_data` SET `data`=INSERT(`data`,?,?,?) WHERE `file_data_id`=?",
				pos+1, n, chunk, id); err != nil {
				return err
			}

			consumed += n
			pos = 0
		}

		// Whatever is left goes into fresh blocks past the last touched one.
		index := first + int64(len(blockIDs))
		for consumed < len(src) {
			n := len(src) - consumed
			if n > BlockSize {
				n = BlockSize
			}

			if _, err := tx.Exec(
				"INSERT INTO `file_data` (`file_id`,`index`,`data`) VALUES (?,?,?)",
				fileID, index, src[consumed:consumed+n]); err != nil {
				return err
			}

			consumed += n
			index++
		}

		// The write may have extended the file, in place or with new blocks.
		_, err = tx.Exec(
			"UPDATE `files` SET `size`=GREATEST(`size`,?) WHERE `file_id`=?",
			offset+int64(len(src)), fileID)
		return err
	})

	if err != nil {
		return fmt.Errorf("writing %d bytes to file %d at %d: %w", len(src), fileID, offset, err)
	}
	return nil
}

// Append adds src at the end of the file's content: top off the last block
// with an in-database concat if it has room, then insert fresh blocks.
func (s *Store) Append(fileID uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}

	err := s.conn.Transact(func(tx *db.Tx) error {
		var (
			lastID  uint64
			lastIdx int64
			lastLen int64
			index   int64
		)

		err := tx.SelectRow(
			"SELECT `file_data_id`,`index`,LENGTH(`data`) FROM `file_data`"+
				" WHERE `file_id`=? ORDER BY `index` DESC LIMIT 1",
			fileID).Scan(&lastID, &lastIdx, &lastLen)
		haveLast := false
		switch {
		case err == sql.ErrNoRows:
			index = 0
		case err != nil:
			return err
		default:
			haveLast = true
			index = lastIdx + 1
		}

		if _, err := tx.Exec(
			"UPDATE `files` SET `size`=`size`+? WHERE `file_id`=?",
			len(src), fileID); err != nil {
			return err
		}

		consumed := 0
		if haveLast && lastLen < BlockSize {
			n := int(BlockSize - lastLen)
			if n > len(src) {
				n = len(src)
			}

			if _, err := tx.Exec(
				"UPDATE `file_data` SET `data`=CONCAT(`data`,?) WHERE `file_data_id`=?",
				src[:n], lastID); err != nil {
				return err
			}

			consumed = n
		}

		for consumed < len(src) {
			n := len(src) - consumed
			if n > BlockSize {
				n = BlockSize
			}

			if _, err := tx.Exec(
				"INSERT INTO `file_data` (`file_id`,`index`,`data`) VALUES (?,?,?)",
				fileID, index, src[consumed:consumed+n]); err != nil {
				return err
			}

			consumed += n
			index++
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("appending %d bytes to file %d: %w", len(src), fileID, err)
	}
	return nil
}

// Truncate grows or shrinks the file's content to size bytes. Growth pads
// with ASCII spaces, chosen so padded text stays readable; shrinking deletes
// whole blocks above the new end and trims the one straddling it.
func (s *Store) Truncate(fileID uint64, size uint64) error {
	err := s.conn.Transact(func(tx *db.Tx) error {
		var current uint64
		err := tx.SelectRow(
			"SELECT `size` FROM `files` WHERE `file_id`=?", fileID).Scan(&current)
		if err != nil {
			return err
		}

		if current == size {
			return nil
		}

		if _, err := tx.Exec(
			"UPDATE `files` SET `size`=? WHERE `file_id`=?", size, fileID); err != nil {
			return err
		}

		if size > current {
			return s.grow(tx, fileID, current, size)
		}
		return s.shrink(tx, fileID, current, size)
	})

	if err != nil {
		return fmt.Errorf("truncating file %d to %d: %w", fileID, size, err)
	}
	return nil
}

func (s *Store) grow(tx *db.Tx, fileID, current, size uint64) error {
	diff := int64(size - current)

	var (
		lastID  uint64
		lastIdx int64
		lastLen int64
		index   int64
	)

	err := tx.SelectRow(
		"SELECT `file_data_id`,`index`,LENGTH(`data`) FROM `file_data`"+
			" WHERE `file_id`=? ORDER BY `index` DESC LIMIT 1",
		fileID).Scan(&lastID, &lastIdx, &lastLen)
	switch {
	case err == sql.ErrNoRows:
		index = 0
	case err != nil:
		return err
	default:
		index = lastIdx + 1

		// Pad the final partial block up to a full one first.
		if lastLen < BlockSize {
			pad := BlockSize - lastLen
			if pad > diff {
				pad = diff
			}

			if _, err := tx.Exec(
				"UPDATE `file_data` SET `data`=CONCAT(`data`,REPEAT(' ',?)) WHERE `file_data_id`=?",
				pad, lastID); err != nil {
				return err
			}

			diff -= pad
		}
	}

	for diff >= BlockSize {
		if _, err := tx.Exec(
			"INSERT INTO `file_data` (`file_id`,`index`,`data`) VALUES (?,?,REPEAT(' ',?))",
			fileID, index, BlockSize); err != nil {
			return err
		}

		diff -= BlockSize
		index++
	}

	if diff > 0 {
		if _, err := tx.Exec(
			"INSERT INTO `file_data` (`file_id`,`index`,`data`) VALUES (?,?,REPEAT(' ',?))",
			fileID, index, diff); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) shrink(tx *db.Tx, fileID, current, size uint64) error {
	for {
		var (
			lastID  uint64
			lastIdx int64
			lastLen int64
		)

		err := tx.SelectRow(
			"SELECT `file_data_id`,`index`,LENGTH(`data`) FROM `file_data`"+
				" WHERE `file_id`=? ORDER BY `index` DESC LIMIT 1",
			fileID).Scan(&lastID, &lastIdx, &lastLen)
		if err == sql.ErrNoRows {
			if size > 0 {
				logger.Warnf("truncate: file %d ran out of blocks shrinking to %d", fileID, size)
			}
			return nil
		}
		if err != nil {
			return err
		}

		start := uint64(lastIdx) * BlockSize

		if start >= size {
			// Entirely above the new end.
			if _, err := tx.Exec(
				"DELETE FROM `file_data` WHERE `file_data_id`=?", lastID); err != nil {
				return err
			}
			continue
		}

		keep := size - start
		if keep < uint64(lastLen) {
			if _, err := tx.Exec(
				"UPDATE `file_data` SET `data`=SUBSTRING(`data`,1,?) WHERE `file_data_id`=?",
				keep, lastID); err != nil {
				return err
			}
		}

		return nil
	}
}

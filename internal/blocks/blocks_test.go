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

package blocks

import (
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googlecloudplatform/myfs/internal/db"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return NewStore(db.New(sqlDB, db.Options{RetryWait: -1})), mock
}

func TestBlockMath(t *testing.T) {
	assert.Equal(t, int64(0), BlockOf(0))
	assert.Equal(t, int64(0), BlockOf(BlockSize-1))
	assert.Equal(t, int64(1), BlockOf(BlockSize))
	assert.Equal(t, int64(0), OffsetIn(0))
	assert.Equal(t, int64(BlockSize-1), OffsetIn(BlockSize-1))
	assert.Equal(t, int64(0), OffsetIn(BlockSize))

	assert.Equal(t, int64(0), BlocksSpanned(0))
	assert.Equal(t, int64(1), BlocksSpanned(1))
	assert.Equal(t, int64(1), BlocksSpanned(BlockSize))
	assert.Equal(t, int64(2), BlocksSpanned(BlockSize+1))
	assert.Equal(t, int64(3), BlocksSpanned(2*BlockSize+1))
}

func TestReadAtStitchesBlocks(t *testing.T) {
	store, mock := newTestStore(t)

	// 10 bytes at offset 4091: two blocks, skip 4091 into the first.
	first := make([]byte, BlockSize)
	copy(first[4091:], "ABCDE")
	second := []byte("FGHIJ" + strings.Repeat("x", 100))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `data` FROM `file_data` WHERE `file_id`=.+ AND `index`>=").
		WithArgs(uint64(7), int64(0), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(first).AddRow(second))
	mock.ExpectCommit()

	dst := make([]byte, 10)
	n, err := store.ReadAt(7, dst, 4091)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "ABCDEFGHIJ", string(dst))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadAtShortAtEOF(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `data` FROM `file_data`").
		WithArgs(uint64(7), int64(0), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("hello")))
	mock.ExpectCommit()

	dst := make([]byte, 100)
	n, err := store.ReadAt(7, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst[:n]))
}

func TestReadAtEmptyBuffer(t *testing.T) {
	store, _ := newTestStore(t)

	n, err := store.ReadAt(7, nil, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteAtSplicesAcrossBlocks(t *testing.T) {
	store, mock := newTestStore(t)

	// "ABCDEFGHIJ" at offset 4091 with both blocks present: splice 5 bytes
	// at position 4092 (1-based) of the first, 5 at position 1 of the second.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `file_data_id` FROM `file_data` WHERE `file_id`=.+ AND `index`>=").
		WithArgs(uint64(7), int64(0), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id"}).AddRow(100).AddRow(101))
	mock.ExpectExec("UPDATE `file_data` SET `data`=INSERT").
		WithArgs(int64(4092), 5, []byte("ABCDE"), uint64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `file_data` SET `data`=INSERT").
		WithArgs(int64(1), 5, []byte("FGHIJ"), uint64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `files` SET `size`=GREATEST").
		WithArgs(int64(4101), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteAt(7, []byte("ABCDEFGHIJ"), 4091))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteAtInsertsTrailingBlocks(t *testing.T) {
	store, mock := newTestStore(t)

	// One existing block, a write that spills one full block plus a tail.
	src := make([]byte, 2*BlockSize+10)
	for i := range src {
		src[i] = byte('a' + i%26)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `file_data_id` FROM `file_data`").
		WithArgs(uint64(7), int64(0), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id"}).AddRow(100))
	mock.ExpectExec("UPDATE `file_data` SET `data`=INSERT").
		WithArgs(int64(1), BlockSize, src[:BlockSize], uint64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `file_data`").
		WithArgs(uint64(7), int64(1), src[BlockSize:2*BlockSize]).
		WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectExec("INSERT INTO `file_data`").
		WithArgs(uint64(7), int64(2), src[2*BlockSize:]).
		WillReturnResult(sqlmock.NewResult(102, 1))
	mock.ExpectExec("UPDATE `files` SET `size`=GREATEST").
		WithArgs(int64(len(src)), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteAt(7, src, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTopsOffPartialBlock(t *testing.T) {
	store, mock := newTestStore(t)

	// Last block holds 4090 bytes; appending 10 splits 6 into the concat and
	// 4 into a fresh row.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}).
			AddRow(100, 2, 4090))
	mock.ExpectExec("UPDATE `files` SET `size`=`size`").
		WithArgs(10, uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `file_data` SET `data`=CONCAT").
		WithArgs([]byte("ABCDEF"), uint64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `file_data`").
		WithArgs(uint64(7), int64(3), []byte("GHIJ")).
		WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(7, []byte("ABCDEFGHIJ")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendToEmptyFile(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}))
	mock.ExpectExec("UPDATE `files` SET `size`=`size`").
		WithArgs(5, uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `file_data`").
		WithArgs(uint64(7), int64(0), []byte("hello")).
		WillReturnResult(sqlmock.NewResult(100, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(7, []byte("hello")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateNoChange(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `size` FROM `files`").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(5000))
	mock.ExpectCommit()

	require.NoError(t, store.Truncate(7, 5000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateGrowPadsWithSpaces(t *testing.T) {
	store, mock := newTestStore(t)

	// Empty file grown to one block plus 100 bytes: one full block of spaces
	// and a 100-byte partial.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `size` FROM `files`").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(0))
	mock.ExpectExec("UPDATE `files` SET `size`=").
		WithArgs(uint64(BlockSize+100), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}))
	mock.ExpectExec("INSERT INTO `file_data` .+ VALUES .+REPEAT").
		WithArgs(uint64(7), int64(0), BlockSize).
		WillReturnResult(sqlmock.NewResult(100, 1))
	mock.ExpectExec("INSERT INTO `file_data` .+ VALUES .+REPEAT").
		WithArgs(uint64(7), int64(1), int64(100)).
		WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Truncate(7, BlockSize+100))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateGrowTopsOffLastBlock(t *testing.T) {
	store, mock := newTestStore(t)

	// 10-byte file grown to 20: pad the lone block in place.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `size` FROM `files`").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(10))
	mock.ExpectExec("UPDATE `files` SET `size`=").
		WithArgs(uint64(20), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}).
			AddRow(100, 0, 10))
	mock.ExpectExec("UPDATE `file_data` SET `data`=CONCAT.+REPEAT").
		WithArgs(int64(10), uint64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Truncate(7, 20))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateShrink(t *testing.T) {
	store, mock := newTestStore(t)

	// A 9000-byte file (4096 + 4096 + 808) shrunk to 5000: the third block
	// goes away, the second is trimmed to 904 bytes.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `size` FROM `files`").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(9000))
	mock.ExpectExec("UPDATE `files` SET `size`=").
		WithArgs(uint64(5000), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}).
			AddRow(102, 2, 808))
	mock.ExpectExec("DELETE FROM `file_data` WHERE `file_data_id`=").
		WithArgs(uint64(102)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}).
			AddRow(101, 1, 4096))
	mock.ExpectExec("UPDATE `file_data` SET `data`=SUBSTRING").
		WithArgs(uint64(904), uint64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Truncate(7, 5000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateToZeroDeletesEverything(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `size` FROM `files`").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(5))
	mock.ExpectExec("UPDATE `files` SET `size`=").
		WithArgs(uint64(0), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}).
			AddRow(100, 0, 5))
	mock.ExpectExec("DELETE FROM `file_data` WHERE `file_data_id`=").
		WithArgs(uint64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `file_data_id`,`index`,LENGTH").
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"file_data_id", "index", "len"}))
	mock.ExpectCommit()

	require.NoError(t, store.Truncate(7, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

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

package mount

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/googlecloudplatform/myfs/internal/meta"
)

func TestGoFileMode(t *testing.T) {
	assert.Equal(t, os.FileMode(0o640), goFileMode(meta.ModeRegular|0o640))
	assert.Equal(t, os.ModeDir|0o775, goFileMode(meta.ModeDir|0o775))
	assert.Equal(t, os.ModeSymlink|0o777, goFileMode(meta.ModeSymlink|0o777))
	assert.Equal(t, os.ModeSetuid|0o755, goFileMode(meta.ModeRegular|setuidBits|0o755))
	assert.Equal(t, os.ModeDir|os.ModeSticky|0o777, goFileMode(meta.ModeDir|stickyBits|0o777))
}

func TestPosixMode(t *testing.T) {
	assert.Equal(t, meta.ModeRegular|uint16(0o640), posixMode(0o640))
	assert.Equal(t, meta.ModeDir|uint16(0o775), posixMode(os.ModeDir|0o775))
	assert.Equal(t, meta.ModeSymlink|uint16(0o777), posixMode(os.ModeSymlink|0o777))
	assert.Equal(t, meta.ModeRegular|setgidBits|uint16(0o755), posixMode(os.ModeSetgid|0o755))
}

func TestModeRoundTrip(t *testing.T) {
	modes := []uint16{
		meta.ModeRegular | 0o644,
		meta.ModeDir | 0o755,
		meta.ModeSymlink | 0o777,
		meta.ModeRegular | setuidBits | setgidBits | 0o750,
		meta.ModeDir | stickyBits | 0o777,
	}

	for _, m := range modes {
		assert.Equal(t, m, posixMode(goFileMode(m)))
	}
}

func TestChildPath(t *testing.T) {
	assert.Equal(t, "/a", childPath("/", "a"))
	assert.Equal(t, "/a/b", childPath("/a", "b"))
}

func TestInodeIDShiftsPastTheKernelRoot(t *testing.T) {
	assert.EqualValues(t, 1, inodeID(0))
	assert.EqualValues(t, 43, inodeID(42))
}

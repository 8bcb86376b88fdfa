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

	"github.com/googlecloudplatform/myfs/internal/meta"
)

const (
	setuidBits uint16 = 0o4000
	setgidBits uint16 = 0o2000
	stickyBits uint16 = 0o1000
)

// goFileMode converts the stored 16-bit POSIX mode, type bits included, to
// an os.FileMode.
func goFileMode(mode uint16) os.FileMode {
	m := os.FileMode(mode & 0o777)

	switch mode & meta.ModeTypeMask {
	case meta.ModeDir:
		m |= os.ModeDir
	case meta.ModeSymlink:
		m |= os.ModeSymlink
	}

	if mode&setuidBits != 0 {
		m |= os.ModeSetuid
	}
	if mode&setgidBits != 0 {
		m |= os.ModeSetgid
	}
	if mode&stickyBits != 0 {
		m |= os.ModeSticky
	}

	return m
}

// posixMode converts an os.FileMode to the 16-bit POSIX form.
func posixMode(m os.FileMode) uint16 {
	mode := uint16(m.Perm())

	switch {
	case m&os.ModeDir != 0:
		mode |= meta.ModeDir
	case m&os.ModeSymlink != 0:
		mode |= meta.ModeSymlink
	case m.IsRegular():
		mode |= meta.ModeRegular
	}

	if m&os.ModeSetuid != 0 {
		mode |= setuidBits
	}
	if m&os.ModeSetgid != 0 {
		mode |= setgidBits
	}
	if m&os.ModeSticky != 0 {
		mode |= stickyBits
	}

	return mode
}

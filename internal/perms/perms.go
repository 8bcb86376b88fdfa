// Copyright 2015 Google Inc. All Rights Reserved.
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

// System permissions-related code.
package perms

import (
	"fmt"
	"os/user"
	"strconv"
)

// MyUserAndGroup returns the UID and GID of this process.
func MyUserAndGroup() (uid uint32, gid uint32, err error) {
	// Ask for the current user.
	u, err := user.Current()
	if err != nil {
		err = fmt.Errorf("fetching current user: %w", err)
		return
	}

	// Parse UID.
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		err = fmt.Errorf("parsing UID (%s): %w", u.Uid, err)
		return
	}

	// Parse GID.
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		err = fmt.Errorf("parsing GID (%s): %w", u.Gid, err)
		return
	}

	uid = uint32(uid64)
	gid = uint32(gid64)

	return
}

// MyUserAndGroupNames returns the user and group names of this process,
// resolved against the host user/group database.
func MyUserAndGroupNames() (username string, groupname string, err error) {
	u, err := user.Current()
	if err != nil {
		err = fmt.Errorf("fetching current user: %w", err)
		return
	}

	g, err := user.LookupGroupId(u.Gid)
	if err != nil {
		err = fmt.Errorf("looking up group %s: %w", u.Gid, err)
		return
	}

	username = u.Username
	groupname = g.Name
	return
}

// LookupUID resolves a user name to a UID.
func LookupUID(name string) (uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing UID (%s): %w", u.Uid, err)
	}

	return uint32(uid), nil
}

// LookupGID resolves a group name to a GID.
func LookupGID(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}

	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing GID (%s): %w", g.Gid, err)
	}

	return uint32(gid), nil
}

// UsernameFor resolves a UID to a user name.
func UsernameFor(uid uint32) (string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// GroupnameFor resolves a GID to a group name.
func GroupnameFor(gid uint32) (string, error) {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return "", err
	}
	return g.Name, nil
}

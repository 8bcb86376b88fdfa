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

package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFile(t *testing.T) {
	path := writeConfig(t, `# leading comment

mariadb_host = 10.0.0.1
	mount=/mnt/data
mariadb_password = p@ss = word
empty_value =
`)

	kv, err := ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"mariadb_host":     "10.0.0.1",
		"mount":            "/mnt/data",
		"mariadb_password": "p@ss = word",
		"empty_value":      "",
	}, kv)
}

func TestParseFileRejectsBareWord(t *testing.T) {
	path := writeConfig(t, "mariadb_host\n")

	_, err := ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":1:")
}

func TestParseFileRejectsEmptyKey(t *testing.T) {
	path := writeConfig(t, " = value\n")

	_, err := ParseFile(path)
	require.Error(t, err)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile("/does/not/exist.conf")
	require.Error(t, err)
}

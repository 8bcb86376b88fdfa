// Copyright 2023 Google Inc. All Rights Reserved.
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

//go:build !windows

package logger

import (
	"io"
	"log/syslog"
	"os"
	"path/filepath"
)

func newSyslogWriter(tag string) (io.Writer, error) {
	if tag == "" {
		tag = filepath.Base(os.Args[0])
	}
	return syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
}

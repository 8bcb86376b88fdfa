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

package db

// Escape returns a copy of b safe to splice into a single-quoted SQL
// literal. It is length-aware: embedded zero bytes are escaped, not treated
// as terminators, so binary data round-trips.
func Escape(b []byte) []byte {
	out := make([]byte, 0, len(b)*2)

	for _, c := range b {
		switch c {
		case 0:
			out = append(out, '\\', '0')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\\':
			out = append(out, '\\', '\\')
		case '\'':
			out = append(out, '\\', '\'')
		case '"':
			out = append(out, '\\', '"')
		case 0x1a:
			out = append(out, '\\', 'Z')
		default:
			out = append(out, c)
		}
	}

	return out
}

// EscapeString is Escape for text.
func EscapeString(s string) string {
	return string(Escape([]byte(s)))
}

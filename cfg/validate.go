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

import "fmt"

var validLogLevels = map[string]bool{
	"trace":   true,
	"debug":   true,
	"info":    true,
	"warning": true,
	"error":   true,
	"off":     true,
}

var validReclaimerLevels = map[string]bool{
	"off":        true,
	"optimistic": true,
	"aggressive": true,
}

// Validate rejects configurations the rest of the process must not see.
func (c *Config) Validate() error {
	if c.MariaDBPort == 0 || c.MariaDBPort > 65535 {
		return fmt.Errorf("mariadb_port out of range: %d", c.MariaDBPort)
	}

	if c.FailedQueryRetryWait < -1 {
		return fmt.Errorf("failed_query_retry_wait must be >= -1, got %d", c.FailedQueryRetryWait)
	}

	if c.FailedQueryRetryCount < -1 || c.FailedQueryRetryCount == 0 {
		return fmt.Errorf("failed_query_retry_count must be -1 or positive, got %d", c.FailedQueryRetryCount)
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("unknown log_level: %q", c.LogLevel)
	}

	if !validReclaimerLevels[c.ReclaimerLevel] {
		return fmt.Errorf("unknown reclaimer_level: %q", c.ReclaimerLevel)
	}

	if c.LogRotateMaxSizeMB < 0 || c.LogRotateBackupCount < 0 {
		return fmt.Errorf("log rotation values must not be negative")
	}

	if c.Mount == "" {
		return fmt.Errorf("mount must not be empty")
	}

	return nil
}

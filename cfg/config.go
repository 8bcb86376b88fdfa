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

// Package cfg owns the process configuration: the typed Config struct, the
// defaults, the config-file form, and the command-line form. Keys are spelled
// identically in the file (`key = value`) and on the command line
// (`--key value`); explicitly-set flags override file values.
package cfg

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"

	"github.com/googlecloudplatform/myfs/internal/perms"
)

// DefaultConfigFile is where the file form of the configuration lives unless
// --config_file redirects it.
const DefaultConfigFile = "/etc/myfs.d/myfs.conf"

// Config is the full set of process options.
type Config struct {
	ConfigFile string `mapstructure:"config_file"`

	MariaDBHost     string `mapstructure:"mariadb_host"`
	MariaDBPort     uint   `mapstructure:"mariadb_port"`
	MariaDBUser     string `mapstructure:"mariadb_user"`
	MariaDBPassword string `mapstructure:"mariadb_password"`
	MariaDBDatabase string `mapstructure:"mariadb_database"`

	Mount string `mapstructure:"mount"`

	// Default owner and group names for newly created inodes, and the
	// fallback identity when a stored name no longer resolves on this host.
	User  string `mapstructure:"user"`
	Group string `mapstructure:"group"`

	// Seconds between query retries; -1 disables retrying.
	FailedQueryRetryWait int `mapstructure:"failed_query_retry_wait"`

	// Maximum query attempts; -1 retries forever.
	FailedQueryRetryCount int `mapstructure:"failed_query_retry_count"`

	LogStdout            bool   `mapstructure:"log_stdout"`
	LogSyslog            bool   `mapstructure:"log_syslog"`
	LogFile              string `mapstructure:"log_file"`
	LogLevel             string `mapstructure:"log_level"`
	LogRotateMaxSizeMB   int    `mapstructure:"log_rotate_max_size_mb"`
	LogRotateBackupCount int    `mapstructure:"log_rotate_backup_count"`

	// One of "off", "optimistic", "aggressive".
	ReclaimerLevel string `mapstructure:"reclaimer_level"`

	// Run the interactive installer and exit.
	Create bool `mapstructure:"create"`

	// Emit the DDL to stdout and exit.
	PrintCreateSQL bool `mapstructure:"print_create_sql"`
}

// DefaultConfig returns the configuration with every key at its default.
// The default owner and group are the process's own, resolved to names; if
// the host user database cannot resolve them they are left empty and the
// filesystem falls back to numeric identity at stat time.
func DefaultConfig() Config {
	c := Config{
		ConfigFile:            DefaultConfigFile,
		MariaDBHost:           "127.0.0.1",
		MariaDBPort:           3306,
		MariaDBUser:           "myfs",
		MariaDBDatabase:       "myfs",
		Mount:                 "/mnt/myfs",
		FailedQueryRetryWait:  -1,
		FailedQueryRetryCount: -1,
		LogStdout:             true,
		LogLevel:              "info",
		LogRotateMaxSizeMB:    100,
		LogRotateBackupCount:  5,
		ReclaimerLevel:        "optimistic",
	}

	if user, group, err := perms.MyUserAndGroupNames(); err == nil {
		c.User = user
		c.Group = group
	}

	return c
}

// BindFlags registers one flag per configuration key. Flag names are the key
// names, so the command line is `--key value` for every key in the file.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()

	fs.String("config_file", d.ConfigFile, "Path to the configuration file.")
	fs.String("mariadb_host", d.MariaDBHost, "The MariaDB IP address or hostname.")
	fs.Uint("mariadb_port", d.MariaDBPort, "The MariaDB port.")
	fs.String("mariadb_user", d.MariaDBUser, "The MariaDB user.")
	fs.String("mariadb_password", d.MariaDBPassword, "The MariaDB user's password.")
	fs.String("mariadb_database", d.MariaDBDatabase, "The MariaDB database name.")
	fs.String("mount", d.Mount, "The mount point for the file system.")
	fs.String("user", d.User, "Default owner for newly created files.")
	fs.String("group", d.Group, "Default group for newly created files.")
	fs.Int("failed_query_retry_wait", d.FailedQueryRetryWait, "Seconds to wait between failed query retries; -1 disables retrying.")
	fs.Int("failed_query_retry_count", d.FailedQueryRetryCount, "Maximum attempts for a failed query; -1 retries forever.")
	fs.Bool("log_stdout", d.LogStdout, "Whether or not to log to the console.")
	fs.Bool("log_syslog", d.LogSyslog, "Whether or not to log to syslog.")
	fs.String("log_file", d.LogFile, "Path of the log file; empty for none.")
	fs.String("log_level", d.LogLevel, "Minimum log severity: trace, debug, info, warning, error, off.")
	fs.Int("log_rotate_max_size_mb", d.LogRotateMaxSizeMB, "Rotate the log file after it reaches this size.")
	fs.Int("log_rotate_backup_count", d.LogRotateBackupCount, "Number of rotated log files to keep.")
	fs.String("reclaimer_level", d.ReclaimerLevel, "Space reclaimer level: off, optimistic, aggressive.")
	fs.Bool("create", d.Create, "Run the interactive installer and exit.")
	fs.Bool("print_create_sql", d.PrintCreateSQL, "Print the schema DDL to stdout and exit.")
}

// Load resolves the configuration: defaults, then the config file at path
// (skipped when path is empty), then any explicitly-set flags. Unknown keys
// in the file are a fatal configuration error.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	c := DefaultConfig()

	if path != "" {
		kv, err := ParseFile(path)
		if err != nil {
			return nil, err
		}

		if err := decodeStrict(kv, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	// Overlay flags the user actually set.
	overrides := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		overrides[f.Name] = f.Value.String()
	})

	if err := decodeStrict(overrides, &c); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// decodeStrict decodes a string key/value map onto the config, weakly typing
// values ("true", "3306", "-1") and failing on keys the Config doesn't know.
func decodeStrict(kv map[string]string, c *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(kv); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

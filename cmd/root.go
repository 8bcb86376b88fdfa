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

// Package cmd is the command-line entry point: flag surface, configuration
// resolution, and dispatch to the installer or the mount path.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/googlecloudplatform/myfs/cfg"
	"github.com/googlecloudplatform/myfs/internal/install"
	"github.com/googlecloudplatform/myfs/internal/logger"
)

// Exit codes. Any other failure, including one reported by the kernel
// binding, exits with exitConfigError.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitConnectError = 2
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "myfs",
	Short: "Mount a MariaDB-backed POSIX file system",
	Long: `MyFS is a user-space file system whose entire persistent state lives in a
MariaDB database: one table of inodes and one table of fixed-size content
blocks. Mounting translates every file operation into SQL.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	cfg.BindFlags(rootCmd.Flags())
}

func runRoot(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	// The config_file flag is a priority key: it is consulted before the file
	// it names is read. A missing file is only acceptable when the operator
	// didn't point at one explicitly.
	path, err := flags.GetString("config_file")
	if err != nil {
		return &exitError{exitConfigError, err}
	}

	if !flags.Changed("config_file") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	config, err := cfg.Load(path, flags)
	if err != nil {
		return &exitError{exitConfigError, err}
	}

	// print_create_sql is the second priority key: emit the DDL and stop.
	if config.PrintCreateSQL {
		fmt.Fprint(os.Stdout, install.CreateSQL(config.User, config.Group))
		return nil
	}

	if err := logger.InitLogging(logger.LogConfig{
		Stdout:            config.LogStdout,
		Syslog:            config.LogSyslog,
		FilePath:          config.LogFile,
		Level:             config.LogLevel,
		RotateMaxSizeMB:   config.LogRotateMaxSizeMB,
		RotateBackupCount: config.LogRotateBackupCount,
	}); err != nil {
		return &exitError{exitConfigError, err}
	}
	defer logger.Teardown()

	// The create key is the third priority key: run the installer and stop.
	if config.Create {
		installer := &install.Installer{In: os.Stdin, Out: os.Stdout}
		if err := installer.Run(install.DefaultParams(config)); err != nil {
			return &exitError{exitConfigError, err}
		}
		return nil
	}

	return runMount(config)
}

// Execute runs the command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	fmt.Fprintln(os.Stderr, err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfigError
}

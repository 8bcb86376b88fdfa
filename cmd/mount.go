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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"

	"github.com/googlecloudplatform/myfs/cfg"
	"github.com/googlecloudplatform/myfs/internal/blocks"
	"github.com/googlecloudplatform/myfs/internal/db"
	"github.com/googlecloudplatform/myfs/internal/fs"
	"github.com/googlecloudplatform/myfs/internal/logger"
	"github.com/googlecloudplatform/myfs/internal/meta"
	"github.com/googlecloudplatform/myfs/internal/mount"
	"github.com/googlecloudplatform/myfs/internal/perms"
	"github.com/googlecloudplatform/myfs/internal/reclaimer"
)

// runMount connects, assembles the filesystem, mounts it, and blocks until
// unmount.
func runMount(config *cfg.Config) error {
	logger.Infof("starting")

	dbOpts := db.Options{
		Host:       config.MariaDBHost,
		Port:       config.MariaDBPort,
		User:       config.MariaDBUser,
		Password:   config.MariaDBPassword,
		Database:   config.MariaDBDatabase,
		RetryWait:  config.FailedQueryRetryWait,
		RetryCount: config.FailedQueryRetryCount,
	}

	conn, err := db.Connect(dbOpts)
	if err != nil {
		return &exitError{exitConnectError, fmt.Errorf("connecting to MariaDB: %w", err)}
	}
	defer conn.Close()

	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		return &exitError{exitConfigError, err}
	}

	serverCfg := &fs.ServerConfig{
		Metadata:     meta.NewStore(conn),
		Blocks:       blocks.NewStore(conn),
		DefaultUser:  config.User,
		DefaultGroup: config.Group,
		ProcessUID:   uid,
		ProcessGID:   gid,
	}

	// The reclaimer gets its own connection so its optimize passes never
	// queue behind filesystem traffic.
	level, err := reclaimer.ParseLevel(config.ReclaimerLevel)
	if err != nil {
		return &exitError{exitConfigError, err}
	}

	var rec *reclaimer.Reclaimer
	if level != reclaimer.LevelOff {
		recConn, err := db.Connect(dbOpts)
		if err != nil {
			return &exitError{exitConnectError, fmt.Errorf("connecting the reclaimer: %w", err)}
		}
		defer recConn.Close()

		rec = reclaimer.New(level, &reclaimer.TableOptimizer{Conn: recConn}, timeutil.RealClock())
		serverCfg.Reclaimer = rec
	}

	core := fs.New(serverCfg)

	if rec != nil {
		rec.Start()
		defer rec.Stop()
	}

	mfs, err := mount.Mount(config.Mount, core)
	if err != nil {
		return err
	}
	defer core.Destroy()

	logger.Infof("mounted at %s", config.Mount)
	registerSIGINTHandler(config.Mount)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("waiting for unmount: %w", err)
	}

	logger.Infof("goodbye")
	return nil
}

// registerSIGINTHandler unmounts on SIGINT/SIGTERM, retrying while the
// mount point is busy. Join returns once the unmount goes through.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			<-signalChan
			logger.Infof("received signal, attempting to unmount %s", mountPoint)

			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("unmounting %s: %v", mountPoint, err)
			} else {
				return
			}
		}
	}()
}

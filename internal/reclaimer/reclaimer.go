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

// Package reclaimer runs the background space reclaimer: a dedicated
// goroutine with its own database connection that asks the storage engine to
// optimize the inode and block tables, at a configured aggressiveness.
package reclaimer

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/googlecloudplatform/myfs/internal/db"
	"github.com/googlecloudplatform/myfs/internal/logger"
)

// Level is the reclaimer's aggressiveness.
type Level int

const (
	// LevelOff never runs.
	LevelOff Level = iota

	// LevelOptimistic runs once the filesystem has been quiet for the
	// quiescence window.
	LevelOptimistic

	// LevelAggressive runs after every delete.
	LevelAggressive
)

// ParseLevel parses the reclaimer_level configuration value.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off":
		return LevelOff, nil
	case "optimistic":
		return LevelOptimistic, nil
	case "aggressive":
		return LevelAggressive, nil
	}
	return LevelOff, fmt.Errorf("unknown reclaimer level %q", s)
}

// Action is the kind of mutation a notification describes.
type Action int

const (
	// ActionGeneral is any mutation.
	ActionGeneral Action = iota

	// ActionDelete is specifically a delete.
	ActionDelete
)

const (
	// How long the filesystem must be idle before the optimistic level acts.
	defaultQuiescence = 30 * time.Minute

	// How long to wait before retrying a failed optimize.
	defaultRetryWait = 30 * time.Second

	// The loop's poll interval; also bounds how long Stop can take.
	tick = 100 * time.Millisecond
)

// Optimizer issues one storage-optimize request.
type Optimizer interface {
	Optimize() error
}

// TableOptimizer optimizes the block and inode tables over a connection.
type TableOptimizer struct {
	Conn *db.Conn
}

func (o *TableOptimizer) Optimize() error {
	// OPTIMIZE TABLE returns a result set which must be drained, or the
	// connection chokes on the next query.
	rows, err := o.Conn.Select("OPTIMIZE TABLE `file_data`,`files`")
	if err != nil {
		return err
	}
	return rows.Close()
}

// Reclaimer is the background task. Construct with New, then Start.
type Reclaimer struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	level      Level
	optimizer  Optimizer
	clock      timeutil.Clock
	quiescence time.Duration
	retryWait  time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// When the most recent mutation was reported, or the zero time after a
	// successful optimize. Used by the optimistic level.
	//
	// GUARDED_BY(mu)
	lastAction time.Time

	// Whether a delete has been reported since the last optimize. Used by the
	// aggressive level.
	//
	// GUARDED_BY(mu)
	deletePending bool

	stop chan struct{}
	done chan struct{}
}

// New creates a reclaimer at the given level. The optimizer should own a
// connection dedicated to this task.
func New(level Level, optimizer Optimizer, clock timeutil.Clock) *Reclaimer {
	return &Reclaimer{
		level:      level,
		optimizer:  optimizer,
		clock:      clock,
		quiescence: defaultQuiescence,
		retryWait:  defaultRetryWait,
	}
}

// Start launches the background goroutine. A LevelOff reclaimer starts
// nothing.
func (r *Reclaimer) Start() {
	if r.level == LevelOff {
		logger.Infof("reclaimer: off")
		return
	}

	logger.Infof("reclaimer: starting")
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run()
}

// Stop asks the goroutine to exit and waits for it. The loop notices within
// one tick.
func (r *Reclaimer) Stop() {
	if r.stop == nil {
		return
	}

	logger.Infof("reclaimer: stopping")
	close(r.stop)
	<-r.done
	r.stop = nil
}

// Notify reports a mutation. The optimistic level restarts its quiescence
// timer on any kind; the aggressive level reacts to deletes only.
func (r *Reclaimer) Notify(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.level {
	case LevelOptimistic:
		r.lastAction = r.clock.Now()
	case LevelAggressive:
		if action == ActionDelete {
			r.deletePending = true
		}
	}
}

func (r *Reclaimer) shouldRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.level {
	case LevelOptimistic:
		if r.lastAction.IsZero() {
			return false
		}
		return r.clock.Now().Sub(r.lastAction) >= r.quiescence
	case LevelAggressive:
		return r.deletePending
	}

	return false
}

func (r *Reclaimer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastAction = time.Time{}
	r.deletePending = false
}

func (r *Reclaimer) run() {
	defer close(r.done)

	var nextTry time.Time

	for {
		select {
		case <-r.stop:
			return
		case <-time.After(tick):
		}

		if !r.shouldRun() {
			continue
		}

		// A previous optimize failed; hold off until the retry time.
		if !nextTry.IsZero() && r.clock.Now().Before(nextTry) {
			continue
		}
		nextTry = time.Time{}

		if err := r.optimizer.Optimize(); err != nil {
			logger.Errorf("reclaimer: optimize failed, trying again in %v: %v", r.retryWait, err)
			nextTry = r.clock.Now().Add(r.retryWait)
			continue
		}

		r.reset()
	}
}

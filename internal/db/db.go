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

// Package db is the MariaDB client. It wraps database/sql with the failed
// query retry policy, transactions, and escaping. Each subsystem owns its
// own Conn; the pool behind a Conn reconnects transparently between retries.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Options configures a connection.
type Options struct {
	Host     string
	Port     uint
	User     string
	Password string
	Database string

	// Seconds to wait between attempts at a failed query. -1 disables
	// retrying.
	RetryWait int

	// Maximum attempts for a failed query. -1 retries forever.
	RetryCount int
}

// Conn is a single logical MariaDB connection.
type Conn struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	opts Options

	db *sql.DB

	// Injected for tests; time.Sleep otherwise.
	sleep func(time.Duration)

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// The server's message from the most recent exhausted query, cleared on
	// the next success.
	//
	// GUARDED_BY(mu)
	lastErr string
}

// Connect opens a connection with the supplied options and verifies it with
// a ping.
func Connect(opts Options) (*Conn, error) {
	dsn := mysql.Config{
		User:                 opts.User,
		Passwd:               opts.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		DBName:               opts.Database,
		Timeout:              10 * time.Second,
		AllowNativePasswords: true,
	}

	sqlDB, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single writer per subsystem; the pool's job here is reconnecting, not
	// fanning out.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to %s: %w", dsn.Addr, err)
	}

	return New(sqlDB, opts), nil
}

// New wraps an existing handle. Tests use this with a mock.
func New(sqlDB *sql.DB, opts Options) *Conn {
	return &Conn{
		opts:  opts,
		db:    sqlDB,
		sleep: time.Sleep,
	}
}

// Close tears the connection down.
func (c *Conn) Close() error {
	return c.db.Close()
}

// LastError returns the server's message from the most recent query that
// failed after retries, or the empty string if the most recent query
// succeeded.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Conn) recordErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
	}
}

// withRetry runs fn under the failed-query policy: on failure with retrying
// enabled, sleep RetryWait seconds and try again until success or the
// attempt budget is spent.
func (c *Conn) withRetry(fn func() error) error {
	attempts := 0

	for {
		err := fn()
		if err == nil {
			c.recordErr(nil)
			return nil
		}

		if c.opts.RetryWait == -1 {
			c.recordErr(err)
			return err
		}

		attempts++
		if c.opts.RetryCount != -1 && attempts >= c.opts.RetryCount {
			c.recordErr(err)
			return err
		}

		c.sleep(time.Duration(c.opts.RetryWait) * time.Second)
	}
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(query string, args ...interface{}) (res sql.Result, err error) {
	err = c.withRetry(func() (err error) {
		res, err = c.db.Exec(query, args...)
		return
	})
	return
}

// Select runs a query and returns its rows. Callers own the returned rows.
func (c *Conn) Select(query string, args ...interface{}) (rows *sql.Rows, err error) {
	err = c.withRetry(func() (err error) {
		rows, err = c.db.Query(query, args...)
		return
	})
	return
}

// Row is a single-row result whose query already went through the retry
// policy. Scan reports sql.ErrNoRows for an empty result set.
type Row struct {
	rows *sql.Rows
	err  error
}

func (r *Row) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}

	if err := r.rows.Scan(dest...); err != nil {
		return err
	}

	return r.rows.Close()
}

// SelectRow runs a query expected to produce at most one row.
func (c *Conn) SelectRow(query string, args ...interface{}) *Row {
	rows, err := c.Select(query, args...)
	return &Row{rows: rows, err: err}
}

// Tx is an open transaction. Statements inside it go through the same retry
// policy as top-level statements.
type Tx struct {
	tx *sql.Tx
	c  *Conn
}

// Begin opens a transaction.
func (c *Conn) Begin() (t *Tx, err error) {
	err = c.withRetry(func() (err error) {
		var tx *sql.Tx
		tx, err = c.db.Begin()
		if err == nil {
			t = &Tx{tx: tx, c: c}
		}
		return
	})
	return
}

func (t *Tx) Exec(query string, args ...interface{}) (res sql.Result, err error) {
	err = t.c.withRetry(func() (err error) {
		res, err = t.tx.Exec(query, args...)
		return
	})
	return
}

func (t *Tx) Select(query string, args ...interface{}) (rows *sql.Rows, err error) {
	err = t.c.withRetry(func() (err error) {
		rows, err = t.tx.Query(query, args...)
		return
	})
	return
}

func (t *Tx) SelectRow(query string, args ...interface{}) *Row {
	rows, err := t.Select(query, args...)
	return &Row{rows: rows, err: err}
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Transact runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (c *Conn) Transact(fn func(*Tx) error) error {
	tx, err := c.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

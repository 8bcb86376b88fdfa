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

// Package install is the interactive installer: it prompts for credentials,
// creates the database, the user, and the schema, seeds the root directory,
// and writes the configuration file. It talks to the operator on the
// terminal; apart from the --print_create_sql output, nothing else in the
// process prints to stdout.
package install

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/googlecloudplatform/myfs/cfg"
	"github.com/googlecloudplatform/myfs/internal/db"
)

// Params collects everything the installer needs. Defaults come from the
// resolved configuration; the prompts let the operator override them.
type Params struct {
	ConfigPath string

	Host string
	Port uint

	// Administrative credentials used to create the database and user.
	RootUser     string
	RootPassword string

	// The service account and database to create.
	User     string
	Password string
	Database string

	Mount string

	// Owner and group recorded on the seeded root directory.
	Owner string
	Group string
}

// Installer runs the flow. In and Out are the operator's terminal; tests
// substitute buffers.
type Installer struct {
	In  io.Reader
	Out io.Writer

	// Connect opens an administrative connection. Defaulted to db.Connect;
	// tests substitute their own.
	Connect func(db.Options) (*db.Conn, error)

	configCreated   bool
	databaseCreated bool
}

// Run executes the installer: prompt, validate, create the config file,
// create the database. On failure everything already created is removed
// again.
func (i *Installer) Run(params Params) error {
	if i.Connect == nil {
		i.Connect = db.Connect
	}

	if err := i.prompt(&params); err != nil {
		return err
	}

	conn, err := i.Connect(db.Options{
		Host:      params.Host,
		Port:      params.Port,
		User:      params.RootUser,
		Password:  params.RootPassword,
		RetryWait: -1,
	})
	if err != nil {
		return fmt.Errorf("connecting as %s: %w", params.RootUser, err)
	}
	defer conn.Close()

	if err := i.validate(conn, params); err != nil {
		return err
	}

	err = i.createConfig(params)
	if err == nil {
		err = i.createDatabase(conn, params)
	}

	if err != nil {
		i.cleanup(conn, params)
		return err
	}

	fmt.Fprintf(i.Out, "Config file and database installed!\n")
	return nil
}

////////////////////////////////////////////////////////////////////////
// Prompting
////////////////////////////////////////////////////////////////////////

func (i *Installer) prompt(params *Params) error {
	r := bufio.NewReader(i.In)

	ask := func(label, current string) (string, error) {
		fmt.Fprintf(i.Out, "%s [%s]: ", label, current)
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return current, nil
		}
		return line, nil
	}

	var err error
	if params.Host, err = ask("MariaDB host", params.Host); err != nil {
		return err
	}
	if params.RootUser, err = ask("Administrative user", params.RootUser); err != nil {
		return err
	}
	if params.RootPassword, err = ask("Administrative password", ""); err != nil {
		return err
	}
	if params.Database, err = ask("Database to create", params.Database); err != nil {
		return err
	}
	if params.User, err = ask("Database user to create", params.User); err != nil {
		return err
	}

	// The service password is asked twice and must match.
	for {
		first, err := ask("Password for that user", "")
		if err != nil {
			return err
		}
		second, err := ask("Repeat the password", "")
		if err != nil {
			return err
		}
		if first == second {
			params.Password = first
			break
		}
		fmt.Fprintf(i.Out, "The passwords do not match.\n")
	}

	if params.ConfigPath, err = ask("Config file to write", params.ConfigPath); err != nil {
		return err
	}
	if params.Mount, err = ask("Mount point", params.Mount); err != nil {
		return err
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Steps
////////////////////////////////////////////////////////////////////////

func (i *Installer) validate(conn *db.Conn, params Params) error {
	// Refuse to trample an existing database.
	rows, err := conn.Select("SHOW DATABASES LIKE ?", params.Database)
	if err != nil {
		return fmt.Errorf("checking for database %q: %w", params.Database, err)
	}
	exists := rows.Next()
	rows.Close()

	if exists {
		return fmt.Errorf("database %q already exists", params.Database)
	}

	if _, err := os.Stat(params.ConfigPath); err == nil {
		return fmt.Errorf("config file %s already exists", params.ConfigPath)
	}

	return nil
}

func (i *Installer) createConfig(params Params) error {
	fmt.Fprintf(i.Out, "Creating %s\n", params.ConfigPath)

	f, err := os.OpenFile(params.ConfigPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", params.ConfigPath, err)
	}

	fmt.Fprintf(f, "# Whether or not to log to the console.\n")
	fmt.Fprintf(f, "log_stdout = true\n\n")
	fmt.Fprintf(f, "# Whether or not to log to syslog.\n")
	fmt.Fprintf(f, "log_syslog = false\n\n")
	fmt.Fprintf(f, "# The MariaDB database name.\n")
	fmt.Fprintf(f, "mariadb_database = %s\n\n", params.Database)
	fmt.Fprintf(f, "# The MariaDB IP address or hostname.\n")
	fmt.Fprintf(f, "mariadb_host = %s\n\n", params.Host)
	fmt.Fprintf(f, "# The MariaDB user's password.\n")
	fmt.Fprintf(f, "mariadb_password = %s\n\n", params.Password)
	fmt.Fprintf(f, "# The MariaDB port.\n")
	fmt.Fprintf(f, "mariadb_port = %d\n\n", params.Port)
	fmt.Fprintf(f, "# The MariaDB user.\n")
	fmt.Fprintf(f, "mariadb_user = %s\n\n", params.User)
	fmt.Fprintf(f, "# The mount point for the file system.\n")
	fmt.Fprintf(f, "mount = %s\n", params.Mount)

	if err := f.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", params.ConfigPath, err)
	}

	i.configCreated = true
	return nil
}

func (i *Installer) createDatabase(conn *db.Conn, params Params) error {
	fmt.Fprintf(i.Out, "Creating database '%s'\n", params.Database)

	dbName := "`" + db.EscapeString(params.Database) + "`"

	if _, err := conn.Exec("CREATE DATABASE " + dbName); err != nil {
		return fmt.Errorf("creating database %q: %w", params.Database, err)
	}
	i.databaseCreated = true

	if _, err := conn.Exec("USE " + dbName); err != nil {
		return fmt.Errorf("selecting database %q: %w", params.Database, err)
	}

	fmt.Fprintf(i.Out, "Creating database tables\n")
	for _, stmt := range tableStatements() {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}

	for _, stmt := range seedStatements(params.Owner, params.Group) {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("seeding the root directory: %w", err)
		}
	}

	fmt.Fprintf(i.Out, "Creating database user '%s'\n", params.User)

	user := "'" + db.EscapeString(params.User) + "'@'%'"
	if _, err := conn.Exec(
		"CREATE USER " + user + " IDENTIFIED BY '" + db.EscapeString(params.Password) + "'"); err != nil {
		return fmt.Errorf("creating user %q: %w", params.User, err)
	}

	if _, err := conn.Exec(
		"GRANT ALL PRIVILEGES ON " + dbName + ".* TO " + user); err != nil {
		return fmt.Errorf("granting privileges to %q: %w", params.User, err)
	}

	if _, err := conn.Exec("FLUSH PRIVILEGES"); err != nil {
		fmt.Fprintf(i.Out, "  Error flushing privileges; you'll need to do this manually.\n")
	}

	return nil
}

func (i *Installer) cleanup(conn *db.Conn, params Params) {
	if i.configCreated {
		if err := os.Remove(params.ConfigPath); err != nil {
			fmt.Fprintf(i.Out, "  Error deleting config file %s: %v\n", params.ConfigPath, err)
		}
	}

	if i.databaseCreated {
		if _, err := conn.Exec("DROP DATABASE `" + db.EscapeString(params.Database) + "`"); err != nil {
			fmt.Fprintf(i.Out, "  Error dropping database '%s': %v\n", params.Database, err)
		}
	}
}

// DefaultParams seeds the installer from the resolved configuration.
func DefaultParams(c *cfg.Config) Params {
	return Params{
		ConfigPath: c.ConfigFile,
		Host:       c.MariaDBHost,
		Port:       c.MariaDBPort,
		RootUser:   "root",
		User:       c.MariaDBUser,
		Database:   c.MariaDBDatabase,
		Mount:      c.Mount,
		Owner:      c.User,
		Group:      c.Group,
	}
}

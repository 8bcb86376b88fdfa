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

package install

import (
	"fmt"
	"strings"

	"github.com/googlecloudplatform/myfs/internal/blocks"
	"github.com/googlecloudplatform/myfs/internal/meta"
)

// Mode of the seeded root directory: drwxrwxr-x.
const rootMode = meta.ModeDir | 0o775

// tableStatements returns the CREATE TABLE statements, in dependency order.
func tableStatements() []string {
	return []string{
		"CREATE TABLE `files` (\n" +
			"    `file_id` INT UNSIGNED NOT NULL AUTO_INCREMENT,\n" +
			"    `parent_id` INT UNSIGNED NOT NULL,\n" +
			"    `name` VARCHAR(64) NOT NULL,\n" +
			"    `type` ENUM('File','Directory','Soft Link') NOT NULL,\n" +
			"    `user` VARCHAR(32) NOT NULL,\n" +
			"    `group` VARCHAR(32) NOT NULL,\n" +
			"    `mode` SMALLINT UNSIGNED NOT NULL,\n" +
			"    `size` BIGINT UNSIGNED NOT NULL DEFAULT 0,\n" +
			"    `created_on` BIGINT NOT NULL,\n" +
			"    `last_accessed_on` BIGINT NOT NULL,\n" +
			"    `last_modified_on` BIGINT NOT NULL,\n" +
			"    `last_status_changed_on` BIGINT NOT NULL,\n" +
			"    PRIMARY KEY (`file_id`),\n" +
			"    UNIQUE KEY `uq_files_parentid_name` (`parent_id`,`name`),\n" +
			"    CONSTRAINT `fk_files_parentid` FOREIGN KEY (`parent_id`) REFERENCES `files` (`file_id`) ON DELETE CASCADE ON UPDATE CASCADE\n" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci",

		fmt.Sprintf(
			"CREATE TABLE `file_data` (\n"+
				"    `file_data_id` BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,\n"+
				"    `file_id` INT UNSIGNED NOT NULL,\n"+
				"    `index` INT UNSIGNED NOT NULL,\n"+
				"    `data` VARBINARY(%d) NOT NULL,\n"+
				"    PRIMARY KEY (`file_data_id`),\n"+
				"    UNIQUE KEY `uq_file_data_fileid_index` (`file_id`,`index`),\n"+
				"    CONSTRAINT `fk_file_data_fileid` FOREIGN KEY (`file_id`) REFERENCES `files` (`file_id`) ON DELETE CASCADE ON UPDATE CASCADE\n"+
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci",
			blocks.BlockSize),

		"CREATE TABLE `file_protection` (\n" +
			"    `file_id` INT UNSIGNED NOT NULL,\n" +
			"    PRIMARY KEY (`file_id`),\n" +
			"    CONSTRAINT `fk_file_protection_fileid` FOREIGN KEY (`file_id`) REFERENCES `files` (`file_id`) ON DELETE CASCADE ON UPDATE CASCADE\n" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci",
	}
}

// seedStatements returns the initial-data statements: the root directory
// (file id 0, kept out of AUTO_INCREMENT's hands by NO_AUTO_VALUE_ON_ZERO)
// and its protection row.
func seedStatements(owner, group string) []string {
	return []string{
		"SET SESSION sql_mode=CONCAT(@@sql_mode,',NO_AUTO_VALUE_ON_ZERO')",

		fmt.Sprintf(
			"INSERT INTO `files`"+
				" (`file_id`,`parent_id`,`name`,`type`,`user`,`group`,`mode`,`size`,"+
				"`created_on`,`last_accessed_on`,`last_modified_on`,`last_status_changed_on`)"+
				" VALUES (0,0,'','Directory','%s','%s',%d,0,"+
				"UNIX_TIMESTAMP(),UNIX_TIMESTAMP(),UNIX_TIMESTAMP(),UNIX_TIMESTAMP())",
			owner, group, rootMode),

		"INSERT INTO `file_protection` (`file_id`) VALUES (0)",
	}
}

// CreateSQL renders the full schema plus seeding as a script, for
// --print_create_sql.
func CreateSQL(owner, group string) string {
	var b strings.Builder

	for _, stmt := range tableStatements() {
		b.WriteString(stmt)
		b.WriteString(";\n\n")
	}
	for _, stmt := range seedStatements(owner, group) {
		b.WriteString(stmt)
		b.WriteString(";\n")
	}

	return b.String()
}

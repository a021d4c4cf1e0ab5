/*
Copyright 2024 The Picshelf Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mysql provides an implementation of sorted.KeyValue
// on top of MySQL.
package mysql // import "picshelf.org/pkg/sorted/mysql"

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go4.org/jsonconfig"
	"go4.org/syncutil"
	"picshelf.org/pkg/sorted"
	"picshelf.org/pkg/sorted/sqlkv"

	_ "github.com/go-sql-driver/mysql"
)

func init() {
	sorted.RegisterKeyValue("mysql", newKeyValueFromJSONConfig)
}

// maxConns is the maximum number of concurrent database
// connections we open per server.
const maxConns = 20

const requiredSchemaVersion = 1

// Note: using character set "binary", as any knowledge of character
// set encodings is handled by higher layers. At this layer we're just
// obeying the KeyValue interface, which is purely about bytes.
// /*DB*/ is replaced with the configured database name.
var createTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS /*DB*/.rows (
 k VARCHAR(` + strconv.Itoa(sorted.MaxKeySize) + `) NOT NULL PRIMARY KEY,
 v VARCHAR(` + strconv.Itoa(sorted.MaxValueSize) + `))
 DEFAULT CHARACTER SET binary`,

	`CREATE TABLE IF NOT EXISTS /*DB*/.meta (
 metakey VARCHAR(255) NOT NULL PRIMARY KEY,
 value VARCHAR(255) NOT NULL)
 DEFAULT CHARACTER SET binary`,
}

var validDatabaseName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`).MatchString

func newKeyValueFromJSONConfig(cfg jsonconfig.Obj) (sorted.KeyValue, error) {
	var (
		user     = cfg.RequiredString("user")
		database = cfg.RequiredString("database")
		host     = cfg.OptionalString("host", "")
		password = cfg.OptionalString("password", "")
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !validDatabaseName(database) {
		return nil, fmt.Errorf("mysql: invalid database name %q", database)
	}
	if host != "" {
		if !strings.Contains(host, ":") {
			host += ":3306"
		}
		host = "tcp(" + host + ")"
	}
	// The DSN has no database name in it, so the queries name the
	// database explicitly via the table prefix. That way one server
	// connection pool can serve several picshelf stores.
	dsn := fmt.Sprintf("%s:%s@%s/", user, password, host)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE DATABASE IF NOT EXISTS " + database + " DEFAULT CHARACTER SET binary"); err != nil {
		return nil, fmt.Errorf("error creating database %v: %v", database, err)
	}
	for _, tableSQL := range createTablesSQL {
		tableSQL = strings.ReplaceAll(tableSQL, "/*DB*/", database)
		if _, err := db.Exec(tableSQL); err != nil {
			return nil, fmt.Errorf("error creating table with %q: %v", tableSQL, err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf(`REPLACE INTO %s.meta VALUES ('version', '%d')`, database, requiredSchemaVersion)); err != nil {
		return nil, fmt.Errorf("error setting schema version: %v", err)
	}

	kv := &keyValue{
		database: database,
		db:       db,
		KeyValue: &sqlkv.KeyValue{
			DB:          db,
			TablePrefix: database + ".",
			Gate:        syncutil.NewGate(maxConns),
		},
	}
	if err := kv.ping(); err != nil {
		return nil, fmt.Errorf("MySQL db unreachable: %v", err)
	}
	version, err := kv.SchemaVersion()
	if err != nil {
		return nil, fmt.Errorf("error getting schema version (need to init database?): %v", err)
	}
	if version != requiredSchemaVersion {
		return nil, fmt.Errorf("database schema version is %d; expect %d (need to re-init/upgrade database?)",
			version, requiredSchemaVersion)
	}

	return kv, nil
}

type keyValue struct {
	*sqlkv.KeyValue

	database string
	db       *sql.DB
}

func (kv *keyValue) ping() error {
	return kv.db.Ping()
}

func (kv *keyValue) SchemaVersion() (version int, err error) {
	err = kv.db.QueryRow("SELECT value FROM " + kv.database + ".meta WHERE metakey='version'").Scan(&version)
	return
}

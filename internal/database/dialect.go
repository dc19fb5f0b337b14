/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the few places SQLite and Postgres disagree. Queries are
// written with ? placeholders and rebound for Postgres.
type dialect struct {
	name       string
	serialPK   string
	timestamp  string
	dollarArgs bool
	ledgerLock string
}

var (
	sqliteDialect = dialect{
		name:      "sqlite3",
		serialPK:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "TIMESTAMP",
	}
	postgresDialect = dialect{
		name:       "pgx",
		serialPK:   "BIGSERIAL PRIMARY KEY",
		timestamp:  "TIMESTAMPTZ",
		dollarArgs: true,
		ledgerLock: "SELECT pg_advisory_xact_lock(7231)",
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", "sqlite3":
		return sqliteDialect, nil
	case "pgx", "postgres":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites ? placeholders to $1..$n when the dialect needs it.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// schemaStatements expands the schema template and splits it into single
// statements so both drivers can execute them one at a time.
func (d dialect) schemaStatements() []string {
	expanded := strings.NewReplacer(
		"{{serial}}", d.serialPK,
		"{{timestamp}}", d.timestamp,
	).Replace(schemaTemplate)

	var statements []string
	for _, stmt := range strings.Split(expanded, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			statements = append(statements, s)
		}
	}
	return statements
}

// isUniqueViolation reports whether err is a unique constraint failure in
// either backend.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

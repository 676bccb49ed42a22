// Copyright 2025 Atlas Authors
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

package capserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atlashq/atlas/pkg/resolver"
)

// OpenDB opens (or creates) the SQLite database backing the capability.
// Path ":memory:" gives an ephemeral database.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT,
	industry     TEXT,
	account_type TEXT,
	aliases      TEXT,
	owner_id     TEXT
);

CREATE TABLE IF NOT EXISTS orders (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount     REAL NOT NULL,
	status     TEXT NOT NULL,
	placed_at  TEXT NOT NULL
);
`

// EnsureSchema creates the demo tables when absent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// LoadAccounts reads the account corpus for the resolver. Aliases are stored
// comma-separated in a single column.
func LoadAccounts(ctx context.Context, db *sql.DB) ([]resolver.Account, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name,
		COALESCE(description, ''), COALESCE(industry, ''),
		COALESCE(account_type, ''), COALESCE(aliases, ''),
		COALESCE(owner_id, '') FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	defer rows.Close()

	var accounts []resolver.Account
	for rows.Next() {
		var a resolver.Account
		var aliases string
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Industry,
			&a.Type, &aliases, &a.OwnerID); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if aliases != "" {
			a.Aliases = strings.Split(aliases, ",")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

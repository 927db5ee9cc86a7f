// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"database/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/element-hq/matrix-client-core/internal/config"
	"github.com/element-hq/matrix-client-core/keyrequest"
)

// openSQLStore opens the database/sql handle named by cfg.Database and
// wraps it in a keyrequest.SQLStore, selecting the postgres, sqlite3
// (cgo), or pure-Go sqlite driver per cfg, the way dendrite's storage
// packages support both mattn/go-sqlite3 and modernc.org/sqlite from a
// single connection string.
func openSQLStore(cfg config.KeyRequest) (keyrequest.Store, error) {
	driver := "sqlite3"
	switch {
	case cfg.Postgres:
		driver = "postgres"
	case cfg.PureGoSQLite:
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres {
		return keyrequest.NewPostgresStore(db)
	}
	return keyrequest.NewSQLiteStore(db)
}

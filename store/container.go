// jabbermeow - A high-level XMPP client library.
// Copyright (C) 2024 The jabbermeow authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store contains the persistent side of the client: the
// content-addressed avatar cache and a mirror of the roster, both on top of
// dbutil so they work against SQLite and Postgres alike.
package store

import (
	"context"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/jabbermeow/store/upgrades"
	"go.mau.fi/jabbermeow/types"
)

// Container is a wrapper for a SQL database that can hold the persistent
// state of multiple jabbermeow accounts. Avatars are shared between
// accounts, roster mirrors are scoped per account JID.
type Container struct {
	db *dbutil.Database
}

// New wraps the given database. Call Upgrade before using any store.
func New(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	return &Container{db: db.Child("jabbermeow_version", upgrades.Table, log)}
}

// Upgrade applies pending schema migrations.
func (c *Container) Upgrade(ctx context.Context) error {
	return c.db.Upgrade(ctx)
}

// SQLStore exposes the stores of one account.
type SQLStore struct {
	*Container
	AccountJID types.JID
}

var (
	_ AvatarStore = (*SQLStore)(nil)
	_ RosterStore = (*SQLStore)(nil)
)

// WithAccount scopes the container to one account's stores.
func (c *Container) WithAccount(accountJID types.JID) *SQLStore {
	return &SQLStore{Container: c, AccountJID: accountJID.Bare()}
}

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

package store

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
)

// CachedAvatar is one cached avatar image, keyed by the hash of its bytes.
type CachedAvatar struct {
	Hash     string
	MimeType string
	Data     []byte
}

// AvatarStore is the content-addressed avatar cache. Entries are append-only
// from the engine's point of view, eviction is left to the embedder.
type AvatarStore interface {
	GetAvatar(ctx context.Context, hash string) (*CachedAvatar, error)
	PutAvatar(ctx context.Context, avatar *CachedAvatar) error
	HasAvatar(ctx context.Context, hash string) (bool, error)
	AllAvatarHashes(ctx context.Context) ([]string, error)
}

const (
	getAvatarQuery       = `SELECT hash, mime_type, data FROM jabbermeow_avatar WHERE hash=$1`
	hasAvatarQuery       = `SELECT COUNT(*) FROM jabbermeow_avatar WHERE hash=$1`
	allAvatarHashesQuery = `SELECT hash FROM jabbermeow_avatar`
	putAvatarQuery       = `
		INSERT INTO jabbermeow_avatar (hash, mime_type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING
	`
)

func scanAvatar(row dbutil.Scannable) (*CachedAvatar, error) {
	var avatar CachedAvatar
	err := row.Scan(&avatar.Hash, &avatar.MimeType, &avatar.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &avatar, nil
}

func (s *SQLStore) GetAvatar(ctx context.Context, hash string) (*CachedAvatar, error) {
	return scanAvatar(s.db.QueryRow(ctx, getAvatarQuery, hash))
}

func (s *SQLStore) HasAvatar(ctx context.Context, hash string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, hasAvatarQuery, hash).Scan(&count)
	return count > 0, err
}

func (s *SQLStore) AllAvatarHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, allAvatarHashesQuery)
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIter(rows, func(row dbutil.Scannable) (hash string, err error) {
		err = row.Scan(&hash)
		return
	}).AsList()
}

func (s *SQLStore) PutAvatar(ctx context.Context, avatar *CachedAvatar) error {
	_, err := s.db.Exec(ctx, putAvatarQuery, avatar.Hash, avatar.MimeType, avatar.Data)
	return err
}

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
	"strings"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/jabbermeow/types"
)

// RosterStore is a write-through mirror of the in-memory roster, so a
// client can show the contact list before the first sync of a session
// completes.
type RosterStore interface {
	UpsertRosterEntry(ctx context.Context, entry *types.RosterEntry) error
	DeleteRosterEntry(ctx context.Context, jid types.JID) error
	AllRosterEntries(ctx context.Context) ([]*types.RosterEntry, error)
}

const (
	allRosterEntriesQuery = `
		SELECT their_jid, name, subscription, group_names
		FROM jabbermeow_roster WHERE our_jid=$1
	`
	upsertRosterEntryQuery = `
		INSERT INTO jabbermeow_roster (our_jid, their_jid, name, subscription, group_names)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (our_jid, their_jid) DO UPDATE SET
			name=excluded.name,
			subscription=excluded.subscription,
			group_names=excluded.group_names
	`
	deleteRosterEntryQuery = `DELETE FROM jabbermeow_roster WHERE our_jid=$1 AND their_jid=$2`
)

func scanRosterEntry(row dbutil.Scannable) (*types.RosterEntry, error) {
	var entry types.RosterEntry
	var rawJID, rawGroups string
	err := row.Scan(&rawJID, &entry.Name, &entry.Subscription, &rawGroups)
	if err != nil {
		return nil, err
	}
	entry.JID, err = types.ParseJID(rawJID)
	if err != nil {
		return nil, err
	}
	if rawGroups != "" {
		entry.Groups = strings.Split(rawGroups, "\n")
	}
	return &entry, nil
}

func (s *SQLStore) AllRosterEntries(ctx context.Context) ([]*types.RosterEntry, error) {
	rows, err := s.db.Query(ctx, allRosterEntriesQuery, s.AccountJID.String())
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIter(rows, scanRosterEntry).AsList()
}

func (s *SQLStore) UpsertRosterEntry(ctx context.Context, entry *types.RosterEntry) error {
	_, err := s.db.Exec(
		ctx, upsertRosterEntryQuery,
		s.AccountJID.String(), entry.JID.Bare().String(),
		entry.Name, string(entry.Subscription), strings.Join(entry.Groups, "\n"),
	)
	return err
}

func (s *SQLStore) DeleteRosterEntry(ctx context.Context, jid types.JID) error {
	_, err := s.db.Exec(ctx, deleteRosterEntryQuery, s.AccountJID.String(), jid.Bare().String())
	return err
}

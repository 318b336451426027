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

package jabbermeow

import (
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/types"
)

// Roster is the in-memory contact list plus the per-resource presence table.
// All mutations go through Apply* methods, which are deterministic and
// idempotent: replaying the same push or broadcast converges to the same
// state. Presence is ephemeral and never persisted, the contact list is
// mirrored to the store by the dispatch loop.
type Roster struct {
	log zerolog.Logger

	lock     sync.RWMutex
	entries  map[types.JID]*types.RosterEntry    // keyed by bare JID
	presence map[types.JID]*types.PresenceRecord // keyed by full JID
}

func NewRoster(log zerolog.Logger) *Roster {
	return &Roster{
		log:      log.With().Str("component", "roster").Logger(),
		entries:  make(map[types.JID]*types.RosterEntry),
		presence: make(map[types.JID]*types.PresenceRecord),
	}
}

// Seed loads entries into an empty roster, normally from the persistent
// mirror at startup. Existing entries with the same JID are overwritten.
func (r *Roster) Seed(entries []*types.RosterEntry) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, entry := range entries {
		r.entries[entry.JID.Bare()] = entry
	}
}

func (r *Roster) entryFromItem(item stanza.RosterItem) (*types.RosterEntry, bool) {
	jid, err := types.ParseJID(item.JID)
	if err != nil || jid.Local == "" {
		r.log.Warn().Str("jid", item.JID).Msg("Skipping roster item with malformed JID")
		return nil, false
	}
	subscription := types.Subscription(item.Subscription)
	switch subscription {
	case types.SubscriptionNone, types.SubscriptionTo, types.SubscriptionFrom, types.SubscriptionBoth, types.SubscriptionRemove:
	case "":
		subscription = types.SubscriptionNone
	default:
		r.log.Warn().
			Str("jid", item.JID).
			Str("subscription", item.Subscription).
			Msg("Skipping roster item with unrecognized subscription")
		return nil, false
	}
	if item.Ask == "subscribe" && subscription == types.SubscriptionNone {
		subscription = types.SubscriptionPending
	}
	return &types.RosterEntry{
		JID:          jid.Bare(),
		Name:         item.Name,
		Subscription: subscription,
		Groups:       item.Groups,
	}, true
}

// ApplyPush applies a roster push (or the initial sync's item list when sync
// is false). Each item is validated independently: a malformed item is
// logged and skipped without affecting its siblings. Items with subscription
// "remove" delete the entry plus all presence records for that contact.
// The returned slices describe what actually changed.
func (r *Roster) ApplyPush(items []stanza.RosterItem) (updated []*types.RosterEntry, removed []types.JID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, item := range items {
		entry, ok := r.entryFromItem(item)
		if !ok {
			continue
		}
		if entry.Subscription == types.SubscriptionRemove {
			if _, existed := r.entries[entry.JID]; existed {
				delete(r.entries, entry.JID)
				r.dropPresenceLocked(entry.JID)
				removed = append(removed, entry.JID)
			}
			continue
		}
		r.entries[entry.JID] = entry
		updated = append(updated, entry.Clone())
	}
	return
}

// ApplySync replaces the whole roster with the server's answer to a roster
// get. Entries absent from the result are removed, so a stale mirror heals
// on reconnect. Returned slices follow ApplyPush semantics.
func (r *Roster) ApplySync(items []stanza.RosterItem) (updated []*types.RosterEntry, removed []types.JID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	seen := make(map[types.JID]struct{}, len(items))
	for _, item := range items {
		entry, ok := r.entryFromItem(item)
		if !ok || entry.Subscription == types.SubscriptionRemove {
			continue
		}
		seen[entry.JID] = struct{}{}
		r.entries[entry.JID] = entry
		updated = append(updated, entry.Clone())
	}
	for jid := range r.entries {
		if _, ok := seen[jid]; !ok {
			delete(r.entries, jid)
			r.dropPresenceLocked(jid)
			removed = append(removed, jid)
		}
	}
	return
}

// ApplyLocalEdit applies an optimistic local roster change before the
// server's confirming push arrives. The push will reapply the same state,
// which is a no-op thanks to idempotence.
func (r *Roster) ApplyLocalEdit(entry *types.RosterEntry) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries[entry.JID.Bare()] = entry.Clone()
}

// ApplyPresence records one availability broadcast, keyed by the sender's
// full JID so independent resources never clobber each other. Offline drops
// the record for that resource only. The return value is the roster entry of
// the sender, nil when they're not a contact.
func (r *Roster) ApplyPresence(record types.PresenceRecord) *types.RosterEntry {
	r.lock.Lock()
	defer r.lock.Unlock()
	if record.Availability == types.AvailabilityOffline {
		delete(r.presence, record.JID)
	} else {
		recordCopy := record
		r.presence[record.JID] = &recordCopy
	}
	if entry, ok := r.entries[record.JID.Bare()]; ok {
		return entry.Clone()
	}
	return nil
}

// ClearPresence drops every presence record. Called on disconnect: the
// server will rebroadcast current presence after the next session starts,
// while the roster itself survives untouched.
func (r *Roster) ClearPresence() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.presence = make(map[types.JID]*types.PresenceRecord)
}

func (r *Roster) dropPresenceLocked(bare types.JID) {
	for fullJID := range r.presence {
		if fullJID.Bare() == bare {
			delete(r.presence, fullJID)
		}
	}
}

// GetEntry returns a copy of the roster entry for the given contact, or nil.
func (r *Roster) GetEntry(jid types.JID) *types.RosterEntry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if entry, ok := r.entries[jid.Bare()]; ok {
		return entry.Clone()
	}
	return nil
}

// AllEntries returns a copy of the whole roster.
func (r *Roster) AllEntries() []*types.RosterEntry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entries := make([]*types.RosterEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry.Clone())
	}
	return entries
}

// PresenceOf returns the presence records of all online resources of the
// given contact.
func (r *Roster) PresenceOf(jid types.JID) []*types.PresenceRecord {
	bare := jid.Bare()
	r.lock.RLock()
	defer r.lock.RUnlock()
	var records []*types.PresenceRecord
	for fullJID, record := range r.presence {
		if fullJID.Bare() == bare {
			recordCopy := *record
			records = append(records, &recordCopy)
		}
	}
	return records
}

// BestPresence returns the highest-priority online resource of the given
// contact, or nil when every resource is offline.
func (r *Roster) BestPresence(jid types.JID) *types.PresenceRecord {
	var best *types.PresenceRecord
	for _, record := range r.PresenceOf(jid) {
		if best == nil || record.Priority > best.Priority {
			best = record
		}
	}
	return best
}

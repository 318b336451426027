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

// Package events contains the normalized events the client delivers to the
// application through its event handler.
package events

import (
	"time"

	"go.mau.fi/jabbermeow/types"
)

// Event is the interface implemented by everything the event handler can
// receive.
type Event interface {
	isJabberEvent()
}

var (
	_ Event = (*Connected)(nil)
	_ Event = (*Disconnected)(nil)
	_ Event = (*Message)(nil)
	_ Event = (*Presence)(nil)
	_ Event = (*RosterUpdated)(nil)
	_ Event = (*AvatarUpdated)(nil)
	_ Event = (*SubscriptionRequest)(nil)
	_ Event = (*StorageError)(nil)
)

// Connected is emitted once per session when the transport comes up. Roster
// synchronization may still be in progress when it arrives.
type Connected struct{}

// Disconnected is emitted exactly once per connection loss. All presence
// state has already been cleared when the handler sees it.
type Disconnected struct {
	Err error
}

// Message is a received chat message.
type Message struct {
	From      types.JID
	ID        string
	Body      string
	Timestamp time.Time // delayed-delivery stamp if present, else receive time
}

// Presence is a change in a contact resource's availability. Entry is the
// contact's roster entry, or nil for presence from someone not in the roster.
type Presence struct {
	From         types.JID // full JID including the resource
	Entry        *types.RosterEntry
	Availability types.Availability
	Priority     int
	Status       string
}

// RosterUpdated is emitted after a roster push or a full roster sync has
// been applied to the store.
type RosterUpdated struct {
	Updated []*types.RosterEntry
	Removed []types.JID
}

// AvatarUpdated is emitted when a contact's avatar has been fetched and
// persisted in the cache.
type AvatarUpdated struct {
	Owner types.JID
	Hash  string
}

// SubscriptionRequest is a contact asking to subscribe to our presence.
// Answer with Client.ApproveSubscription or a plain unsubscribed presence.
type SubscriptionRequest struct {
	From types.JID
}

// StorageError reports a failed write to the persistent avatar cache or
// roster mirror. It indicates an environment fault (full disk, database
// gone) rather than a protocol problem; the engine keeps running on its
// in-memory state.
type StorageError struct {
	Err error
}

func (*Connected) isJabberEvent()           {}
func (*Disconnected) isJabberEvent()        {}
func (*Message) isJabberEvent()             {}
func (*Presence) isJabberEvent()            {}
func (*RosterUpdated) isJabberEvent()       {}
func (*AvatarUpdated) isJabberEvent()       {}
func (*SubscriptionRequest) isJabberEvent() {}
func (*StorageError) isJabberEvent()        {}

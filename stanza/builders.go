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

package stanza

import (
	"github.com/google/uuid"

	"go.mau.fi/jabbermeow/types"
)

// NewChatMessage builds an outgoing chat message with a fresh stanza ID.
func NewChatMessage(to types.JID, body string) *Message {
	return &Message{
		To:   to.String(),
		ID:   uuid.NewString(),
		Type: "chat",
		Body: body,
	}
}

// NewPresence builds an outgoing available presence broadcast.
func NewPresence(availability types.Availability, status string, priority int) *Presence {
	if availability == types.AvailabilityOffline {
		return &Presence{Type: PresenceTypeUnavailable, Status: status}
	}
	return &Presence{
		Show:     availability.Show(),
		Status:   status,
		Priority: priority,
	}
}

// NewSubscriptionPresence builds a presence of one of the subscription
// management types (subscribe, subscribed, unsubscribe, unsubscribed).
func NewSubscriptionPresence(to types.JID, presenceType string) *Presence {
	return &Presence{
		To:   to.Bare().String(),
		ID:   uuid.NewString(),
		Type: presenceType,
	}
}

// NewRosterGet builds a full roster request.
func NewRosterGet() *IQ {
	return &IQ{
		ID:          uuid.NewString(),
		Type:        IQTypeGet,
		RosterQuery: &RosterQuery{},
	}
}

// NewRosterSet builds a roster edit for a single item. Per RFC 6121 a roster
// set always carries exactly one item.
func NewRosterSet(item RosterItem) *IQ {
	return &IQ{
		ID:          uuid.NewString(),
		Type:        IQTypeSet,
		RosterQuery: &RosterQuery{Items: []RosterItem{item}},
	}
}

// NewAvatarDataRequest builds an IQ fetching the avatar data item with the
// given content hash from the owner's XEP-0084 data node.
func NewAvatarDataRequest(owner types.JID, hash string) *IQ {
	return &IQ{
		To:   owner.Bare().String(),
		ID:   uuid.NewString(),
		Type: IQTypeGet,
		PubSub: &PubSub{
			Items: &PubSubItems{
				Node:  NSAvatarData,
				Items: []PubSubItem{{ID: hash}},
			},
		},
	}
}

// NewIQResult builds an empty result reply to the given request, used for
// answering pings and other server queries.
func NewIQResult(req *IQ) *IQ {
	return &IQ{
		To:   req.From,
		ID:   req.ID,
		Type: IQTypeResult,
	}
}

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

package types

import "slices"

// Subscription is the subscription state of a roster entry.
type Subscription string

const (
	SubscriptionNone Subscription = "none"
	SubscriptionTo   Subscription = "to"
	SubscriptionFrom Subscription = "from"
	SubscriptionBoth Subscription = "both"
	// SubscriptionPending is subscription="none" with an outstanding
	// ask="subscribe" on the wire.
	SubscriptionPending Subscription = "pending"
	// SubscriptionRemove only ever appears in roster pushes and deletes the
	// entry it is attached to.
	SubscriptionRemove Subscription = "remove"
)

// Availability is a contact resource's announced availability. Offline is
// represented by the absence of a presence record; AvailabilityOffline only
// appears in events derived from presence type="unavailable".
type Availability string

const (
	AvailabilityOnline       Availability = "online"
	AvailabilityChat         Availability = "chat"
	AvailabilityAway         Availability = "away"
	AvailabilityExtendedAway Availability = "xa"
	AvailabilityDoNotDisturb Availability = "dnd"
	AvailabilityOffline      Availability = "offline"
)

// ParseShow maps a presence <show/> value to an Availability. An empty or
// unrecognized show value means plain online, per RFC 6121.
func ParseShow(show string) Availability {
	switch show {
	case "chat":
		return AvailabilityChat
	case "away":
		return AvailabilityAway
	case "xa":
		return AvailabilityExtendedAway
	case "dnd":
		return AvailabilityDoNotDisturb
	default:
		return AvailabilityOnline
	}
}

// Show maps an Availability back to its wire <show/> value. Online and
// offline have no show value.
func (a Availability) Show() string {
	switch a {
	case AvailabilityChat, AvailabilityAway, AvailabilityExtendedAway, AvailabilityDoNotDisturb:
		return string(a)
	default:
		return ""
	}
}

// RosterEntry is one contact in the roster. Entries are mutated only by
// roster pushes and local roster edits, never by presence traffic.
type RosterEntry struct {
	JID          JID
	Name         string
	Subscription Subscription
	Groups       []string
}

// Clone returns a deep copy of the entry.
func (re *RosterEntry) Clone() *RosterEntry {
	if re == nil {
		return nil
	}
	clone := *re
	clone.Groups = slices.Clone(re.Groups)
	return &clone
}

// PresenceRecord is the live availability of one connected resource of a
// contact. Records are keyed by (bare JID, resource) and exist only while the
// resource is available.
type PresenceRecord struct {
	JID          JID // full JID including the resource
	Availability Availability
	Priority     int
	Status       string
}

// ConnectionEvent is the kind of transport lifecycle signal.
type ConnectionEvent int

const (
	ConnectionEventConnected ConnectionEvent = iota
	ConnectionEventDisconnected
)

// ConnectionStatus is a transport lifecycle transition. Err is only set for
// disconnects caused by an error.
type ConnectionStatus struct {
	Event ConnectionEvent
	Err   error
}

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
	"time"

	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/types"
)

// ClassifiedType is the semantic category of an inbound stanza.
type ClassifiedType int

const (
	ClassifiedTypeIgnorable ClassifiedType = iota
	ClassifiedTypeChatMessage
	ClassifiedTypePresence
	ClassifiedTypeRosterPush
	ClassifiedTypeAvatarAdvertised
	ClassifiedTypePingRequest
)

// Classified is the result of classifying one inbound stanza: exactly one
// category plus the payload extracted for it.
type Classified interface {
	ClassifiedType() ClassifiedType
}

var (
	_ Classified = ClassifiedIgnorable{}
	_ Classified = ClassifiedChatMessage{}
	_ Classified = ClassifiedPresence{}
	_ Classified = ClassifiedRosterPush{}
	_ Classified = ClassifiedAvatarAdvertised{}
	_ Classified = ClassifiedPingRequest{}
)

// ClassifiedIgnorable is everything the client has no handling for.
// Unrecognized shapes land here instead of erroring, so protocol extensions
// never break the dispatch loop.
type ClassifiedIgnorable struct {
	Stanza stanza.Stanza
	Reason string
}

func (ClassifiedIgnorable) ClassifiedType() ClassifiedType { return ClassifiedTypeIgnorable }

// ClassifiedChatMessage is a received chat message with a body.
type ClassifiedChatMessage struct {
	From      types.JID
	ID        string
	Body      string
	Timestamp time.Time // zero unless the message carried a delay stamp
}

func (ClassifiedChatMessage) ClassifiedType() ClassifiedType { return ClassifiedTypeChatMessage }

// ClassifiedPresence is an availability broadcast or a subscription request.
// PhotoHash is the vcard-temp:x:update avatar hash when the sender attached
// one.
type ClassifiedPresence struct {
	From         types.JID
	Type         string // stanza.PresenceTypeAvailable, Unavailable or Subscribe
	Availability types.Availability
	Priority     int
	Status       string
	PhotoHash    string
}

func (ClassifiedPresence) ClassifiedType() ClassifiedType { return ClassifiedTypePresence }

// ClassifiedRosterPush is a roster push or sync payload. Items are kept in
// wire form: per-item JID validation is the store's job so one bad entry
// cannot poison the rest.
type ClassifiedRosterPush struct {
	From  string
	Ver   string
	Items []stanza.RosterItem
}

func (ClassifiedRosterPush) ClassifiedType() ClassifiedType { return ClassifiedTypeRosterPush }

// ClassifiedAvatarAdvertised is an XEP-0084 metadata notification: the owner
// published a new avatar described by Infos.
type ClassifiedAvatarAdvertised struct {
	Owner types.JID
	Infos []stanza.AvatarInfo
}

func (ClassifiedAvatarAdvertised) ClassifiedType() ClassifiedType {
	return ClassifiedTypeAvatarAdvertised
}

// ClassifiedPingRequest is an XEP-0199 ping that wants a reply.
type ClassifiedPingRequest struct {
	IQ *stanza.IQ
}

func (ClassifiedPingRequest) ClassifiedType() ClassifiedType { return ClassifiedTypePingRequest }

// Classify determines the semantic category of one inbound stanza. It is a
// pure function: no side effects, no blocking, and it never fails.
func Classify(s stanza.Stanza) Classified {
	switch typed := s.(type) {
	case *stanza.Message:
		return classifyMessage(typed)
	case *stanza.Presence:
		return classifyPresence(typed)
	case *stanza.IQ:
		return classifyIQ(typed)
	default:
		return ClassifiedIgnorable{Stanza: s, Reason: "unknown stanza type"}
	}
}

func classifyMessage(msg *stanza.Message) Classified {
	from, err := types.ParseJID(msg.From)
	if err != nil {
		return ClassifiedIgnorable{Stanza: msg, Reason: "unparseable from"}
	}
	if msg.Event != nil && msg.Event.Items != nil && msg.Event.Items.Node == stanza.NSAvatarMetadata {
		var infos []stanza.AvatarInfo
		for _, item := range msg.Event.Items.Items {
			if item.AvatarMetadata != nil {
				infos = append(infos, item.AvatarMetadata.Info...)
			}
		}
		return ClassifiedAvatarAdvertised{Owner: from.Bare(), Infos: infos}
	}
	if msg.Type == "error" || msg.Body == "" {
		return ClassifiedIgnorable{Stanza: msg, Reason: "no body"}
	}
	var ts time.Time
	if msg.Delay != nil {
		// A bad stamp just means no timestamp, the message is still fine.
		ts, _ = time.Parse(time.RFC3339, msg.Delay.Stamp)
	}
	return ClassifiedChatMessage{From: from, ID: msg.ID, Body: msg.Body, Timestamp: ts}
}

func classifyPresence(pres *stanza.Presence) Classified {
	from, err := types.ParseJID(pres.From)
	if err != nil {
		return ClassifiedIgnorable{Stanza: pres, Reason: "unparseable from"}
	}
	switch pres.Type {
	case stanza.PresenceTypeAvailable, stanza.PresenceTypeUnavailable:
		availability := types.AvailabilityOffline
		if pres.Type == stanza.PresenceTypeAvailable {
			availability = types.ParseShow(pres.Show)
		}
		classified := ClassifiedPresence{
			From:         from,
			Type:         pres.Type,
			Availability: availability,
			Priority:     pres.Priority,
			Status:       pres.Status,
		}
		if pres.VCardUpdate != nil && pres.VCardUpdate.Photo != nil {
			classified.PhotoHash = *pres.VCardUpdate.Photo
		}
		return classified
	case stanza.PresenceTypeSubscribe:
		return ClassifiedPresence{From: from, Type: pres.Type}
	default:
		// subscribed/unsubscribed are reflected in roster pushes anyway.
		return ClassifiedIgnorable{Stanza: pres, Reason: "unhandled presence type " + pres.Type}
	}
}

func classifyIQ(iq *stanza.IQ) Classified {
	switch {
	case iq.Type == stanza.IQTypeSet && iq.RosterQuery != nil:
		return ClassifiedRosterPush{From: iq.From, Ver: iq.RosterQuery.Ver, Items: iq.RosterQuery.Items}
	case iq.Type == stanza.IQTypeGet && iq.Ping != nil:
		return ClassifiedPingRequest{IQ: iq}
	default:
		return ClassifiedIgnorable{Stanza: iq, Reason: "unhandled iq"}
	}
}

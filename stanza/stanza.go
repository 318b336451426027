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

// Package stanza contains typed representations of the XMPP protocol
// elements the client sends and receives, plus constructors for every
// outbound shape the engine produces.
//
// JID-valued attributes are kept as raw strings here: validation and
// canonicalization happen in the layers above, so that one malformed address
// inside a stanza never makes the whole stanza unreadable.
package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// Stanza is one discrete protocol element: a message, presence or IQ.
type Stanza interface {
	StanzaName() string
}

var (
	_ Stanza = (*Message)(nil)
	_ Stanza = (*Presence)(nil)
	_ Stanza = (*IQ)(nil)
)

// ErrNotAStanza is returned by Parse for XML that is well-formed but not a
// message, presence or iq element.
var ErrNotAStanza = errors.New("not a message, presence or iq element")

// Message is a message stanza.
type Message struct {
	XMLName xml.Name `xml:"jabber:client message"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`

	Subject string       `xml:"subject,omitempty"`
	Body    string       `xml:"body,omitempty"`
	Delay   *Delay       `xml:"urn:xmpp:delay delay,omitempty"`
	Event   *PubSubEvent `xml:"http://jabber.org/protocol/pubsub#event event,omitempty"`
}

func (*Message) StanzaName() string { return "message" }

// Presence stanza types.
const (
	PresenceTypeAvailable    = "" // no type attribute
	PresenceTypeUnavailable  = "unavailable"
	PresenceTypeSubscribe    = "subscribe"
	PresenceTypeSubscribed   = "subscribed"
	PresenceTypeUnsubscribe  = "unsubscribe"
	PresenceTypeUnsubscribed = "unsubscribed"
	PresenceTypeError        = "error"
)

// Presence is a presence stanza.
type Presence struct {
	XMLName xml.Name `xml:"jabber:client presence"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`

	Show     string `xml:"show,omitempty"`
	Status   string `xml:"status,omitempty"`
	Priority int    `xml:"priority,omitempty"`

	// VCardUpdate carries the vcard-temp:x:update photo hash (XEP-0153).
	VCardUpdate *VCardUpdate `xml:"vcard-temp:x:update x,omitempty"`
}

func (*Presence) StanzaName() string { return "presence" }

// VCardUpdate is the XEP-0153 avatar advertisement attached to presence.
// A nil Photo means the sender is not advertising an avatar state at all,
// an empty one means it has no avatar.
type VCardUpdate struct {
	Photo *string `xml:"photo"`
}

// IQ stanza types.
const (
	IQTypeGet    = "get"
	IQTypeSet    = "set"
	IQTypeResult = "result"
	IQTypeError  = "error"
)

// IQ is an info/query stanza: a request/response pair correlated by ID.
type IQ struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    string   `xml:"type,attr"`

	RosterQuery *RosterQuery `xml:"jabber:iq:roster query,omitempty"`
	PubSub      *PubSub      `xml:"http://jabber.org/protocol/pubsub pubsub,omitempty"`
	Ping        *Ping        `xml:"urn:xmpp:ping ping,omitempty"`
	Error       *StanzaError `xml:"error,omitempty"`
}

func (*IQ) StanzaName() string { return "iq" }

// Ping is an XEP-0199 ping payload.
type Ping struct{}

// Delay is an XEP-0203 delayed delivery marker. Stamp is an RFC 3339
// timestamp as transmitted.
type Delay struct {
	From  string `xml:"from,attr,omitempty"`
	Stamp string `xml:"stamp,attr"`
}

// StanzaError is a stanza-level error element. Only the pieces the client
// inspects are modelled.
type StanzaError struct {
	Type string `xml:"type,attr,omitempty"`
	Text string `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
}

func (se *StanzaError) Error() string {
	if se == nil {
		return "unknown stanza error"
	}
	if se.Text != "" {
		return fmt.Sprintf("stanza error (%s): %s", se.Type, se.Text)
	}
	return fmt.Sprintf("stanza error (%s)", se.Type)
}

// Parse decodes one wire frame into exactly one typed stanza. Stream-level
// elements (open, features, SASL exchanges) are not stanzas and return
// ErrNotAStanza, the transport handles those itself.
func Parse(data []byte) (Stanza, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, ErrNotAStanza
		} else if err != nil {
			return nil, fmt.Errorf("failed to tokenize frame: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var target Stanza
		switch start.Name.Local {
		case "message":
			target = &Message{}
		case "presence":
			target = &Presence{}
		case "iq":
			target = &IQ{}
		default:
			return nil, ErrNotAStanza
		}
		if err = dec.DecodeElement(target, &start); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", start.Name.Local, err)
		}
		return target, nil
	}
}

// Marshal serializes a stanza into one wire frame.
func Marshal(s Stanza) ([]byte, error) {
	return xml.Marshal(s)
}

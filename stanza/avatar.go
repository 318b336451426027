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

import "encoding/xml"

// PubSubEvent is the pubsub#event payload carried in messages for PEP
// notifications, including XEP-0084 avatar metadata updates.
type PubSubEvent struct {
	XMLName xml.Name          `xml:"http://jabber.org/protocol/pubsub#event event"`
	Items   *PubSubEventItems `xml:"items,omitempty"`
}

// PubSubEventItems is the items element of a PEP notification.
type PubSubEventItems struct {
	Node  string       `xml:"node,attr"`
	Items []PubSubItem `xml:"item"`
}

// PubSub is the pubsub payload of IQ requests and responses, used to fetch
// XEP-0084 avatar data items.
type PubSub struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/pubsub pubsub"`
	Items   *PubSubItems `xml:"items,omitempty"`
}

// PubSubItems is the items element of a pubsub IQ.
type PubSubItems struct {
	Node  string       `xml:"node,attr"`
	Items []PubSubItem `xml:"item"`
}

// PubSubItem is one pubsub item. For avatar nodes the item ID is the content
// hash of the image.
type PubSubItem struct {
	ID             string          `xml:"id,attr,omitempty"`
	AvatarMetadata *AvatarMetadata `xml:"urn:xmpp:avatar:metadata metadata,omitempty"`
	AvatarData     *AvatarData     `xml:"urn:xmpp:avatar:data data,omitempty"`
}

// AvatarMetadata is the XEP-0084 metadata element. An empty Info list means
// the publisher disabled their avatar.
type AvatarMetadata struct {
	Info []AvatarInfo `xml:"info"`
}

// AvatarInfo describes one available representation of an avatar. ID is the
// SHA-1 hash of the image bytes. URL, when set, points to an out-of-band
// copy of the same bytes.
type AvatarInfo struct {
	ID     string `xml:"id,attr"`
	Type   string `xml:"type,attr,omitempty"`
	Bytes  int    `xml:"bytes,attr,omitempty"`
	Width  int    `xml:"width,attr,omitempty"`
	Height int    `xml:"height,attr,omitempty"`
	URL    string `xml:"url,attr,omitempty"`
}

// AvatarData is the XEP-0084 data element: the image bytes in base64.
type AvatarData struct {
	Base64 string `xml:",chardata"`
}

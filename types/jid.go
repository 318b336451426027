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

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNoDomain is returned by ParseJID for strings with an empty domain part.
var ErrNoDomain = errors.New("JID has no domain")

// JID is a Jabber ID: an address of the form local@domain/resource where both
// the local and resource parts are optional.
//
// The zero value is the empty JID. JIDs are comparable and bare JIDs produced
// by ParseJID are canonical, so they can be used directly as map keys.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// EmptyJID is the zero value of JID.
var EmptyJID = JID{}

// ParseJID parses and canonicalizes a Jabber ID.
//
// The local and domain parts are case-normalized (the domain through an IDNA
// lookup so unicode domains compare equal to their punycode form). The
// resource part is kept verbatim, it is defined to be case-sensitive.
func ParseJID(raw string) (JID, error) {
	var jid JID
	rest := raw
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		jid.Resource = rest[slash+1:]
		rest = rest[:slash]
	}
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		jid.Local = strings.ToLower(rest[:at])
		rest = rest[at+1:]
	}
	if rest == "" {
		return EmptyJID, ErrNoDomain
	}
	domain, err := idna.Lookup.ToASCII(rest)
	if err != nil {
		return EmptyJID, fmt.Errorf("invalid domain in JID: %w", err)
	}
	jid.Domain = strings.ToLower(domain)
	return jid, nil
}

// Bare returns the JID without its resource part.
func (jid JID) Bare() JID {
	jid.Resource = ""
	return jid
}

// IsBare reports whether the JID has no resource part.
func (jid JID) IsBare() bool {
	return jid.Resource == ""
}

// IsEmpty reports whether the JID is the zero value.
func (jid JID) IsEmpty() bool {
	return jid.Domain == ""
}

// WithResource returns a copy of the JID with the given resource part.
func (jid JID) WithResource(resource string) JID {
	jid.Resource = resource
	return jid
}

func (jid JID) String() string {
	var sb strings.Builder
	if jid.Local != "" {
		sb.WriteString(jid.Local)
		sb.WriteByte('@')
	}
	sb.WriteString(jid.Domain)
	if jid.Resource != "" {
		sb.WriteByte('/')
		sb.WriteString(jid.Resource)
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (jid JID) MarshalText() ([]byte, error) {
	return []byte(jid.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (jid *JID) UnmarshalText(data []byte) error {
	parsed, err := ParseJID(string(data))
	if err != nil {
		return err
	}
	*jid = parsed
	return nil
}

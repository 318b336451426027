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

package web

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/types"
)

// Stream-level frames (RFC 7395 framing plus RFC 6120 SASL and bind).
// These never leave this package: the transport's consumers only ever see
// stanzas.

type streamOpen struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

type streamFeatures struct {
	XMLName    xml.Name `xml:"http://etherx.jabber.org/streams features"`
	Mechanisms struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Bind *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Payload   string   `xml:",chardata"`
}

type saslResponse struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl response"`
	Payload string   `xml:",chardata"`
}

type saslChallenge struct {
	Payload string `xml:",chardata"`
}

type saslSuccess struct {
	Payload string `xml:",chardata"`
}

type saslFailure struct {
	Text     string `xml:"text"`
	InnerXML string `xml:",innerxml"`
}

func (sf *saslFailure) String() string {
	if sf.Text != "" {
		return sf.Text
	}
	return sf.InnerXML
}

type bindIQ struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	Bind    bindPayload
}

type bindPayload struct {
	XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Resource string   `xml:"resource,omitempty"`
	JID      string   `xml:"jid,omitempty"`
}

// frameName returns the name of a frame's root element.
func frameName(data []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.Name{}, errors.New("frame has no elements")
		} else if err != nil {
			return xml.Name{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name, nil
		}
	}
}

// dialAndNegotiate opens the websocket and walks the stream through SASL and
// resource binding. On success the stream is ready for stanza traffic.
func (w *Websocket) dialAndNegotiate(ctx context.Context) (*websocket.Conn, types.JID, error) {
	ctx, cancel := context.WithTimeout(ctx, negotiateTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{
		HTTPClient:   w.cfg.HTTPClient,
		Subprotocols: []string{"xmpp"},
	})
	if err != nil {
		if resp != nil {
			return nil, types.JID{}, fmt.Errorf("failed to dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, types.JID{}, fmt.Errorf("failed to dial: %w", err)
	}
	boundJID, err := w.negotiate(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, types.JID{}, err
	}
	return conn, boundJID, nil
}

func (w *Websocket) negotiate(ctx context.Context, conn *websocket.Conn) (types.JID, error) {
	features, err := w.openStream(ctx, conn)
	if err != nil {
		return types.JID{}, err
	}
	if err = w.authenticate(ctx, conn, features); err != nil {
		return types.JID{}, err
	}
	// Stream restart after SASL (RFC 6120 §6.4.6).
	features, err = w.openStream(ctx, conn)
	if err != nil {
		return types.JID{}, err
	}
	if features.Bind == nil {
		return types.JID{}, errors.New("server does not offer resource binding")
	}
	return w.bindResource(ctx, conn)
}

// openStream sends an <open/> frame and reads until the server's features.
func (w *Websocket) openStream(ctx context.Context, conn *websocket.Conn) (*streamFeatures, error) {
	err := writeFrame(ctx, conn, &streamOpen{To: w.cfg.JID.Domain, Version: "1.0"})
	if err != nil {
		return nil, err
	}
	for {
		data, err := readFrame(ctx, conn)
		if err != nil {
			return nil, err
		}
		name, err := frameName(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse frame: %w", err)
		}
		switch {
		case name.Space == stanza.NSFraming && name.Local == "open":
			continue
		case name.Space == stanza.NSStream && name.Local == "features":
			var features streamFeatures
			if err = xml.Unmarshal(data, &features); err != nil {
				return nil, fmt.Errorf("failed to parse stream features: %w", err)
			}
			return &features, nil
		default:
			return nil, fmt.Errorf("unexpected %s frame during stream setup", name.Local)
		}
	}
}

func (w *Websocket) authenticate(ctx context.Context, conn *websocket.Conn, features *streamFeatures) error {
	mechanisms := features.Mechanisms.Mechanism
	switch {
	case slices.Contains(mechanisms, mechanismSCRAMSHA1):
		return w.authenticateSCRAM(ctx, conn)
	case slices.Contains(mechanisms, mechanismPlain):
		return w.authenticatePlain(ctx, conn)
	default:
		return fmt.Errorf("%w (offered: %v)", ErrNoSupportedMechanism, mechanisms)
	}
}

func (w *Websocket) authenticatePlain(ctx context.Context, conn *websocket.Conn) error {
	err := writeFrame(ctx, conn, &saslAuth{
		Mechanism: mechanismPlain,
		Payload:   plainPayload(w.cfg.JID.Local, w.cfg.Password),
	})
	if err != nil {
		return err
	}
	_, err = w.readSASLResult(ctx, conn)
	return err
}

func (w *Websocket) authenticateSCRAM(ctx context.Context, conn *websocket.Conn) error {
	sc := newSCRAMClient(w.cfg.JID.Local, w.cfg.Password)
	err := writeFrame(ctx, conn, &saslAuth{Mechanism: mechanismSCRAMSHA1, Payload: sc.Start()})
	if err != nil {
		return err
	}
	data, err := readFrame(ctx, conn)
	if err != nil {
		return err
	}
	name, err := frameName(data)
	if err != nil {
		return err
	}
	if name.Space != stanza.NSSASL || name.Local != "challenge" {
		if name.Local == "failure" {
			return w.saslFailureError(data)
		}
		return fmt.Errorf("expected SASL challenge, got %s", name.Local)
	}
	var challenge saslChallenge
	if err = xml.Unmarshal(data, &challenge); err != nil {
		return fmt.Errorf("failed to parse challenge: %w", err)
	}
	final, err := sc.Continue(challenge.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if err = writeFrame(ctx, conn, &saslResponse{Payload: final}); err != nil {
		return err
	}
	success, err := w.readSASLResult(ctx, conn)
	if err != nil {
		return err
	}
	if err = sc.Verify(success.Payload); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return nil
}

func (w *Websocket) readSASLResult(ctx context.Context, conn *websocket.Conn) (*saslSuccess, error) {
	data, err := readFrame(ctx, conn)
	if err != nil {
		return nil, err
	}
	name, err := frameName(data)
	if err != nil {
		return nil, err
	}
	switch {
	case name.Space == stanza.NSSASL && name.Local == "success":
		var success saslSuccess
		if err = xml.Unmarshal(data, &success); err != nil {
			return nil, fmt.Errorf("failed to parse success: %w", err)
		}
		return &success, nil
	case name.Space == stanza.NSSASL && name.Local == "failure":
		return nil, w.saslFailureError(data)
	default:
		return nil, fmt.Errorf("expected SASL result, got %s", name.Local)
	}
}

func (w *Websocket) saslFailureError(data []byte) error {
	var failure saslFailure
	if err := xml.Unmarshal(data, &failure); err != nil {
		return fmt.Errorf("%w: unparseable failure element", ErrAuthFailed)
	}
	return fmt.Errorf("%w: %s", ErrAuthFailed, failure.String())
}

func (w *Websocket) bindResource(ctx context.Context, conn *websocket.Conn) (types.JID, error) {
	req := &bindIQ{
		ID:   uuid.NewString(),
		Type: stanza.IQTypeSet,
		Bind: bindPayload{Resource: w.cfg.JID.Resource},
	}
	if err := writeFrame(ctx, conn, req); err != nil {
		return types.JID{}, err
	}
	for {
		data, err := readFrame(ctx, conn)
		if err != nil {
			return types.JID{}, err
		}
		name, err := frameName(data)
		if err != nil {
			return types.JID{}, err
		}
		if name.Local != "iq" {
			// Servers may push other frames while binding is in flight.
			w.log.Debug().Str("frame", name.Local).Msg("Skipping frame during bind")
			continue
		}
		var resp bindIQ
		if err = xml.Unmarshal(data, &resp); err != nil {
			return types.JID{}, fmt.Errorf("failed to parse bind response: %w", err)
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Type != stanza.IQTypeResult || resp.Bind.JID == "" {
			return types.JID{}, errors.New("resource binding failed")
		}
		boundJID, err := types.ParseJID(resp.Bind.JID)
		if err != nil {
			return types.JID{}, fmt.Errorf("server returned invalid bound JID: %w", err)
		}
		return boundJID, nil
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	data, err := xml.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", frame, err)
	}
	if err = conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return data, nil
}

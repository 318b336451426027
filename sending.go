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
	"context"
	"strings"

	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/store"
	"go.mau.fi/jabbermeow/types"
)

// Commands fail fast with ErrNotConnected while the transport is down
// instead of queueing: the caller decides what's worth resending after the
// reconnect, the engine doesn't guess.

func (cli *Client) checkConnected() error {
	if cli.ConnectionState() == StateDisconnected {
		return ErrNotConnected
	}
	return nil
}

// SendMessage sends a chat message and returns the stanza ID assigned to it.
func (cli *Client) SendMessage(ctx context.Context, to types.JID, body string) (string, error) {
	if err := cli.checkConnected(); err != nil {
		return "", err
	}
	msg := stanza.NewChatMessage(to, body)
	if err := cli.Transport.Send(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SetPresence broadcasts our own availability. AvailabilityOffline sends an
// unavailable presence without tearing the connection down.
func (cli *Client) SetPresence(ctx context.Context, availability types.Availability, status string, priority int) error {
	if err := cli.checkConnected(); err != nil {
		return err
	}
	return cli.Transport.Send(ctx, stanza.NewPresence(availability, status, priority))
}

// UpdateRosterEntry adds or edits a contact. The local roster is updated
// optimistically so the UI reflects the edit immediately, the server's
// confirming push then reapplies the same state.
func (cli *Client) UpdateRosterEntry(ctx context.Context, entry *types.RosterEntry) error {
	if err := cli.checkConnected(); err != nil {
		return err
	}
	_, err := cli.sendIQ(ctx, stanza.NewRosterSet(stanza.RosterItem{
		JID:    entry.JID.Bare().String(),
		Name:   entry.Name,
		Groups: entry.Groups,
	}))
	if err != nil {
		return err
	}
	optimistic := entry.Clone()
	optimistic.JID = entry.JID.Bare()
	if existing := cli.Roster.GetEntry(entry.JID); existing != nil {
		optimistic.Subscription = existing.Subscription
	} else if optimistic.Subscription == "" {
		optimistic.Subscription = types.SubscriptionNone
	}
	cli.Roster.ApplyLocalEdit(optimistic)
	return nil
}

// RemoveRosterEntry deletes a contact. Per RFC 6121 the server also cancels
// both subscription directions.
func (cli *Client) RemoveRosterEntry(ctx context.Context, jid types.JID) error {
	if err := cli.checkConnected(); err != nil {
		return err
	}
	_, err := cli.sendIQ(ctx, stanza.NewRosterSet(stanza.RosterItem{
		JID:          jid.Bare().String(),
		Subscription: string(types.SubscriptionRemove),
	}))
	return err
}

// Subscribe asks a contact for permission to see their presence.
func (cli *Client) Subscribe(ctx context.Context, to types.JID) error {
	if err := cli.checkConnected(); err != nil {
		return err
	}
	return cli.Transport.Send(ctx, stanza.NewSubscriptionPresence(to, stanza.PresenceTypeSubscribe))
}

// Unsubscribe stops receiving a contact's presence.
func (cli *Client) Unsubscribe(ctx context.Context, to types.JID) error {
	if err := cli.checkConnected(); err != nil {
		return err
	}
	return cli.Transport.Send(ctx, stanza.NewSubscriptionPresence(to, stanza.PresenceTypeUnsubscribe))
}

// ApproveSubscription answers a SubscriptionRequest event. Approving grants
// the contact access to our presence broadcasts.
func (cli *Client) ApproveSubscription(ctx context.Context, to types.JID, approve bool) error {
	if err := cli.checkConnected(); err != nil {
		return err
	}
	presenceType := stanza.PresenceTypeSubscribed
	if !approve {
		presenceType = stanza.PresenceTypeUnsubscribed
	}
	return cli.Transport.Send(ctx, stanza.NewSubscriptionPresence(to, presenceType))
}

// GetAvatar returns a cached avatar by content hash, nil when it hasn't been
// fetched (yet). Works regardless of connection state.
func (cli *Client) GetAvatar(ctx context.Context, hash string) (*store.CachedAvatar, error) {
	return cli.Store.GetAvatar(ctx, strings.ToLower(hash))
}

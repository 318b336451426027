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
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/jabbermeow/events"
	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/types"
)

// dispatchLoop is the only goroutine that mutates conversational state. All
// three inputs (transport transitions, inbound stanzas, avatar fetch
// completions) funnel through one select, so handlers never race each other.
func (cli *Client) dispatchLoop(ctx context.Context) {
	statusCh := cli.Transport.Status()
	stanzaCh := cli.Transport.Stanzas()
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			cli.handleConnectionStatus(ctx, status)
		case s, ok := <-stanzaCh:
			if !ok {
				return
			}
			cli.handleStanza(ctx, s)
		case result, ok := <-cli.Avatars.Completions():
			if !ok {
				return
			}
			if result.Err == nil {
				cli.dispatchEvent(&events.AvatarUpdated{Owner: result.Owner, Hash: result.Hash})
			} else if errors.Is(result.Err, ErrAvatarStoreFailed) {
				cli.dispatchEvent(&events.StorageError{Err: result.Err})
			}
		}
	}
}

func (cli *Client) handleConnectionStatus(ctx context.Context, status types.ConnectionStatus) {
	switch status.Event {
	case types.ConnectionEventConnected:
		cli.setState(StateDegraded)
		cli.dispatchEvent(&events.Connected{})
		// The roster is re-requested on every connect, pushes missed while
		// offline would otherwise leave the local copy stale forever.
		rosterGet := stanza.NewRosterGet()
		cli.rosterSyncID = rosterGet.ID
		if err := cli.Transport.Send(ctx, rosterGet); err != nil {
			cli.Log.Err(err).Msg("Failed to request roster after connecting")
		}
	case types.ConnectionEventDisconnected:
		if cli.ConnectionState() == StateDisconnected {
			return
		}
		cli.setState(StateDisconnected)
		cli.rosterSyncID = ""
		cli.Roster.ClearPresence()
		cli.failPendingIQs()
		cli.dispatchEvent(&events.Disconnected{Err: status.Err})
	}
}

func (cli *Client) handleStanza(ctx context.Context, s stanza.Stanza) {
	if cli.Metrics != nil {
		cli.Metrics.TrackStanza(s.StanzaName())
	}
	if iq, ok := s.(*stanza.IQ); ok && (iq.Type == stanza.IQTypeResult || iq.Type == stanza.IQTypeError) {
		if iq.ID != "" && iq.ID == cli.rosterSyncID {
			cli.rosterSyncID = ""
			cli.handleRosterSync(ctx, iq)
			return
		}
		cli.deliverIQResponse(iq)
		return
	}
	switch classified := Classify(s).(type) {
	case ClassifiedChatMessage:
		cli.handleChatMessage(classified)
	case ClassifiedPresence:
		cli.handlePresence(classified)
	case ClassifiedRosterPush:
		cli.handleRosterPush(ctx, classified)
	case ClassifiedAvatarAdvertised:
		cli.handleAvatarAdvertised(classified)
	case ClassifiedPingRequest:
		if err := cli.Transport.Send(ctx, stanza.NewIQResult(classified.IQ)); err != nil {
			cli.Log.Warn().Err(err).Msg("Failed to reply to ping")
		}
	case ClassifiedIgnorable:
		cli.Log.Debug().
			Str("stanza", s.StanzaName()).
			Str("reason", classified.Reason).
			Msg("Ignoring stanza")
	}
}

func (cli *Client) handleChatMessage(msg ClassifiedChatMessage) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	cli.dispatchEvent(&events.Message{
		From:      msg.From,
		ID:        msg.ID,
		Body:      msg.Body,
		Timestamp: ts,
	})
}

func (cli *Client) handlePresence(pres ClassifiedPresence) {
	if pres.Type == stanza.PresenceTypeSubscribe {
		cli.dispatchEvent(&events.SubscriptionRequest{From: pres.From.Bare()})
		return
	}
	entry := cli.Roster.ApplyPresence(types.PresenceRecord{
		JID:          pres.From,
		Availability: pres.Availability,
		Priority:     pres.Priority,
		Status:       pres.Status,
	})
	cli.dispatchEvent(&events.Presence{
		From:         pres.From,
		Entry:        entry,
		Availability: pres.Availability,
		Priority:     pres.Priority,
		Status:       pres.Status,
	})
	if pres.PhotoHash != "" {
		err := cli.Avatars.Request(AvatarReference{Owner: pres.From.Bare(), Hash: pres.PhotoHash})
		if err != nil {
			cli.Log.Warn().Err(err).Msg("Failed to queue avatar fetch from presence")
		}
	}
}

func (cli *Client) handleRosterPush(ctx context.Context, push ClassifiedRosterPush) {
	// RFC 6121 §2.1.6: pushes must come from the bare JID of our own account
	// (or the server itself, which sends no from at all). Anything else is a
	// spoofing attempt.
	if push.From != "" {
		from, err := types.ParseJID(push.From)
		if err != nil || from.Bare() != cli.OwnJID() {
			cli.Log.Warn().Str("from", push.From).Msg("Ignoring roster push from unauthorized sender")
			return
		}
	}
	updated, removed := cli.Roster.ApplyPush(push.Items)
	cli.mirrorRosterChanges(ctx, updated, removed)
	if len(updated) > 0 || len(removed) > 0 {
		cli.dispatchEvent(&events.RosterUpdated{Updated: updated, Removed: removed})
	}
}

func (cli *Client) handleRosterSync(ctx context.Context, iq *stanza.IQ) {
	if iq.Type == stanza.IQTypeError || iq.RosterQuery == nil {
		// Stay degraded: presence keeps flowing, but the contact list can't
		// be trusted until a later sync succeeds.
		cli.Log.Error().
			AnErr("stanza_error", iq.Error).
			Msg("Roster synchronization failed")
		return
	}
	updated, removed := cli.Roster.ApplySync(iq.RosterQuery.Items)
	cli.mirrorRosterChanges(ctx, updated, removed)
	cli.setState(StateConnected)
	cli.Log.Debug().
		Int("updated", len(updated)).
		Int("removed", len(removed)).
		Msg("Roster synchronized")
	if len(updated) > 0 || len(removed) > 0 {
		cli.dispatchEvent(&events.RosterUpdated{Updated: updated, Removed: removed})
	}
}

// mirrorRosterChanges writes applied roster changes through to the
// persistent mirror. The in-memory roster is already updated at this point,
// a failing write only degrades the next session's pre-sync view, but it is
// still surfaced as a StorageError since it means the environment is broken.
func (cli *Client) mirrorRosterChanges(ctx context.Context, updated []*types.RosterEntry, removed []types.JID) {
	var firstErr error
	for _, entry := range updated {
		if err := cli.Store.UpsertRosterEntry(ctx, entry); err != nil {
			cli.Log.Err(err).Stringer("jid", entry.JID).Msg("Failed to mirror roster entry")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, jid := range removed {
		if err := cli.Store.DeleteRosterEntry(ctx, jid); err != nil {
			cli.Log.Err(err).Stringer("jid", jid).Msg("Failed to delete mirrored roster entry")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		cli.dispatchEvent(&events.StorageError{Err: firstErr})
	}
}

func (cli *Client) handleAvatarAdvertised(adv ClassifiedAvatarAdvertised) {
	if len(adv.Infos) == 0 {
		// Metadata node with no info items means the contact removed their
		// avatar, there's nothing to fetch.
		return
	}
	// Prefer an info with an out-of-band URL, those don't cost an IQ
	// round-trip.
	info := adv.Infos[0]
	for _, candidate := range adv.Infos {
		if candidate.URL != "" {
			info = candidate
			break
		}
	}
	err := cli.Avatars.Request(AvatarReference{
		Owner:    adv.Owner,
		Hash:     info.ID,
		MimeType: info.Type,
		URL:      info.URL,
	})
	if err != nil {
		cli.Log.Warn().Err(err).Stringer("owner", adv.Owner).Msg("Failed to queue avatar fetch")
	}
}

func (cli *Client) deliverIQResponse(iq *stanza.IQ) {
	cli.pendingIQsLock.Lock()
	waiter, ok := cli.pendingIQs[iq.ID]
	if ok {
		delete(cli.pendingIQs, iq.ID)
	}
	cli.pendingIQsLock.Unlock()
	if !ok {
		cli.Log.Debug().Str("iq_id", iq.ID).Msg("Dropping IQ response nobody is waiting for")
		return
	}
	waiter <- iq
	close(waiter)
}

func (cli *Client) failPendingIQs() {
	cli.pendingIQsLock.Lock()
	defer cli.pendingIQsLock.Unlock()
	for id, waiter := range cli.pendingIQs {
		close(waiter)
		delete(cli.pendingIQs, id)
	}
}

// sendIQ transmits a request IQ and waits for the matching response. A
// closed waiter channel means the connection dropped before the response
// arrived.
func (cli *Client) sendIQ(ctx context.Context, req *stanza.IQ) (*stanza.IQ, error) {
	waiter := make(chan *stanza.IQ, 1)
	cli.pendingIQsLock.Lock()
	cli.pendingIQs[req.ID] = waiter
	cli.pendingIQsLock.Unlock()
	if err := cli.Transport.Send(ctx, req); err != nil {
		cli.pendingIQsLock.Lock()
		delete(cli.pendingIQs, req.ID)
		cli.pendingIQsLock.Unlock()
		return nil, err
	}
	select {
	case <-ctx.Done():
		cli.pendingIQsLock.Lock()
		delete(cli.pendingIQs, req.ID)
		cli.pendingIQsLock.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Type == stanza.IQTypeError {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, &stanza.StanzaError{}
		}
		return resp, nil
	}
}

// fetchAvatarData retrieves avatar bytes from the owner's XEP-0084 data node.
// Runs on avatar worker goroutines, never on the dispatch loop.
func (cli *Client) fetchAvatarData(ctx context.Context, owner types.JID, hash string) ([]byte, error) {
	resp, err := cli.sendIQ(ctx, stanza.NewAvatarDataRequest(owner, hash))
	if err != nil {
		return nil, err
	}
	if resp.PubSub == nil || resp.PubSub.Items == nil || len(resp.PubSub.Items.Items) == 0 {
		return nil, fmt.Errorf("avatar data response from %s has no items", owner)
	}
	item := resp.PubSub.Items.Items[0]
	if item.AvatarData == nil {
		return nil, fmt.Errorf("avatar data item from %s has no data payload", owner)
	}
	// Base64 chardata is commonly wrapped across lines.
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, item.AvatarData.Base64)
	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("failed to decode avatar data: %w", err)
	}
	return data, nil
}

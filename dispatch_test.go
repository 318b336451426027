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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/jabbermeow/events"
	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/types"
)

type fakeTransport struct {
	stanzas chan stanza.Stanza
	status  chan types.ConnectionStatus

	lock sync.Mutex
	sent []stanza.Stanza
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		stanzas: make(chan stanza.Stanza, 16),
		status:  make(chan types.ConnectionStatus, 4),
	}
}

func (ft *fakeTransport) Connect(context.Context) error         { return nil }
func (ft *fakeTransport) Stanzas() <-chan stanza.Stanza         { return ft.stanzas }
func (ft *fakeTransport) Status() <-chan types.ConnectionStatus { return ft.status }
func (ft *fakeTransport) Close() error                          { return nil }

func (ft *fakeTransport) Send(_ context.Context, s stanza.Stanza) error {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	ft.sent = append(ft.sent, s)
	return nil
}

func (ft *fakeTransport) sentStanzas() []stanza.Stanza {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	return append([]stanza.Stanza(nil), ft.sent...)
}

// waitSent blocks until at least n stanzas have been transmitted.
func (ft *fakeTransport) waitSent(t *testing.T, n int) []stanza.Stanza {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(ft.sentStanzas()) >= n
	}, 5*time.Second, time.Millisecond)
	return ft.sentStanzas()
}

type memStore struct {
	*memAvatarStore
	lock   sync.Mutex
	roster map[types.JID]*types.RosterEntry
}

func newMemStore() *memStore {
	return &memStore{
		memAvatarStore: newMemAvatarStore(),
		roster:         make(map[types.JID]*types.RosterEntry),
	}
}

func (m *memStore) UpsertRosterEntry(_ context.Context, entry *types.RosterEntry) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.roster[entry.JID.Bare()] = entry.Clone()
	return nil
}

func (m *memStore) DeleteRosterEntry(_ context.Context, jid types.JID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.roster, jid.Bare())
	return nil
}

func (m *memStore) AllRosterEntries(context.Context) ([]*types.RosterEntry, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	entries := make([]*types.RosterEntry, 0, len(m.roster))
	for _, entry := range m.roster {
		entries = append(entries, entry.Clone())
	}
	return entries, nil
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *memStore, chan events.Event) {
	t.Helper()
	ft := newFakeTransport()
	st := newMemStore()
	evts := make(chan events.Event, 64)
	cli := newClient(st, mustJID(t, "me@example.com"), ft, zerolog.Nop(), func(evt events.Event) {
		evts <- evt
	})
	cli.Avatars.Config.RetryBackoff = time.Millisecond
	cli.Avatars.Config.MaxRetryBackoff = 5 * time.Millisecond
	require.NoError(t, cli.Start(context.Background()))
	t.Cleanup(cli.Stop)
	return cli, ft, st, evts
}

func waitEvent[T events.Event](t *testing.T, evts chan events.Event) T {
	t.Helper()
	for {
		select {
		case evt := <-evts:
			if typed, ok := evt.(T); ok {
				return typed
			}
			t.Fatalf("expected %T, got %T", *new(T), evt)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

// connect drives the transport to connected and answers the roster sync.
func connect(t *testing.T, ft *fakeTransport, evts chan events.Event, items ...stanza.RosterItem) {
	t.Helper()
	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventConnected}
	waitEvent[*events.Connected](t, evts)
	sent := ft.waitSent(t, 1)
	rosterGet, ok := sent[len(sent)-1].(*stanza.IQ)
	require.True(t, ok)
	require.NotNil(t, rosterGet.RosterQuery)
	ft.stanzas <- &stanza.IQ{
		Type:        stanza.IQTypeResult,
		ID:          rosterGet.ID,
		RosterQuery: &stanza.RosterQuery{Items: items},
	}
	if len(items) > 0 {
		waitEvent[*events.RosterUpdated](t, evts)
	}
}

func TestClient_ConnectSyncsRoster(t *testing.T) {
	cli, ft, st, evts := newTestClient(t)
	assert.Equal(t, StateDisconnected, cli.ConnectionState())

	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventConnected}
	waitEvent[*events.Connected](t, evts)
	sent := ft.waitSent(t, 1)
	rosterGet := sent[0].(*stanza.IQ)
	require.NotNil(t, rosterGet.RosterQuery)
	assert.Equal(t, StateDegraded, cli.ConnectionState())

	ft.stanzas <- &stanza.IQ{
		Type: stanza.IQTypeResult,
		ID:   rosterGet.ID,
		RosterQuery: &stanza.RosterQuery{Items: []stanza.RosterItem{
			{JID: "alice@example.com", Name: "Alice", Subscription: "both"},
		}},
	}
	update := waitEvent[*events.RosterUpdated](t, evts)
	require.Len(t, update.Updated, 1)
	assert.Equal(t, "Alice", update.Updated[0].Name)
	assert.Eventually(t, func() bool {
		return cli.ConnectionState() == StateConnected
	}, 5*time.Second, time.Millisecond)

	entries, err := st.AllRosterEntries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "sync must be mirrored to the store")
}

func TestClient_RosterSyncErrorStaysDegraded(t *testing.T) {
	cli, ft, _, evts := newTestClient(t)
	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventConnected}
	waitEvent[*events.Connected](t, evts)
	rosterGet := ft.waitSent(t, 1)[0].(*stanza.IQ)

	ft.stanzas <- &stanza.IQ{
		Type:  stanza.IQTypeError,
		ID:    rosterGet.ID,
		Error: &stanza.StanzaError{Type: "wait", Text: "overloaded"},
	}
	// Presence still flows while degraded.
	ft.stanzas <- &stanza.Presence{From: "alice@example.com/phone"}
	waitEvent[*events.Presence](t, evts)
	assert.Equal(t, StateDegraded, cli.ConnectionState())
}

func TestClient_MessageEvent(t *testing.T) {
	_, ft, _, evts := newTestClient(t)
	connect(t, ft, evts)

	ft.stanzas <- &stanza.Message{From: "alice@example.com/phone", ID: "m1", Type: "chat", Body: "hi"}
	msg := waitEvent[*events.Message](t, evts)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, "alice@example.com/phone", msg.From.String())
	assert.False(t, msg.Timestamp.IsZero())
}

func TestClient_PresenceEventCarriesRosterEntry(t *testing.T) {
	_, ft, _, evts := newTestClient(t)
	connect(t, ft, evts, stanza.RosterItem{JID: "alice@example.com", Name: "Alice", Subscription: "both"})

	ft.stanzas <- &stanza.Presence{From: "alice@example.com/phone", Show: "away", Priority: 3}
	pres := waitEvent[*events.Presence](t, evts)
	require.NotNil(t, pres.Entry)
	assert.Equal(t, "Alice", pres.Entry.Name)
	assert.Equal(t, types.AvailabilityAway, pres.Availability)

	ft.stanzas <- &stanza.Presence{From: "stranger@example.net/x"}
	pres = waitEvent[*events.Presence](t, evts)
	assert.Nil(t, pres.Entry)
}

func TestClient_RosterPushValidation(t *testing.T) {
	cli, ft, _, evts := newTestClient(t)
	connect(t, ft, evts)

	// Spoofed push from another entity must be dropped.
	ft.stanzas <- &stanza.IQ{
		Type: stanza.IQTypeSet,
		ID:   "spoof",
		From: "mallory@evil.example",
		RosterQuery: &stanza.RosterQuery{Items: []stanza.RosterItem{
			{JID: "mallory@evil.example", Subscription: "both"},
		}},
	}
	// Legitimate push from our own bare JID.
	ft.stanzas <- &stanza.IQ{
		Type: stanza.IQTypeSet,
		ID:   "push1",
		From: "me@example.com",
		RosterQuery: &stanza.RosterQuery{Items: []stanza.RosterItem{
			{JID: "bob@example.com", Subscription: "to"},
		}},
	}
	update := waitEvent[*events.RosterUpdated](t, evts)
	require.Len(t, update.Updated, 1)
	assert.Equal(t, "bob@example.com", update.Updated[0].JID.String())
	assert.Nil(t, cli.Roster.GetEntry(types.JID{Local: "mallory", Domain: "evil.example"}))
}

func TestClient_DisconnectClearsPresenceOnce(t *testing.T) {
	cli, ft, _, evts := newTestClient(t)
	connect(t, ft, evts, stanza.RosterItem{JID: "alice@example.com", Subscription: "both"})

	ft.stanzas <- &stanza.Presence{From: "alice@example.com/phone"}
	waitEvent[*events.Presence](t, evts)

	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventDisconnected}
	waitEvent[*events.Disconnected](t, evts)
	assert.Equal(t, StateDisconnected, cli.ConnectionState())
	assert.Empty(t, cli.Roster.PresenceOf(mustJID(t, "alice@example.com")))
	assert.NotNil(t, cli.Roster.GetEntry(mustJID(t, "alice@example.com")))

	// A duplicate disconnect signal must not produce a second event.
	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventDisconnected}
	ft.stanzas <- &stanza.Message{From: "alice@example.com", Body: "poke"}
	msg := waitEvent[*events.Message](t, evts)
	assert.Equal(t, "poke", msg.Body)
}

func TestClient_PingReply(t *testing.T) {
	_, ft, _, evts := newTestClient(t)
	connect(t, ft, evts)

	ft.stanzas <- &stanza.IQ{Type: stanza.IQTypeGet, ID: "ping1", From: "example.com", Ping: &stanza.Ping{}}
	sent := ft.waitSent(t, 2)
	reply, ok := sent[len(sent)-1].(*stanza.IQ)
	require.True(t, ok)
	assert.Equal(t, "ping1", reply.ID)
	assert.Equal(t, stanza.IQTypeResult, reply.Type)
	assert.Equal(t, "example.com", reply.To)
}

func TestClient_AvatarAdvertisementFetches(t *testing.T) {
	cli, ft, st, evts := newTestClient(t)
	data := []byte("avatar bytes")
	hash := hashOf(data)
	cli.Avatars.FetchURL = func(context.Context, string) ([]byte, string, error) {
		return data, "image/png", nil
	}
	connect(t, ft, evts)

	ft.stanzas <- &stanza.Message{
		From: "alice@example.com",
		Event: &stanza.PubSubEvent{
			Items: &stanza.PubSubEventItems{
				Node: stanza.NSAvatarMetadata,
				Items: []stanza.PubSubItem{{
					ID: hash,
					AvatarMetadata: &stanza.AvatarMetadata{
						Info: []stanza.AvatarInfo{{
							ID:   hash,
							Type: "image/png",
							URL:  "https://cdn.example.com/a.png",
						}},
					},
				}},
			},
		},
	}
	updated := waitEvent[*events.AvatarUpdated](t, evts)
	assert.Equal(t, hash, updated.Hash)
	assert.Equal(t, "alice@example.com", updated.Owner.String())

	cached, err := st.GetAvatar(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, data, cached.Data)
}

func TestClient_StorageErrorSurfaced(t *testing.T) {
	cli, ft, st, evts := newTestClient(t)
	data := []byte("avatar bytes")
	hash := hashOf(data)
	cli.Avatars.FetchURL = func(context.Context, string) ([]byte, string, error) {
		return data, "image/png", nil
	}
	connect(t, ft, evts)

	st.memAvatarStore.lock.Lock()
	st.memAvatarStore.putErr = errors.New("disk full")
	st.memAvatarStore.lock.Unlock()

	ft.stanzas <- &stanza.Message{
		From: "alice@example.com",
		Event: &stanza.PubSubEvent{
			Items: &stanza.PubSubEventItems{
				Node: stanza.NSAvatarMetadata,
				Items: []stanza.PubSubItem{{
					ID: hash,
					AvatarMetadata: &stanza.AvatarMetadata{
						Info: []stanza.AvatarInfo{{ID: hash, URL: "https://cdn.example.com/a.png"}},
					},
				}},
			},
		},
	}
	storageErr := waitEvent[*events.StorageError](t, evts)
	assert.ErrorIs(t, storageErr.Err, ErrAvatarStoreFailed)
}

func TestClient_SubscriptionRequestEvent(t *testing.T) {
	_, ft, _, evts := newTestClient(t)
	connect(t, ft, evts)

	ft.stanzas <- &stanza.Presence{From: "stranger@example.net/x", Type: stanza.PresenceTypeSubscribe}
	req := waitEvent[*events.SubscriptionRequest](t, evts)
	assert.Equal(t, "stranger@example.net", req.From.String())
}

func TestClient_CommandsFailFastWhenDisconnected(t *testing.T) {
	cli, _, _, _ := newTestClient(t)
	ctx := context.Background()
	alice := mustJID(t, "alice@example.com")

	_, err := cli.SendMessage(ctx, alice, "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, cli.SetPresence(ctx, types.AvailabilityOnline, "", 0), ErrNotConnected)
	assert.ErrorIs(t, cli.UpdateRosterEntry(ctx, &types.RosterEntry{JID: alice}), ErrNotConnected)
	assert.ErrorIs(t, cli.RemoveRosterEntry(ctx, alice), ErrNotConnected)
	assert.ErrorIs(t, cli.Subscribe(ctx, alice), ErrNotConnected)
	assert.ErrorIs(t, cli.Unsubscribe(ctx, alice), ErrNotConnected)
	assert.ErrorIs(t, cli.ApproveSubscription(ctx, alice, true), ErrNotConnected)
}

func TestClient_SendMessageWhenConnected(t *testing.T) {
	cli, ft, _, evts := newTestClient(t)
	connect(t, ft, evts)

	id, err := cli.SendMessage(context.Background(), mustJID(t, "alice@example.com"), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	sent := ft.waitSent(t, 2)
	msg, ok := sent[len(sent)-1].(*stanza.Message)
	require.True(t, ok)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "chat", msg.Type)
}

func TestClient_ReconnectRequestsRosterAgain(t *testing.T) {
	_, ft, _, evts := newTestClient(t)
	connect(t, ft, evts)

	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventDisconnected}
	waitEvent[*events.Disconnected](t, evts)

	ft.status <- types.ConnectionStatus{Event: types.ConnectionEventConnected}
	waitEvent[*events.Connected](t, evts)
	sent := ft.waitSent(t, 2)
	secondGet, ok := sent[len(sent)-1].(*stanza.IQ)
	require.True(t, ok)
	assert.NotNil(t, secondGet.RosterQuery, "every reconnect must re-request the roster")
}

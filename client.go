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

// Package jabbermeow is a high-level XMPP client: it turns the raw stanza
// stream of a transport into roster, presence and avatar state plus
// normalized application events, and turns application commands back into
// stanzas.
package jabbermeow

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/jabbermeow/events"
	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/store"
	"go.mau.fi/jabbermeow/types"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyStarted = errors.New("client already started")
)

// Transport is the connection layer underneath the client. It owns the wire
// connection, stream negotiation and authentication, and delivers parsed
// stanzas plus connect/disconnect transitions. web.Websocket is the default
// implementation.
type Transport interface {
	// Connect starts the transport's connect loop and returns immediately.
	// Reconnection after failures is the transport's responsibility; every
	// transition is reported on the Status channel.
	Connect(ctx context.Context) error
	// Stanzas is the inbound stanza stream. It stays open across
	// reconnects and is closed only when the transport shuts down.
	Stanzas() <-chan stanza.Stanza
	// Status reports connect/disconnect transitions.
	Status() <-chan types.ConnectionStatus
	// Send serializes and transmits one stanza. It fails when the
	// connection is down.
	Send(ctx context.Context, s stanza.Stanza) error
	Close() error
}

// ConnectionState is the dispatcher's view of the session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	// StateDegraded means the transport is up but the roster has not been
	// (re)synchronized yet.
	StateDegraded
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateDegraded:
		return "degraded"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ClientStore is the persistence the client needs: the content-addressed
// avatar cache plus the roster mirror. store.SQLStore is the standard
// implementation.
type ClientStore interface {
	store.AvatarStore
	store.RosterStore
}

// Client is the aggregate owning all client-side conversational state for
// one account. Construct it with NewClient, then Start it.
type Client struct {
	Log       zerolog.Logger
	Transport Transport
	Roster    *Roster
	Avatars   *AvatarFetcher
	Store     ClientStore
	Metrics   *MetricsHandler

	accountJID types.JID

	// EventHandler receives every normalized event. It is called from the
	// dispatch goroutine, so it must not block for long.
	EventHandler func(evt events.Event)

	stateLock    sync.Mutex
	state        ConnectionState
	rosterSyncID string

	pendingIQsLock sync.Mutex
	pendingIQs     map[string]chan *stanza.IQ

	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// NewClient creates a client for the account the given store is scoped to.
// The avatar pipeline's knobs can be adjusted through cli.Avatars.Config
// before Start.
func NewClient(acct *store.SQLStore, transport Transport, log zerolog.Logger, evtHandler func(events.Event)) *Client {
	return newClient(acct, acct.AccountJID, transport, log, evtHandler)
}

func newClient(acct ClientStore, accountJID types.JID, transport Transport, log zerolog.Logger, evtHandler func(events.Event)) *Client {
	cli := &Client{
		Log:          log,
		Transport:    transport,
		Roster:       NewRoster(log),
		Store:        acct,
		accountJID:   accountJID.Bare(),
		EventHandler: evtHandler,
		pendingIQs:   make(map[string]chan *stanza.IQ),
	}
	cli.Avatars = NewAvatarFetcher(
		log.With().Str("component", "avatars").Logger(),
		acct,
		cli.fetchAvatarData,
	)
	return cli
}

// OwnJID is the bare JID of the account this client is for.
func (cli *Client) OwnJID() types.JID {
	return cli.accountJID
}

// ConnectionState returns the dispatcher's current state.
func (cli *Client) ConnectionState() ConnectionState {
	cli.stateLock.Lock()
	defer cli.stateLock.Unlock()
	return cli.state
}

// IsConnected reports whether the transport is up. The roster may still be
// syncing.
func (cli *Client) IsConnected() bool {
	return cli.ConnectionState() != StateDisconnected
}

// Start seeds the roster from the persistent mirror, starts the avatar
// pipeline and the transport, and runs the dispatch loop until Stop or
// context cancellation.
func (cli *Client) Start(ctx context.Context) error {
	if cli.loopCancel != nil {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	cli.loopCancel = cancel

	if entries, err := cli.Store.AllRosterEntries(loopCtx); err != nil {
		cli.Log.Warn().Err(err).Msg("Failed to load roster mirror, starting with an empty roster")
	} else {
		cli.Roster.Seed(entries)
	}

	if err := cli.Avatars.Start(loopCtx); err != nil {
		cancel()
		cli.loopCancel = nil
		return err
	}
	if err := cli.Transport.Connect(loopCtx); err != nil {
		cli.Avatars.Stop()
		cancel()
		cli.loopCancel = nil
		return err
	}

	cli.loopWg.Add(1)
	go func() {
		defer cli.loopWg.Done()
		cli.dispatchLoop(loopCtx)
	}()
	return nil
}

// Stop tears the client down. In-flight avatar fetches are given a chance to
// finish inside the pipeline's own shutdown handling.
func (cli *Client) Stop() {
	if cli.loopCancel == nil {
		return
	}
	cli.loopCancel()
	_ = cli.Transport.Close()
	cli.Avatars.Stop()
	cli.loopWg.Wait()
	cli.loopCancel = nil
}

func (cli *Client) setState(state ConnectionState) {
	cli.stateLock.Lock()
	defer cli.stateLock.Unlock()
	cli.state = state
}

func (cli *Client) dispatchEvent(evt events.Event) {
	if cli.Metrics != nil {
		cli.Metrics.TrackEvent(evt)
	}
	if cli.EventHandler != nil {
		cli.EventHandler(evt)
	}
}

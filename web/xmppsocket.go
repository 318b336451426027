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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"go.mau.fi/jabbermeow/stanza"
	"go.mau.fi/jabbermeow/types"
)

const (
	backoffIncrement = 5 * time.Second
	maxBackoff       = 60 * time.Second

	keepaliveInterval = 30 * time.Second
	negotiateTimeout  = 45 * time.Second
)

var (
	ErrSocketNotConnected = errors.New("websocket not connected")
	ErrAlreadyConnecting  = errors.New("connect loop already running")

	// ErrAuthFailed is a permanent failure: the connect loop stops retrying
	// when the server rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")
)

// WebsocketConfig configures one XMPP-over-WebSocket connection.
type WebsocketConfig struct {
	// URL is the websocket endpoint, e.g. wss://example.com/xmpp-websocket.
	URL string
	// JID is the account's bare JID. Its resource, if any, is requested
	// during bind (the server may override it).
	JID      types.JID
	Password string

	// PingInterval overrides the websocket keepalive interval.
	PingInterval time.Duration
	// HTTPClient overrides the client used for dialing.
	HTTPClient *http.Client
}

// Websocket connects to an XMPP server over RFC 7395 websocket framing and
// keeps the connection alive, reconnecting with increasing backoff after
// failures. It delivers parsed stanzas and connection transitions over
// channels, which makes it pluggable as the client's transport.
type Websocket struct {
	cfg WebsocketConfig
	log zerolog.Logger

	stanzas chan stanza.Stanza
	status  chan types.ConnectionStatus

	connLock   sync.RWMutex
	sendCh     chan []byte
	sessionCtx context.Context
	boundJID   types.JID

	started bool
	cancel  context.CancelFunc
	doneWg  sync.WaitGroup
}

func NewWebsocket(cfg WebsocketConfig, log zerolog.Logger) *Websocket {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = keepaliveInterval
	}
	return &Websocket{
		cfg:     cfg,
		log:     log.With().Str("component", "websocket").Logger(),
		stanzas: make(chan stanza.Stanza, 64),
		status:  make(chan types.ConnectionStatus, 8),
	}
}

// Stanzas is the inbound stanza stream. Closed when the connect loop exits.
func (w *Websocket) Stanzas() <-chan stanza.Stanza {
	return w.stanzas
}

// Status reports connect/disconnect transitions.
func (w *Websocket) Status() <-chan types.ConnectionStatus {
	return w.status
}

// BoundJID is the full JID the server assigned during resource binding.
// Only valid while connected.
func (w *Websocket) BoundJID() types.JID {
	w.connLock.RLock()
	defer w.connLock.RUnlock()
	return w.boundJID
}

// Connect starts the connect loop and returns immediately.
func (w *Websocket) Connect(ctx context.Context) error {
	if w.started {
		return ErrAlreadyConnecting
	}
	w.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.doneWg.Add(1)
	go w.connectLoop(loopCtx)
	return nil
}

// Close stops the connect loop and closes the stanza and status channels.
func (w *Websocket) Close() error {
	if !w.started {
		return nil
	}
	w.cancel()
	w.doneWg.Wait()
	return nil
}

// Send serializes one stanza and queues it for the write loop. It fails
// immediately when the connection is down.
func (w *Websocket) Send(ctx context.Context, s stanza.Stanza) error {
	data, err := stanza.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal stanza: %w", err)
	}
	w.connLock.RLock()
	sendCh, sessionCtx := w.sendCh, w.sessionCtx
	w.connLock.RUnlock()
	if sendCh == nil {
		return ErrSocketNotConnected
	}
	select {
	case sendCh <- data:
		return nil
	case <-sessionCtx.Done():
		return ErrSocketNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Websocket) connectLoop(ctx context.Context) {
	defer w.doneWg.Done()
	defer close(w.stanzas)
	defer close(w.status)

	backoff := backoffIncrement
	retrying := false
	for {
		if retrying {
			w.log.Debug().Stringer("backoff", backoff).Msg("Waiting before reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff += backoffIncrement
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		retrying = true

		conn, boundJID, err := w.dialAndNegotiate(ctx)
		if errors.Is(err, ErrAuthFailed) {
			w.log.Error().Err(err).Msg("Server rejected credentials, giving up")
			w.reportStatus(ctx, types.ConnectionStatus{Event: types.ConnectionEventDisconnected, Err: err})
			return
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("Failed to connect")
			continue
		}

		backoff = backoffIncrement
		w.log.Info().Stringer("jid", boundJID).Msg("Connected and bound")

		sessionCtx, sessionCancel := context.WithCancelCause(ctx)
		sendCh := make(chan []byte, 64)
		w.connLock.Lock()
		w.sendCh = sendCh
		w.sessionCtx = sessionCtx
		w.boundJID = boundJID
		w.connLock.Unlock()

		w.reportStatus(ctx, types.ConnectionStatus{Event: types.ConnectionEventConnected})

		var sessionWg sync.WaitGroup
		sessionWg.Add(3)
		go func() {
			defer sessionWg.Done()
			sessionCancel(w.readLoop(sessionCtx, conn))
		}()
		go func() {
			defer sessionWg.Done()
			sessionCancel(w.writeLoop(sessionCtx, conn, sendCh))
		}()
		go func() {
			defer sessionWg.Done()
			sessionCancel(w.keepaliveLoop(sessionCtx, conn))
		}()

		<-sessionCtx.Done()
		cause := context.Cause(sessionCtx)
		if ctx.Err() != nil {
			cause = nil
		}

		w.connLock.Lock()
		w.sendCh = nil
		w.boundJID = types.JID{}
		w.connLock.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		sessionWg.Wait()

		w.reportStatus(ctx, types.ConnectionStatus{Event: types.ConnectionEventDisconnected, Err: cause})
		if ctx.Err() != nil {
			return
		}
		w.log.Warn().AnErr("cause", cause).Msg("Connection lost, reconnecting")
	}
}

// reportStatus delivers a transition without ever blocking the connect loop
// forever: the consumer is expected to drain promptly.
func (w *Websocket) reportStatus(ctx context.Context, status types.ConnectionStatus) {
	select {
	case w.status <- status:
	case <-ctx.Done():
	}
}

func (w *Websocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		s, err := stanza.Parse(data)
		if errors.Is(err, stanza.ErrNotAStanza) {
			if name, nameErr := frameName(data); nameErr == nil && name.Local == "close" {
				return errors.New("server closed the stream")
			}
			w.log.Debug().Bytes("frame", data).Msg("Ignoring non-stanza frame")
			continue
		} else if err != nil {
			w.log.Warn().Err(err).Msg("Failed to parse frame, skipping")
			continue
		}
		select {
		case w.stanzas <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Websocket) writeLoop(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-sendCh:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("failed to write frame: %w", err)
			}
		}
	}
}

func (w *Websocket) keepaliveLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("failed to send keepalive: %w", err)
			}
		}
	}
}

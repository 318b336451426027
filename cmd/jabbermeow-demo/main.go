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

// jabbermeow-demo is a minimal terminal client showing how to wire the
// library together: it connects, logs every event, prints incoming messages
// and auto-approves subscription requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"go.mau.fi/jabbermeow"
	"go.mau.fi/jabbermeow/events"
	"go.mau.fi/jabbermeow/store"
	"go.mau.fi/jabbermeow/types"
	"go.mau.fi/jabbermeow/web"
)

type Config struct {
	Account struct {
		JID          string `yaml:"jid"`
		Password     string `yaml:"password"`
		WebsocketURL string `yaml:"websocket_url"`
	} `yaml:"account"`
	Database dbutil.Config     `yaml:"database"`
	Logging  zeroconfig.Config `yaml:"logging"`
	Metrics  struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`
}

var configPath = flag.String("config", "config.yaml", "path to the config file")

func main() {
	flag.Parse()
	var cfg Config
	exerrors.PanicIfNotNil(yaml.Unmarshal(exerrors.Must(os.ReadFile(*configPath)), &cfg))
	log := exerrors.Must(cfg.Logging.Compile())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := exerrors.Must(dbutil.NewFromConfig("jabbermeow-demo", cfg.Database, dbutil.ZeroLogger(*log)))
	container := store.New(db, dbutil.ZeroLogger(*log))
	exerrors.PanicIfNotNil(container.Upgrade(ctx))

	accountJID := exerrors.Must(types.ParseJID(cfg.Account.JID))
	transport := web.NewWebsocket(web.WebsocketConfig{
		URL:      cfg.Account.WebsocketURL,
		JID:      accountJID,
		Password: cfg.Account.Password,
	}, *log)

	var cli *jabbermeow.Client
	cli = jabbermeow.NewClient(container.WithAccount(accountJID), transport, *log, func(evt events.Event) {
		handleEvent(ctx, log, cli, evt)
	})

	if cfg.Metrics.Enabled {
		cli.Metrics = jabbermeow.NewMetricsHandler(cfg.Metrics.Listen, *log, cli)
		go cli.Metrics.Start()
		defer cli.Metrics.Stop()
	}

	exerrors.PanicIfNotNil(cli.Start(ctx))
	defer cli.Stop()
	log.Info().Stringer("jid", cli.OwnJID()).Msg("Client started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down")
}

func handleEvent(ctx context.Context, log *zerolog.Logger, cli *jabbermeow.Client, evt events.Event) {
	switch typed := evt.(type) {
	case *events.Connected:
		log.Info().Msg("Connected")
		// Broadcast availability so the server starts relaying presence.
		go func() {
			if err := cli.SetPresence(ctx, types.AvailabilityOnline, "", 0); err != nil {
				log.Warn().Err(err).Msg("Failed to send initial presence")
			}
		}()
	case *events.Disconnected:
		log.Warn().Err(typed.Err).Msg("Disconnected")
	case *events.Message:
		fmt.Printf("[%s] %s: %s\n", typed.Timestamp.Format("15:04:05"), typed.From, typed.Body)
	case *events.Presence:
		name := typed.From.Bare().String()
		if typed.Entry != nil && typed.Entry.Name != "" {
			name = typed.Entry.Name
		}
		log.Info().
			Str("contact", name).
			Str("availability", string(typed.Availability)).
			Str("status", typed.Status).
			Msg("Presence changed")
	case *events.RosterUpdated:
		log.Info().
			Int("updated", len(typed.Updated)).
			Int("removed", len(typed.Removed)).
			Msg("Roster updated")
	case *events.AvatarUpdated:
		log.Info().
			Stringer("owner", typed.Owner).
			Str("hash", typed.Hash).
			Msg("Avatar cached")
	case *events.StorageError:
		log.Error().Err(typed.Err).Msg("Persistent storage is failing")
	case *events.SubscriptionRequest:
		log.Info().Stringer("from", typed.From).Msg("Subscription request, auto-approving")
		go func() {
			if err := cli.ApproveSubscription(ctx, typed.From, true); err != nil {
				log.Warn().Err(err).Msg("Failed to approve subscription")
			}
		}()
	}
}

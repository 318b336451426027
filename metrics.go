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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"go.mau.fi/jabbermeow/events"
)

// MetricsHandler exports client counters over a Prometheus scrape endpoint.
// All Track methods are no-ops until Start is called, so the client can be
// used without metrics at zero cost.
type MetricsHandler struct {
	cli    *Client
	server *http.Server
	log    zerolog.Logger

	running      bool
	ctx          context.Context
	stopRecorder func()

	eventCount      *prometheus.CounterVec
	stanzaCount     *prometheus.CounterVec
	disconnections  prometheus.Counter
	connected       prometheus.Gauge
	rosterSize      prometheus.Gauge
	avatarCacheSize prometheus.Gauge
	countCollection prometheus.Histogram
}

// NewMetricsHandler builds a handler serving on the given address. Assign it
// to cli.Metrics to have the dispatch loop feed it.
func NewMetricsHandler(address string, log zerolog.Logger, cli *Client) *MetricsHandler {
	return &MetricsHandler{
		cli:    cli,
		server: &http.Server{Addr: address, Handler: promhttp.Handler()},
		log:    log,

		eventCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jabbermeow_events_total",
			Help: "Number of events delivered to the application",
		}, []string{"event_type"}),
		stanzaCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jabbermeow_stanzas_total",
			Help: "Number of stanzas received from the server",
		}, []string{"stanza"}),
		disconnections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jabbermeow_disconnections_total",
			Help: "Number of times the connection to the server was lost",
		}),
		connected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jabbermeow_connected",
			Help: "Whether the client is currently connected",
		}),
		rosterSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jabbermeow_roster_size",
			Help: "Number of contacts in the roster",
		}),
		avatarCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jabbermeow_avatar_cache_size",
			Help: "Number of avatars in the content-addressed cache",
		}),
		countCollection: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "jabbermeow_count_collection",
			Help: "Time spent collecting the size gauges",
		}),
	}
}

// TrackEvent counts one delivered event. Called by the dispatch loop.
func (mh *MetricsHandler) TrackEvent(evt events.Event) {
	if !mh.running {
		return
	}
	var eventType string
	switch evt.(type) {
	case *events.Connected:
		eventType = "connected"
		mh.connected.Set(1)
	case *events.Disconnected:
		eventType = "disconnected"
		mh.connected.Set(0)
		mh.disconnections.Inc()
	case *events.Message:
		eventType = "message"
	case *events.Presence:
		eventType = "presence"
	case *events.RosterUpdated:
		eventType = "roster_updated"
	case *events.AvatarUpdated:
		eventType = "avatar_updated"
	case *events.SubscriptionRequest:
		eventType = "subscription_request"
	case *events.StorageError:
		eventType = "storage_error"
	default:
		eventType = "unknown"
	}
	mh.eventCount.With(prometheus.Labels{"event_type": eventType}).Inc()
}

// TrackStanza counts one inbound stanza by element name.
func (mh *MetricsHandler) TrackStanza(name string) {
	if !mh.running {
		return
	}
	mh.stanzaCount.With(prometheus.Labels{"stanza": name}).Inc()
}

func (mh *MetricsHandler) updateStats() {
	start := time.Now()
	mh.rosterSize.Set(float64(len(mh.cli.Roster.AllEntries())))
	hashes, err := mh.cli.Store.AllAvatarHashes(mh.ctx)
	if err != nil {
		mh.log.Warn().Err(err).Msg("Failed to count cached avatars")
	} else {
		mh.avatarCacheSize.Set(float64(len(hashes)))
	}
	mh.countCollection.Observe(time.Since(start).Seconds())
}

func (mh *MetricsHandler) startUpdatingStats() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		mh.updateStats()
		select {
		case <-mh.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start serves the scrape endpoint. It blocks until Stop, like
// http.Server.ListenAndServe.
func (mh *MetricsHandler) Start() {
	mh.running = true
	mh.ctx, mh.stopRecorder = context.WithCancel(context.Background())
	go mh.startUpdatingStats()
	err := mh.server.ListenAndServe()
	mh.running = false
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		mh.log.Error().Err(err).Msg("Error in metrics listener")
	}
}

func (mh *MetricsHandler) Stop() {
	if !mh.running {
		return
	}
	mh.stopRecorder()
	err := mh.server.Close()
	if err != nil {
		mh.log.Error().Err(err).Msg("Error closing metrics listener")
	}
}

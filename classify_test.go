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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/jabbermeow/stanza"
)

func TestClassify_ChatMessage(t *testing.T) {
	classified := Classify(&stanza.Message{
		From: "alice@example.com/phone",
		ID:   "msg-1",
		Type: "chat",
		Body: "hello",
	})
	msg, ok := classified.(ClassifiedChatMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "alice@example.com/phone", msg.From.String())
	assert.True(t, msg.Timestamp.IsZero())
}

func TestClassify_DelayedChatMessage(t *testing.T) {
	classified := Classify(&stanza.Message{
		From:  "alice@example.com",
		Body:  "offline message",
		Delay: &stanza.Delay{Stamp: "2024-03-01T12:30:00Z"},
	})
	msg, ok := classified.(ClassifiedChatMessage)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), msg.Timestamp)
}

func TestClassify_BodylessMessageIgnorable(t *testing.T) {
	classified := Classify(&stanza.Message{From: "alice@example.com", Type: "chat"})
	assert.Equal(t, ClassifiedTypeIgnorable, classified.ClassifiedType())
}

func TestClassify_MalformedFromIgnorable(t *testing.T) {
	classified := Classify(&stanza.Message{From: "", Body: "hi"})
	assert.Equal(t, ClassifiedTypeIgnorable, classified.ClassifiedType())
}

func TestClassify_Presence(t *testing.T) {
	photo := "0f5bd8f80c3cc0f1d9e3e1859b3a119f69f380d7"
	classified := Classify(&stanza.Presence{
		From:        "alice@example.com/phone",
		Show:        "dnd",
		Status:      "busy",
		Priority:    7,
		VCardUpdate: &stanza.VCardUpdate{Photo: &photo},
	})
	pres, ok := classified.(ClassifiedPresence)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com/phone", pres.From.String())
	assert.Equal(t, "dnd", string(pres.Availability))
	assert.Equal(t, 7, pres.Priority)
	assert.Equal(t, photo, pres.PhotoHash)
}

func TestClassify_UnavailablePresence(t *testing.T) {
	classified := Classify(&stanza.Presence{
		From: "alice@example.com/phone",
		Type: stanza.PresenceTypeUnavailable,
	})
	pres, ok := classified.(ClassifiedPresence)
	require.True(t, ok)
	assert.Equal(t, "offline", string(pres.Availability))
}

func TestClassify_SubscriptionRequest(t *testing.T) {
	classified := Classify(&stanza.Presence{
		From: "stranger@example.net",
		Type: stanza.PresenceTypeSubscribe,
	})
	pres, ok := classified.(ClassifiedPresence)
	require.True(t, ok)
	assert.Equal(t, stanza.PresenceTypeSubscribe, pres.Type)
}

func TestClassify_UnhandledPresenceTypeIgnorable(t *testing.T) {
	classified := Classify(&stanza.Presence{
		From: "alice@example.com",
		Type: stanza.PresenceTypeSubscribed,
	})
	assert.Equal(t, ClassifiedTypeIgnorable, classified.ClassifiedType())
}

func TestClassify_RosterPush(t *testing.T) {
	classified := Classify(&stanza.IQ{
		Type: stanza.IQTypeSet,
		ID:   "push-1",
		RosterQuery: &stanza.RosterQuery{
			Ver:   "ver7",
			Items: []stanza.RosterItem{{JID: "alice@example.com", Subscription: "both"}},
		},
	})
	push, ok := classified.(ClassifiedRosterPush)
	require.True(t, ok)
	assert.Equal(t, "ver7", push.Ver)
	require.Len(t, push.Items, 1)
}

func TestClassify_AvatarAdvertisement(t *testing.T) {
	classified := Classify(&stanza.Message{
		From: "alice@example.com",
		Event: &stanza.PubSubEvent{
			Items: &stanza.PubSubEventItems{
				Node: stanza.NSAvatarMetadata,
				Items: []stanza.PubSubItem{{
					ID: "0f5bd8f80c3cc0f1d9e3e1859b3a119f69f380d7",
					AvatarMetadata: &stanza.AvatarMetadata{
						Info: []stanza.AvatarInfo{{
							ID:    "0f5bd8f80c3cc0f1d9e3e1859b3a119f69f380d7",
							Type:  "image/png",
							Bytes: 12345,
						}},
					},
				}},
			},
		},
	})
	adv, ok := classified.(ClassifiedAvatarAdvertised)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", adv.Owner.String())
	require.Len(t, adv.Infos, 1)
	assert.Equal(t, "image/png", adv.Infos[0].Type)
}

func TestClassify_Ping(t *testing.T) {
	iq := &stanza.IQ{Type: stanza.IQTypeGet, ID: "ping-1", From: "example.com", Ping: &stanza.Ping{}}
	classified := Classify(iq)
	ping, ok := classified.(ClassifiedPingRequest)
	require.True(t, ok)
	assert.Same(t, iq, ping.IQ)
}

func TestClassify_UnknownIQIgnorable(t *testing.T) {
	classified := Classify(&stanza.IQ{Type: stanza.IQTypeGet, ID: "q1"})
	assert.Equal(t, ClassifiedTypeIgnorable, classified.ClassifiedType())
}

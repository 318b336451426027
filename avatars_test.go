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
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/jabbermeow/store"
	"go.mau.fi/jabbermeow/types"
)

type memAvatarStore struct {
	lock    sync.Mutex
	avatars map[string]*store.CachedAvatar
	putErr  error
}

func newMemAvatarStore() *memAvatarStore {
	return &memAvatarStore{avatars: make(map[string]*store.CachedAvatar)}
}

func (m *memAvatarStore) GetAvatar(_ context.Context, hash string) (*store.CachedAvatar, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.avatars[hash], nil
}

func (m *memAvatarStore) PutAvatar(_ context.Context, avatar *store.CachedAvatar) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.avatars[avatar.Hash] = avatar
	return nil
}

func (m *memAvatarStore) HasAvatar(_ context.Context, hash string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.avatars[hash]
	return ok, nil
}

func (m *memAvatarStore) AllAvatarHashes(_ context.Context) ([]string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	hashes := make([]string, 0, len(m.avatars))
	for hash := range m.avatars {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func hashOf(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func startTestFetcher(t *testing.T, st store.AvatarStore, fetchData DataFetchFunc) *AvatarFetcher {
	t.Helper()
	af := NewAvatarFetcher(zerolog.Nop(), st, fetchData)
	af.Config.RetryBackoff = time.Millisecond
	af.Config.MaxRetryBackoff = 5 * time.Millisecond
	require.NoError(t, af.Start(context.Background()))
	t.Cleanup(af.Stop)
	return af
}

func waitForResult(t *testing.T, af *AvatarFetcher) AvatarFetchResult {
	t.Helper()
	select {
	case result := <-af.Completions():
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for avatar fetch completion")
		return AvatarFetchResult{}
	}
}

func TestAvatarFetcher_FetchAndStore(t *testing.T) {
	st := newMemAvatarStore()
	data := []byte("png bytes")
	hash := hashOf(data)
	af := startTestFetcher(t, st, func(context.Context, types.JID, string) ([]byte, error) {
		return data, nil
	})

	owner := types.JID{Local: "alice", Domain: "example.com"}
	require.NoError(t, af.Request(AvatarReference{Owner: owner, Hash: hash, MimeType: "image/png"}))
	result := waitForResult(t, af)
	require.NoError(t, result.Err)
	assert.Equal(t, hash, result.Hash)
	assert.Equal(t, owner, result.Owner)

	cached, err := st.GetAvatar(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, data, cached.Data)
	assert.Equal(t, "image/png", cached.MimeType)
}

func TestAvatarFetcher_DedupsConcurrentRequests(t *testing.T) {
	st := newMemAvatarStore()
	data := []byte("shared avatar")
	hash := hashOf(data)
	var fetches atomic.Int32
	release := make(chan struct{})
	af := startTestFetcher(t, st, func(ctx context.Context, _ types.JID, _ string) ([]byte, error) {
		fetches.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return data, nil
	})

	// Many contacts advertising the same hash while the first fetch is
	// still in flight must coalesce into that one fetch.
	for i := 0; i < 10; i++ {
		owner := types.JID{Local: "user", Domain: "example.com"}
		require.NoError(t, af.Request(AvatarReference{Owner: owner, Hash: hash}))
	}
	close(release)
	result := waitForResult(t, af)
	require.NoError(t, result.Err)
	assert.EqualValues(t, 1, fetches.Load())
}

func TestAvatarFetcher_CachedHashCompletesWithoutFetch(t *testing.T) {
	st := newMemAvatarStore()
	data := []byte("already cached")
	hash := hashOf(data)
	require.NoError(t, st.PutAvatar(context.Background(), &store.CachedAvatar{Hash: hash, Data: data}))

	af := startTestFetcher(t, st, func(context.Context, types.JID, string) ([]byte, error) {
		t.Error("cached hash must not be fetched again")
		return nil, errors.New("unreachable")
	})
	require.NoError(t, af.Request(AvatarReference{Owner: types.JID{Local: "a", Domain: "b"}, Hash: hash}))
	result := waitForResult(t, af)
	assert.NoError(t, result.Err)
	assert.Equal(t, hash, result.Hash)
}

func TestAvatarFetcher_RetriesTransientFailures(t *testing.T) {
	st := newMemAvatarStore()
	data := []byte("flaky avatar")
	hash := hashOf(data)
	var attempts atomic.Int32
	af := startTestFetcher(t, st, func(context.Context, types.JID, string) ([]byte, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient network error")
		}
		return data, nil
	})

	require.NoError(t, af.Request(AvatarReference{Owner: types.JID{Local: "a", Domain: "b"}, Hash: hash}))
	result := waitForResult(t, af)
	require.NoError(t, result.Err)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestAvatarFetcher_GivesUpAfterMaxAttempts(t *testing.T) {
	st := newMemAvatarStore()
	var attempts atomic.Int32
	af := startTestFetcher(t, st, func(context.Context, types.JID, string) ([]byte, error) {
		attempts.Add(1)
		return nil, errors.New("permanent failure")
	})

	require.NoError(t, af.Request(AvatarReference{Owner: types.JID{Local: "a", Domain: "b"}, Hash: "00ff"}))
	result := waitForResult(t, af)
	require.Error(t, result.Err)
	assert.EqualValues(t, 3, attempts.Load())

	has, err := st.HasAvatar(context.Background(), "00ff")
	require.NoError(t, err)
	assert.False(t, has, "failed fetches must not populate the cache")
}

func TestAvatarFetcher_RejectsHashMismatch(t *testing.T) {
	st := newMemAvatarStore()
	af := startTestFetcher(t, st, func(context.Context, types.JID, string) ([]byte, error) {
		return []byte("not the advertised bytes"), nil
	})

	advertised := hashOf([]byte("the real avatar"))
	require.NoError(t, af.Request(AvatarReference{Owner: types.JID{Local: "a", Domain: "b"}, Hash: advertised}))
	result := waitForResult(t, af)
	require.ErrorIs(t, result.Err, ErrAvatarHashMismatch)

	has, err := st.HasAvatar(context.Background(), advertised)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAvatarFetcher_FetchesOutOfBandURL(t *testing.T) {
	st := newMemAvatarStore()
	data := []byte("http avatar")
	hash := hashOf(data)
	af := NewAvatarFetcher(zerolog.Nop(), st, func(context.Context, types.JID, string) ([]byte, error) {
		t.Error("URL references must not hit the pubsub fetcher")
		return nil, errors.New("unreachable")
	})
	af.FetchURL = func(_ context.Context, url string) ([]byte, string, error) {
		assert.Equal(t, "https://cdn.example.com/avatar.png", url)
		return data, "image/png", nil
	}
	require.NoError(t, af.Start(context.Background()))
	t.Cleanup(af.Stop)

	require.NoError(t, af.Request(AvatarReference{
		Owner: types.JID{Local: "a", Domain: "b"},
		Hash:  hash,
		URL:   "https://cdn.example.com/avatar.png",
	}))
	result := waitForResult(t, af)
	require.NoError(t, result.Err)

	cached, err := st.GetAvatar(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "image/png", cached.MimeType)
}

func TestAvatarFetcher_EmptyHashIgnored(t *testing.T) {
	st := newMemAvatarStore()
	af := startTestFetcher(t, st, func(context.Context, types.JID, string) ([]byte, error) {
		t.Error("empty hash must not be fetched")
		return nil, errors.New("unreachable")
	})
	require.NoError(t, af.Request(AvatarReference{Owner: types.JID{Local: "a", Domain: "b"}}))
	select {
	case result := <-af.Completions():
		t.Fatalf("unexpected completion: %+v", result)
	case <-time.After(50 * time.Millisecond):
	}
}

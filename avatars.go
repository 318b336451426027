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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/jabbermeow/store"
	"go.mau.fi/jabbermeow/types"
	"go.mau.fi/jabbermeow/web"
)

var (
	ErrAvatarHashMismatch = errors.New("avatar content hash mismatch")
	ErrFetcherNotRunning  = errors.New("avatar fetcher not running")
	// ErrAvatarStoreFailed wraps cache write failures so consumers can tell
	// environment faults apart from fetch failures.
	ErrAvatarStoreFailed = errors.New("failed to store avatar")
)

// AvatarReference identifies one advertised avatar: the content hash plus
// where to get the bytes. URL is the out-of-band HTTP location when the
// owner published one, otherwise the data is fetched from the owner's
// pubsub node.
type AvatarReference struct {
	Owner    types.JID
	Hash     string
	MimeType string
	URL      string
}

// AvatarFetchResult is the completion of one fetch. Err is nil when the
// avatar is now in the cache (or already was).
type AvatarFetchResult struct {
	Owner types.JID
	Hash  string
	Err   error
}

// DataFetchFunc retrieves avatar bytes from the owner's XEP-0084 data node.
type DataFetchFunc func(ctx context.Context, owner types.JID, hash string) ([]byte, error)

// AvatarFetcherConfig are the pipeline's knobs. Zero values mean defaults.
type AvatarFetcherConfig struct {
	// Workers is the number of concurrent fetches (default 4).
	Workers int
	// MaxAttempts is how many times one reference is tried before giving up
	// (default 3).
	MaxAttempts int
	// RetryBackoff is the wait after the first failed attempt (default 5s).
	// It doubles per attempt, capped at MaxRetryBackoff (default 60s).
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// QueueSize bounds the number of references waiting for a worker
	// (default 64). Requests past that are dropped, a later advertisement
	// will requeue them.
	QueueSize int
}

func (cfg *AvatarFetcherConfig) applyDefaults() {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
}

// AvatarFetcher downloads advertised avatars into the content-addressed
// cache. The pipeline dedups by hash: a hash already cached or already being
// fetched is never fetched twice, no matter how many contacts advertise it.
type AvatarFetcher struct {
	// Config may be adjusted before Start and is read-only afterwards.
	Config AvatarFetcherConfig
	// FetchURL retrieves out-of-band avatar URLs. Defaults to web.Fetch.
	FetchURL func(ctx context.Context, url string) (data []byte, mimeType string, err error)

	log       zerolog.Logger
	store     store.AvatarStore
	fetchData DataFetchFunc

	lock     sync.Mutex
	known    map[string]struct{}
	inflight map[string]struct{}

	queue       chan AvatarReference
	completions chan AvatarFetchResult
	stopWorkers context.CancelFunc
	workerWg    sync.WaitGroup
}

func NewAvatarFetcher(log zerolog.Logger, avatarStore store.AvatarStore, fetchData DataFetchFunc) *AvatarFetcher {
	return &AvatarFetcher{
		FetchURL:  web.Fetch,
		log:       log,
		store:     avatarStore,
		fetchData: fetchData,
	}
}

// Start preloads the known-hash set from the cache and spawns the workers.
func (af *AvatarFetcher) Start(ctx context.Context) error {
	af.Config.applyDefaults()
	hashes, err := af.store.AllAvatarHashes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cached avatar hashes: %w", err)
	}
	af.lock.Lock()
	af.known = make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		af.known[hash] = struct{}{}
	}
	af.inflight = make(map[string]struct{})
	af.queue = make(chan AvatarReference, af.Config.QueueSize)
	af.completions = make(chan AvatarFetchResult, af.Config.QueueSize)
	af.lock.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	af.stopWorkers = cancel
	for i := 0; i < af.Config.Workers; i++ {
		af.workerWg.Add(1)
		go af.worker(workerCtx, i)
	}
	return nil
}

// Stop shuts the workers down. Requests after Stop fail with
// ErrFetcherNotRunning.
func (af *AvatarFetcher) Stop() {
	if af.stopWorkers == nil {
		return
	}
	af.stopWorkers()
	af.workerWg.Wait()
	af.lock.Lock()
	af.queue = nil
	af.lock.Unlock()
	af.stopWorkers = nil
}

// Completions is the result stream. One result is delivered per accepted
// Request. The channel is never closed, consumers stop through their own
// context.
func (af *AvatarFetcher) Completions() <-chan AvatarFetchResult {
	return af.completions
}

// Request queues one avatar for fetching. Hashes already cached complete
// immediately without network traffic, hashes already in flight are dropped
// (the original request's completion covers them).
func (af *AvatarFetcher) Request(ref AvatarReference) error {
	if ref.Hash == "" {
		return nil
	}
	ref.Hash = strings.ToLower(ref.Hash)
	af.lock.Lock()
	if af.queue == nil {
		af.lock.Unlock()
		return ErrFetcherNotRunning
	}
	if _, cached := af.known[ref.Hash]; cached {
		af.lock.Unlock()
		af.complete(AvatarFetchResult{Owner: ref.Owner, Hash: ref.Hash})
		return nil
	}
	if _, running := af.inflight[ref.Hash]; running {
		af.lock.Unlock()
		return nil
	}
	af.inflight[ref.Hash] = struct{}{}
	af.lock.Unlock()

	select {
	case af.queue <- ref:
	default:
		af.lock.Lock()
		delete(af.inflight, ref.Hash)
		af.lock.Unlock()
		af.log.Warn().Str("hash", ref.Hash).Msg("Avatar fetch queue full, dropping request")
	}
	return nil
}

func (af *AvatarFetcher) complete(result AvatarFetchResult) {
	select {
	case af.completions <- result:
	default:
		// Completion buffer full means the dispatch loop is gone or wedged,
		// dropping the notification is the only safe option.
		af.log.Warn().Str("hash", result.Hash).Msg("Dropping avatar fetch completion")
	}
}

func (af *AvatarFetcher) worker(ctx context.Context, index int) {
	defer af.workerWg.Done()
	log := af.log.With().Int("worker", index).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-af.queue:
			err := af.fetch(ctx, log, ref)
			af.lock.Lock()
			if err == nil {
				af.known[ref.Hash] = struct{}{}
			}
			delete(af.inflight, ref.Hash)
			af.lock.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Err(err).
					Str("hash", ref.Hash).
					Stringer("owner", ref.Owner).
					Msg("Failed to fetch avatar")
			}
			af.complete(AvatarFetchResult{Owner: ref.Owner, Hash: ref.Hash, Err: err})
		}
	}
}

func (af *AvatarFetcher) fetch(ctx context.Context, log zerolog.Logger, ref AvatarReference) error {
	var err error
	backoff := af.Config.RetryBackoff
	for attempt := 1; ; attempt++ {
		err = af.fetchOnce(ctx, ref)
		if err == nil || errors.Is(err, context.Canceled) || attempt >= af.Config.MaxAttempts {
			return err
		}
		log.Warn().Err(err).
			Str("hash", ref.Hash).
			Int("attempt", attempt).
			Stringer("retry_in", backoff).
			Msg("Avatar fetch attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > af.Config.MaxRetryBackoff {
			backoff = af.Config.MaxRetryBackoff
		}
	}
}

func (af *AvatarFetcher) fetchOnce(ctx context.Context, ref AvatarReference) error {
	var data []byte
	mimeType := ref.MimeType
	var err error
	if ref.URL != "" {
		var fetchedMime string
		data, fetchedMime, err = af.FetchURL(ctx, ref.URL)
		if mimeType == "" {
			mimeType = fetchedMime
		}
	} else {
		data, err = af.fetchData(ctx, ref.Owner, ref.Hash)
	}
	if err != nil {
		return err
	}
	checksum := sha1.Sum(data)
	if hex.EncodeToString(checksum[:]) != ref.Hash {
		return fmt.Errorf("%w: got %x, advertised %s", ErrAvatarHashMismatch, checksum, ref.Hash)
	}
	err = af.store.PutAvatar(ctx, &store.CachedAvatar{Hash: ref.Hash, MimeType: mimeType, Data: data})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAvatarStoreFailed, err)
	}
	return nil
}

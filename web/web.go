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

// Package web is the network edge of the client: the XMPP-over-WebSocket
// transport (RFC 7395) and plain HTTP fetching for out-of-band avatar URLs.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// Avatars advertised over XEP-0084 are small images, anything bigger
	// than this is either broken or hostile.
	maxFetchSize = 10 * 1024 * 1024
	fetchTimeout = 30 * time.Second
)

var fetchClient = &http.Client{Timeout: fetchTimeout}

// Fetch downloads an out-of-band URL and returns the body plus the reported
// content type. The caller verifies the content hash, Fetch only enforces
// status and size.
func Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to prepare request: %w", err)
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxFetchSize {
		return nil, "", fmt.Errorf("response body exceeds %d bytes", maxFetchSize)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

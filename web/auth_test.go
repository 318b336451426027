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
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test vectors from RFC 5802 §5.
func TestSCRAMClient_RFCVector(t *testing.T) {
	sc := &scramClient{
		username: "user",
		password: "pencil",
		nonce:    "fyko+d2lbbFgONRv9qkxdawL",
	}

	initial, err := base64.StdEncoding.DecodeString(sc.Start())
	require.NoError(t, err)
	assert.Equal(t, "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL", string(initial))

	serverFirst := "r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"
	finalB64, err := sc.Continue(base64.StdEncoding.EncodeToString([]byte(serverFirst)))
	require.NoError(t, err)
	final, err := base64.StdEncoding.DecodeString(finalB64)
	require.NoError(t, err)
	assert.Equal(t,
		"c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts=",
		string(final))

	serverFinal := "v=rmF9pqV8S7suAoZWja4dJRkFsKQ="
	assert.NoError(t, sc.Verify(base64.StdEncoding.EncodeToString([]byte(serverFinal))))
}

func TestSCRAMClient_RejectsForeignNonce(t *testing.T) {
	sc := &scramClient{username: "user", password: "pencil", nonce: "abc"}
	sc.Start()
	serverFirst := "r=completely-different-nonce,s=QSXCR+Q6sek8bf92,i=4096"
	_, err := sc.Continue(base64.StdEncoding.EncodeToString([]byte(serverFirst)))
	assert.Error(t, err)
}

func TestSCRAMClient_RejectsBadServerSignature(t *testing.T) {
	sc := &scramClient{
		username: "user",
		password: "pencil",
		nonce:    "fyko+d2lbbFgONRv9qkxdawL",
	}
	sc.Start()
	serverFirst := "r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"
	_, err := sc.Continue(base64.StdEncoding.EncodeToString([]byte(serverFirst)))
	require.NoError(t, err)

	forged := "v=AAAAAAAAAAAAAAAAAAAAAAAAAAA="
	assert.ErrorIs(t,
		sc.Verify(base64.StdEncoding.EncodeToString([]byte(forged))),
		ErrServerSignature)
}

func TestPlainPayload(t *testing.T) {
	decoded, err := base64.StdEncoding.DecodeString(plainPayload("alice", "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, "\x00alice\x00hunter2", string(decoded))
}

func TestScramEscape(t *testing.T) {
	assert.Equal(t, "a=3Db=2Cc", scramEscape("a=b,c"))
	assert.Equal(t, "plain", scramEscape("plain"))
}

func TestParseSCRAMAttributes(t *testing.T) {
	attrs, err := parseSCRAMAttributes("r=abc,s=ZGVm,i=4096")
	require.NoError(t, err)
	assert.Equal(t, "abc", attrs["r"])
	assert.Equal(t, "4096", attrs["i"])

	_, err = parseSCRAMAttributes("no-equals-sign")
	assert.Error(t, err)
}

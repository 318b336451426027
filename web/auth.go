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
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mau.fi/util/random"
	"golang.org/x/crypto/pbkdf2"
)

// SASL mechanism names in preference order.
const (
	mechanismSCRAMSHA1 = "SCRAM-SHA-1"
	mechanismPlain     = "PLAIN"
)

var (
	ErrNoSupportedMechanism = errors.New("server offers no supported SASL mechanism")
	ErrServerSignature      = errors.New("SCRAM server signature verification failed")
)

// plainPayload builds the RFC 4616 PLAIN initial response.
func plainPayload(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
}

// scramEscape applies the SCRAM attribute escaping for usernames (RFC 5802
// §5.1: "=" and "," must not appear literally).
func scramEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

// scramClient runs the client side of one SCRAM-SHA-1 exchange (RFC 5802,
// without channel binding).
type scramClient struct {
	username string
	password string
	nonce    string

	clientFirstBare string
	saltedPassword  []byte
	authMessage     string
}

func newSCRAMClient(username, password string) *scramClient {
	return &scramClient{
		username: username,
		password: password,
		nonce:    random.String(24),
	}
}

// Start returns the base64 initial response for the <auth/> element.
func (sc *scramClient) Start() string {
	sc.clientFirstBare = "n=" + scramEscape(sc.username) + ",r=" + sc.nonce
	return base64.StdEncoding.EncodeToString([]byte("n,," + sc.clientFirstBare))
}

// Continue consumes the server-first message from the <challenge/> element
// and returns the base64 client-final message.
func (sc *scramClient) Continue(challengeB64 string) (string, error) {
	serverFirstRaw, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode challenge: %w", err)
	}
	serverFirst := string(serverFirstRaw)
	attrs, err := parseSCRAMAttributes(serverFirst)
	if err != nil {
		return "", err
	}
	serverNonce := attrs["r"]
	if !strings.HasPrefix(serverNonce, sc.nonce) {
		return "", errors.New("server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil {
		return "", fmt.Errorf("failed to decode salt: %w", err)
	}
	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations < 1 {
		return "", errors.New("invalid iteration count in challenge")
	}

	sc.saltedPassword = pbkdf2.Key([]byte(sc.password), salt, iterations, sha1.Size, sha1.New)
	clientKey := hmacSHA1(sc.saltedPassword, "Client Key")
	storedKey := sha1.Sum(clientKey)

	clientFinalBare := "c=biws,r=" + serverNonce
	sc.authMessage = sc.clientFirstBare + "," + serverFirst + "," + clientFinalBare
	clientSignature := hmacSHA1(storedKey[:], sc.authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	clientFinal := clientFinalBare + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return base64.StdEncoding.EncodeToString([]byte(clientFinal)), nil
}

// Verify checks the server signature in the <success/> payload, proving the
// server actually knows the password derivative.
func (sc *scramClient) Verify(successB64 string) error {
	serverFinalRaw, err := base64.StdEncoding.DecodeString(successB64)
	if err != nil {
		return fmt.Errorf("failed to decode success payload: %w", err)
	}
	attrs, err := parseSCRAMAttributes(string(serverFinalRaw))
	if err != nil {
		return err
	}
	expectedSignature, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil {
		return fmt.Errorf("failed to decode server signature: %w", err)
	}
	serverKey := hmacSHA1(sc.saltedPassword, "Server Key")
	serverSignature := hmacSHA1(serverKey, sc.authMessage)
	if !hmac.Equal(serverSignature, expectedSignature) {
		return ErrServerSignature
	}
	return nil
}

func hmacSHA1(key []byte, message string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

func parseSCRAMAttributes(message string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(message, ",") {
		name, value, found := strings.Cut(part, "=")
		if !found || len(name) != 1 {
			return nil, fmt.Errorf("malformed SCRAM attribute %q", part)
		}
		attrs[name] = value
	}
	return attrs, nil
}

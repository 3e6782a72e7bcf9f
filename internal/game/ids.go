package game

import (
	"crypto/rand"
	"encoding/hex"
)

// roomIDAlphabet avoids visually confusable characters (no 0/O/1/I),
// matching the original service's room-code alphabet.
const roomIDAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const roomIDLen = 8

// newRoomID mints an 8-character room_id from the confusable-free
// alphabet using a cryptographically strong RNG.
func newRoomID() (string, error) {
	buf := make([]byte, roomIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, roomIDLen)
	for i, b := range buf {
		out[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(out), nil
}

// newConnID mints a 16 hex-char conn_id from 8 random bytes.
func newConnID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewConnID is the transport-facing entry point for minting a fresh
// conn_id when a WebSocket client joins with a nickname rather than a
// resume token.
func NewConnID() (string, error) { return newConnID() }

// Package relaywire implements the token-prefixed UDP encapsulation used
// when direct peer-to-peer traversal fails and traffic must pass through a
// shared relay server.
package relaywire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the constant 8-byte header every relay datagram carries:
// a 4-byte session token followed by a 4-byte big-endian payload length.
const HeaderSize = 8

var (
	ErrTooShort     = errors.New("relaywire: datagram shorter than header")
	ErrTokenMismatch = errors.New("relaywire: session token mismatch")
	ErrLengthMismatch = errors.New("relaywire: declared length exceeds available payload")
)

// SessionToken identifies a relay session; it is the first 4 bytes of
// every encapsulated datagram.
type SessionToken [4]byte

// Encapsulate wraps payload with the relay header for token. Payloads
// longer than 0xFFFFFFFF bytes cannot be represented in the 4-byte length
// field and are rejected; no smaller cap is applied.
func Encapsulate(token SessionToken, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFFFFFF {
		return nil, fmt.Errorf("relaywire: payload too large: %d bytes", len(payload))
	}

	out := make([]byte, HeaderSize+len(payload))
	copy(out[0:4], token[:])
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out, nil
}

// Decapsulate validates and strips the relay header, returning the
// payload. It rejects datagrams shorter than HeaderSize, datagrams whose
// token does not match expectedToken, and datagrams whose declared length
// does not fit in what remains after the header.
func Decapsulate(expectedToken SessionToken, datagram []byte) ([]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, ErrTooShort
	}

	var gotToken SessionToken
	copy(gotToken[:], datagram[0:4])
	if gotToken != expectedToken {
		return nil, ErrTokenMismatch
	}

	length := binary.BigEndian.Uint32(datagram[4:8])
	rest := datagram[HeaderSize:]
	if uint64(length) > uint64(len(rest)) {
		return nil, ErrLengthMismatch
	}

	payload := make([]byte, length)
	copy(payload, rest[:length])
	return payload, nil
}

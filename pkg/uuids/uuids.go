// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uuids provides functions for generating and handling UUIDs
// as defined by RFC 4122, in both the hex form used for display and the
// base64 form KeePass stores in XML.
package uuids // import "zombiezen.com/go/kdbx/pkg/uuids"

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
)

// A UUID is a universally unique identifier: a 128-bit value.
type UUID [16]byte

// Parse parses a hex-encoded UUID string (that may contain dashes) into a UUID.
func Parse(s string) (UUID, error) {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			b = append(b, s[i])
		}
	}
	var u UUID
	if len(b) != hex.EncodedLen(len(u)) {
		return UUID{}, parseError{s, errSize}
	}
	if _, err := hex.Decode(u[:], b); err != nil {
		return UUID{}, parseError{s, err}
	}
	return u, nil
}

// ParseBase64 parses the standard base64 encoding of a UUID's 16 bytes.
func ParseBase64(s string) (UUID, error) {
	var u UUID
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return UUID{}, parseError{s, err}
	}
	if len(b) != len(u) {
		return UUID{}, parseError{s, errSize}
	}
	copy(u[:], b)
	return u, nil
}

// FromBytes converts a 16-byte slice into a UUID.
func FromBytes(b []byte) (UUID, error) {
	var u UUID
	if len(b) != len(u) {
		return UUID{}, errSize
	}
	copy(u[:], b)
	return u, nil
}

var errSize = errors.New("wrong size")

type parseError struct {
	s   string
	err error
}

func (e parseError) Error() string {
	return "uuid: failed to parse " + strconv.Quote(e.s) + ": " + e.err.Error()
}

func (e parseError) Unwrap() error {
	return e.err
}

// New4 generates a new UUID (version 4) using a provided source of
// random bytes.  If r is nil, crypto/rand.Reader is used.
func New4(r io.Reader) (UUID, error) {
	if r == nil {
		r = rand.Reader
	}
	var u UUID
	if _, err := io.ReadFull(r, u[:]); err != nil {
		return UUID{}, err
	}
	u[8] = u[8]&^0xc0 | 0x80
	u[6] = u[6]&^0xf0 | 4<<4
	return u, nil
}

// AppendHex appends the dash-separated hex representation of u to b
// and returns the extended buffer.
func (u UUID) AppendHex(b []byte) []byte {
	var buf [36]byte
	hex.Encode(buf[0:8], u[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], u[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], u[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], u[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], u[10:])
	return append(b, buf[:]...)
}

// IsZero reports whether this is the zero UUID.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// String returns the dash-separated hex representation of u as a string.
func (u UUID) String() string {
	return string(u.AppendHex(make([]byte, 0, 36)))
}

// Base64 returns the standard base64 encoding of u's bytes.
func (u UUID) Base64() string {
	return base64.StdEncoding.EncodeToString(u[:])
}

// Version returns u's version or zero if this is not the RFC-specified UUID variant.
func (u UUID) Version() int {
	if u[8]>>5&6 != 4 {
		return 0
	}
	return int(u[6] >> 4)
}

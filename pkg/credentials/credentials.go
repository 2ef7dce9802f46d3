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

// Package credentials combines passwords and key files into the
// composite key that unlocks a KDBX database.
package credentials // import "zombiezen.com/go/kdbx/pkg/credentials"

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"sort"
)

// Errors
var (
	ErrNilCredential = errors.New("keepass: nil credential")
	ErrEmpty         = errors.New("keepass: no credentials")
	ErrKeyfileData   = errors.New("keepass: key file data is not a base64-encoded 32-byte key")
)

// Priorities determine the order in which credentials are combined.
// Higher priorities come first.
const (
	PasswordPriority = 200
	KeyfilePriority  = 100
)

// A Credential is one factor of a composite key.  The only
// implementations are Password and Keyfile.
type Credential interface {
	Hash() [32]byte
	Priority() int

	credential()
}

// A Password is a credential derived from a passphrase.
type Password struct {
	hash [32]byte
}

// NewPassword hashes the UTF-8 encoding of s.
func NewPassword(s string) Password {
	return Password{sha256.Sum256([]byte(s))}
}

// NewPasswordBytes hashes an already-encoded passphrase.
func NewPasswordBytes(b []byte) Password {
	return Password{sha256.Sum256(b)}
}

// Hash returns the SHA-256 hash of the passphrase.
func (p Password) Hash() [32]byte { return p.hash }

// Priority returns PasswordPriority.
func (p Password) Priority() int { return PasswordPriority }

func (Password) credential() {}

// KeyfileKind says how a key file's hash was obtained.
type KeyfileKind int

// Key file kinds
const (
	BinaryKeyfile KeyfileKind = iota
	XMLKeyfile
)

func (k KeyfileKind) String() string {
	if k == XMLKeyfile {
		return "XML"
	}
	return "binary"
}

// A Keyfile is a credential derived from the contents of a file.
type Keyfile struct {
	hash [32]byte
	kind KeyfileKind
}

var (
	dataStart = []byte("<Data>")
	dataEnd   = []byte("</Data>")
)

// ReadKeyfile reads a key file from r.  If the file contains a
// <Data>...</Data> element, its base64 content is the key, otherwise
// the key is the SHA-256 hash of the whole file.
func ReadKeyfile(r io.Reader) (Keyfile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Keyfile{}, err
	}
	return ParseKeyfile(data)
}

// ParseKeyfile is like ReadKeyfile but takes the file's contents.
func ParseKeyfile(data []byte) (Keyfile, error) {
	if payload, ok := xmlKeyData(data); ok {
		key, err := base64.StdEncoding.DecodeString(string(payload))
		if err != nil || len(key) != sha256.Size {
			return Keyfile{}, ErrKeyfileData
		}
		k := Keyfile{kind: XMLKeyfile}
		copy(k.hash[:], key)
		return k, nil
	}
	return Keyfile{hash: sha256.Sum256(data), kind: BinaryKeyfile}, nil
}

func xmlKeyData(data []byte) ([]byte, bool) {
	i := bytes.Index(data, dataStart)
	if i < 0 {
		return nil, false
	}
	rest := data[i+len(dataStart):]
	j := bytes.Index(rest, dataEnd)
	if j < 0 {
		return nil, false
	}
	return bytes.TrimSpace(rest[:j]), true
}

// Hash returns the 32-byte key.
func (k Keyfile) Hash() [32]byte { return k.hash }

// Priority returns KeyfilePriority.
func (k Keyfile) Priority() int { return KeyfilePriority }

// Kind reports whether the key came from an XML key file.
func (k Keyfile) Kind() KeyfileKind { return k.kind }

func (Keyfile) credential() {}

// A Set is an ordered collection of credentials.  The zero value is an
// empty set.
type Set struct {
	creds []Credential
}

// NewSet returns a set containing creds.
func NewSet(creds ...Credential) (*Set, error) {
	s := new(Set)
	for _, c := range creds {
		if err := s.Add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends c to the set.
func (s *Set) Add(c Credential) error {
	if c == nil {
		return ErrNilCredential
	}
	s.creds = append(s.creds, c)
	return nil
}

// Reset removes every credential.
func (s *Set) Reset() {
	s.creds = nil
}

// Len returns the number of credentials in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.creds)
}

// Composite returns the SHA-256 hash of the concatenated credential
// hashes, ordered by descending priority.  Credentials of equal
// priority keep the order they were added in.
func (s *Set) Composite() ([32]byte, error) {
	if s.Len() == 0 {
		return [32]byte{}, ErrEmpty
	}
	sorted := append([]Credential(nil), s.creds...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	h := sha256.New()
	for _, c := range sorted {
		sum := c.Hash()
		h.Write(sum[:])
	}
	var out [32]byte
	h.Sum(out[:0])
	return out, nil
}

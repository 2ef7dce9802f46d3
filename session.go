// Copyright 2016 Ross Light
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

package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"

	"zombiezen.com/go/kdbx/pkg/credentials"
)

// sessionCookie is the name of browser cookie containing the session token.
const sessionCookie = "kdbx_session"

// sessionStorage issues and verifies sealed session cookies.  The
// sealing keys are kept in a JSON file at keyPath; a new key is
// generated every keyRotation and old keys are accepted until they are
// keyRotation old.  A key is not used for new sessions within expiry of
// its end, so every session can be read back until it expires.
//
// The caller must serialize calls.
type sessionStorage struct {
	keyPath     string
	keyRotation time.Duration
	expiry      time.Duration
	now         func() time.Time
	rand        io.Reader
}

type sessionKey struct {
	Created time.Time `json:"created"`
	Key     []byte    `json:"key"`
}

// sessionData is the state carried in a sealed session cookie.
type sessionData struct {
	Password []byte `json:"password,omitempty"`
	Keyfile  []byte `json:"keyfile,omitempty"`
}

// credentials returns the credential set described by the session.
func (d *sessionData) credentials() (*credentials.Set, error) {
	return newCredentialSet(d.Password, d.Keyfile)
}

type session struct {
	Data    sessionData `json:"data"`
	Expires time.Time   `json:"expires"`
}

func (ss *sessionStorage) getNow() time.Time {
	if ss.now == nil {
		return time.Now()
	}
	return ss.now()
}

func (ss *sessionStorage) getRand() io.Reader {
	if ss.rand == nil {
		return rand.Reader
	}
	return ss.rand
}

// new creates a new session and attaches it to w.
func (ss *sessionStorage) new(w http.ResponseWriter, data sessionData) (*session, error) {
	now := ss.getNow()
	keys, err := ss.loadKeys()
	if err != nil {
		return nil, err
	}
	key := ss.signingKey(keys, now)
	if key == nil {
		k := sessionKey{Created: now, Key: make([]byte, 32)}
		if _, err := io.ReadFull(ss.getRand(), k.Key); err != nil {
			return nil, errors.Wrap(err, "new session key")
		}
		keys = append(ss.liveKeys(keys, now), k)
		if err := ss.saveKeys(keys); err != nil {
			return nil, err
		}
		key = &keys[len(keys)-1]
	}

	s := &session{Data: data, Expires: now.Add(ss.expiry)}
	plain, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "new session")
	}
	var nonce [24]byte
	if _, err := io.ReadFull(ss.getRand(), nonce[:]); err != nil {
		return nil, errors.Wrap(err, "new session")
	}
	var k [32]byte
	copy(k[:], key.Key)
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &k)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     "/",
		MaxAge:   int(ss.expiry / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return s, nil
}

// fromRequest returns the valid session in r or nil.
func (ss *sessionStorage) fromRequest(r *http.Request) *session {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	sealed, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil || len(sealed) < 24+secretbox.Overhead {
		return nil
	}
	var nonce [24]byte
	copy(nonce[:], sealed)
	keys, err := ss.loadKeys()
	if err != nil {
		return nil
	}
	now := ss.getNow()
	for _, key := range ss.liveKeys(keys, now) {
		var k [32]byte
		copy(k[:], key.Key)
		plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &k)
		if !ok {
			continue
		}
		s := new(session)
		if err := json.Unmarshal(plain, s); err != nil {
			return nil
		}
		if !now.Before(s.Expires) {
			return nil
		}
		return s
	}
	return nil
}

// signingKey returns the newest key that may seal a session created at now.
func (ss *sessionStorage) signingKey(keys []sessionKey, now time.Time) *sessionKey {
	for i := len(keys) - 1; i >= 0; i-- {
		k := &keys[i]
		if !now.Before(k.Created) && now.Before(k.Created.Add(ss.keyRotation-ss.expiry)) {
			return k
		}
	}
	return nil
}

// liveKeys returns the keys that have not yet been retired.
func (ss *sessionStorage) liveKeys(keys []sessionKey, now time.Time) []sessionKey {
	var live []sessionKey
	for _, k := range keys {
		if now.Before(k.Created.Add(ss.keyRotation)) {
			live = append(live, k)
		}
	}
	return live
}

func (ss *sessionStorage) loadKeys() ([]sessionKey, error) {
	data, err := os.ReadFile(ss.keyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session keys")
	}
	var keys []sessionKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, errors.Wrap(err, "load session keys")
	}
	return keys, nil
}

func (ss *sessionStorage) saveKeys(keys []sessionKey) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.Wrap(err, "save session keys")
	}
	return newStorage(ss.keyPath).write(data)
}

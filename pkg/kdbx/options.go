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

package kdbx

import (
	"crypto/rand"
	"io"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/kdbx/pkg/kdbcrypt"
)

// DefaultKeyRounds is the number of key transformation rounds used for
// new databases when Options.KeyRounds is zero.
const DefaultKeyRounds = 60000

// Options is the set of parameters for creating or opening a database.
// Nil is treated the same as the zero value.
type Options struct {
	// Random number source, used for seeds and UUIDs.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Logger receives debug messages for each pipeline stage.
	// Defaults to logrus.StandardLogger().
	Logger *logrus.Logger

	// Transformer performs key transformation rounds.
	// Defaults to kdbcrypt.Parallel.
	Transformer kdbcrypt.Transformer

	// Number of rounds to transform the key with.  Higher values mean
	// opening takes longer, thus harder to brute force.  If zero,
	// DefaultKeyRounds is used.  Only used for creation.
	KeyRounds uint64

	// Cipher to encrypt with.  Defaults to AES-256.
	// Only used for creation.
	Cipher kdbcrypt.Cipher

	// NoCompression stores the document without gzip.
	// Only used for creation.
	NoCompression bool
}

func (opts *Options) getRand() io.Reader {
	if opts == nil || opts.Rand == nil {
		return rand.Reader
	}
	return opts.Rand
}

func (opts *Options) getLogger() *logrus.Logger {
	if opts == nil || opts.Logger == nil {
		return logrus.StandardLogger()
	}
	return opts.Logger
}

func (opts *Options) getTransformer() kdbcrypt.Transformer {
	if opts == nil || opts.Transformer == nil {
		return kdbcrypt.Parallel
	}
	return opts.Transformer
}

func (opts *Options) getKeyRounds() uint64 {
	if opts == nil || opts.KeyRounds == 0 {
		return DefaultKeyRounds
	}
	return opts.KeyRounds
}

func (opts *Options) getCipher() kdbcrypt.Cipher {
	if opts == nil {
		return kdbcrypt.AES
	}
	return opts.Cipher
}

func (opts *Options) getCompression() Compression {
	if opts != nil && opts.NoCompression {
		return NoCompression
	}
	return GzipCompression
}

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

// Package fakerand provides a deterministic PRNG, suitable for testing.
package fakerand // import "zombiezen.com/go/kdbx/pkg/fakerand"

import (
	"io"
	"sync"

	"zombiezen.com/go/kdbx/pkg/salsa20"
)

// seed's value isn't important, just that it's the same for every test.
var seed = [32]byte{
	0x29, 0xff, 0x76, 0x6c, 0x1b, 0x1e, 0x63, 0x3e,
	0xe0, 0x24, 0xeb, 0xc6, 0x3f, 0x37, 0x3f, 0x8d,
	0xe9, 0xe8, 0xb3, 0x0a, 0xcf, 0xa6, 0x4e, 0x4f,
	0x02, 0x17, 0x02, 0x80, 0x4b, 0x15, 0x01, 0xb0,
}

// New returns a new reader that returns the same sequence of bytes every time.
// The reader can be used from multiple goroutines.
func New() io.Reader {
	return NewSeeded(0)
}

// NewSeeded returns a reader like New, but whose sequence depends on n.
// Readers with different n produce unrelated sequences.
func NewSeeded(n uint64) io.Reader {
	var nonce [8]byte
	for i := range nonce {
		nonce[i] = byte(n >> (8 * uint(i)))
	}
	return &reader{s: salsa20.New(&seed, &nonce)}
}

type reader struct {
	mu sync.Mutex
	s  *salsa20.Stream
}

func (r *reader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	n, err = r.s.Read(p)
	r.mu.Unlock()
	return
}

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

// Package salsa20 implements the Salsa20/20 keystream generator used by
// KeePass to mask protected values inside a database's XML document.
//
// Unlike golang.org/x/crypto/salsa20, a Stream keeps its position between
// calls, so a single keystream can be consumed in arbitrarily sized
// pieces across many values.
package salsa20 // import "zombiezen.com/go/kdbx/pkg/salsa20"

import (
	"encoding/binary"
	"math/bits"
)

// BlockSize is the number of keystream bytes produced per counter value.
const BlockSize = 64

// Rounds is the number of Salsa20 rounds applied per block.
const Rounds = 20

// "expand 32-byte k"
const (
	sigma0 = 0x61707865
	sigma1 = 0x3320646e
	sigma2 = 0x79622d32
	sigma3 = 0x6b206574
)

// A Stream is a Salsa20 keystream positioned at some offset.
// A Stream is not safe for concurrent use.
type Stream struct {
	state [16]uint32
	block [BlockSize]byte
	used  int // number of bytes of block already handed out
}

// New returns a stream positioned at the beginning of the keystream
// for key and nonce.
func New(key *[32]byte, nonce *[8]byte) *Stream {
	s := &Stream{used: BlockSize}
	s.state[0] = sigma0
	s.state[5] = sigma1
	s.state[10] = sigma2
	s.state[15] = sigma3
	for i := 0; i < 4; i++ {
		s.state[1+i] = binary.LittleEndian.Uint32(key[4*i:])
		s.state[11+i] = binary.LittleEndian.Uint32(key[16+4*i:])
	}
	s.state[6] = binary.LittleEndian.Uint32(nonce[0:])
	s.state[7] = binary.LittleEndian.Uint32(nonce[4:])
	return s
}

// Read fills p with the next len(p) keystream bytes.  It never fails.
func (s *Stream) Read(p []byte) (n int, err error) {
	for n < len(p) {
		if s.used == BlockSize {
			s.refill()
		}
		nn := copy(p[n:], s.block[s.used:])
		s.used += nn
		n += nn
	}
	return n, nil
}

// Next returns the next n keystream bytes.
func (s *Stream) Next(n int) []byte {
	b := make([]byte, n)
	s.Read(b)
	return b
}

// XORKeyStream XORs each byte in src with the next keystream byte and
// stores the result in dst.  dst and src may overlap entirely.
func (s *Stream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("salsa20: output smaller than input")
	}
	for i := 0; i < len(src); {
		if s.used == BlockSize {
			s.refill()
		}
		for ; s.used < BlockSize && i < len(src); i++ {
			dst[i] = src[i] ^ s.block[s.used]
			s.used++
		}
	}
}

// refill generates the block for the current counter and advances it.
func (s *Stream) refill() {
	core(&s.block, &s.state)
	s.state[8]++
	if s.state[8] == 0 {
		s.state[9]++
	}
	s.used = 0
}

// core computes the Salsa20 hash of in and writes it to out.
func core(out *[BlockSize]byte, in *[16]uint32) {
	x := *in
	for i := 0; i < Rounds; i += 2 {
		// Columns
		x[4] ^= bits.RotateLeft32(x[0]+x[12], 7)
		x[8] ^= bits.RotateLeft32(x[4]+x[0], 9)
		x[12] ^= bits.RotateLeft32(x[8]+x[4], 13)
		x[0] ^= bits.RotateLeft32(x[12]+x[8], 18)

		x[9] ^= bits.RotateLeft32(x[5]+x[1], 7)
		x[13] ^= bits.RotateLeft32(x[9]+x[5], 9)
		x[1] ^= bits.RotateLeft32(x[13]+x[9], 13)
		x[5] ^= bits.RotateLeft32(x[1]+x[13], 18)

		x[14] ^= bits.RotateLeft32(x[10]+x[6], 7)
		x[2] ^= bits.RotateLeft32(x[14]+x[10], 9)
		x[6] ^= bits.RotateLeft32(x[2]+x[14], 13)
		x[10] ^= bits.RotateLeft32(x[6]+x[2], 18)

		x[3] ^= bits.RotateLeft32(x[15]+x[11], 7)
		x[7] ^= bits.RotateLeft32(x[3]+x[15], 9)
		x[11] ^= bits.RotateLeft32(x[7]+x[3], 13)
		x[15] ^= bits.RotateLeft32(x[11]+x[7], 18)

		// Rows
		x[1] ^= bits.RotateLeft32(x[0]+x[3], 7)
		x[2] ^= bits.RotateLeft32(x[1]+x[0], 9)
		x[3] ^= bits.RotateLeft32(x[2]+x[1], 13)
		x[0] ^= bits.RotateLeft32(x[3]+x[2], 18)

		x[6] ^= bits.RotateLeft32(x[5]+x[4], 7)
		x[7] ^= bits.RotateLeft32(x[6]+x[5], 9)
		x[4] ^= bits.RotateLeft32(x[7]+x[6], 13)
		x[5] ^= bits.RotateLeft32(x[4]+x[7], 18)

		x[11] ^= bits.RotateLeft32(x[10]+x[9], 7)
		x[8] ^= bits.RotateLeft32(x[11]+x[10], 9)
		x[9] ^= bits.RotateLeft32(x[8]+x[11], 13)
		x[10] ^= bits.RotateLeft32(x[9]+x[8], 18)

		x[12] ^= bits.RotateLeft32(x[15]+x[14], 7)
		x[13] ^= bits.RotateLeft32(x[12]+x[15], 9)
		x[14] ^= bits.RotateLeft32(x[13]+x[12], 13)
		x[15] ^= bits.RotateLeft32(x[14]+x[13], 18)
	}
	for i := range x {
		binary.LittleEndian.PutUint32(out[4*i:], x[i]+in[i])
	}
}

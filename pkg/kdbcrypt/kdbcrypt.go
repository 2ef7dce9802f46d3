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

// Package kdbcrypt derives keys and encrypts payloads using the KDBX 3
// encryption scheme.
package kdbcrypt // import "zombiezen.com/go/kdbx/pkg/kdbcrypt"

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/twofish"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/kdbx/pkg/cipherio"
	"zombiezen.com/go/kdbx/pkg/padding"
	"zombiezen.com/go/kdbx/pkg/uuids"
)

// Errors
var (
	ErrUnknownCipher = errors.New("keepass: unknown cipher")
	ErrSize          = errors.New("keepass: data size not a multiple of 16")
	ErrIVSize        = errors.New("keepass: encryption IV must be 16 bytes")
)

// Block size in bytes.
const BlockSize = 16

// checkInterval is how many rounds run between context checks.
const checkInterval = 1 << 14

// A Transformer applies rounds of AES-256-ECB encryption keyed by seed
// to key.  Implementations must return a new slice and must produce the
// same output as Software.
type Transformer interface {
	Transform(ctx context.Context, key []byte, seed *[32]byte, rounds uint64) ([]byte, error)
}

// Software transforms each block of the key in turn on the calling goroutine.
var Software Transformer = software{}

// Parallel transforms each block of the key on its own goroutine.
var Parallel Transformer = parallel{}

type software struct{}

func (software) Transform(ctx context.Context, key []byte, seed *[32]byte, rounds uint64) ([]byte, error) {
	c, dst, err := prepare(key, seed)
	if err != nil {
		return nil, err
	}
	for off := 0; off < len(dst); off += BlockSize {
		if err := transformBlock(ctx, c, dst[off:off+BlockSize], rounds); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

type parallel struct{}

func (parallel) Transform(ctx context.Context, key []byte, seed *[32]byte, rounds uint64) ([]byte, error) {
	c, dst, err := prepare(key, seed)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for off := 0; off < len(dst); off += BlockSize {
		block := dst[off : off+BlockSize]
		g.Go(func() error {
			return transformBlock(ctx, c, block, rounds)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

func prepare(key []byte, seed *[32]byte) (cipher.Block, []byte, error) {
	if len(key)%BlockSize != 0 {
		return nil, nil, ErrSize
	}
	c, err := aes.NewCipher(seed[:])
	if err != nil {
		return nil, nil, err
	}
	return c, append([]byte(nil), key...), nil
}

// transformBlock encrypts block in place rounds times.  cipher.Block
// implementations from crypto/aes are safe for concurrent use.
func transformBlock(ctx context.Context, c cipher.Block, block []byte, rounds uint64) error {
	for i := uint64(0); i < rounds; i++ {
		if i%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		c.Encrypt(block, block)
	}
	return nil
}

// TransformKey runs t over key.  A nil Transformer means Parallel.
// Zero rounds returns a copy of key.
func TransformKey(ctx context.Context, t Transformer, key []byte, seed *[32]byte, rounds uint64) ([]byte, error) {
	if t == nil {
		t = Parallel
	}
	return t.Transform(ctx, key, seed, rounds)
}

// BuildMasterKey computes the payload key from a composite credential key:
//
//	SHA-256(masterSeed || SHA-256(TransformKey(composite)))
func BuildMasterKey(ctx context.Context, t Transformer, composite [32]byte, masterSeed []byte, transformSeed *[32]byte, rounds uint64) ([32]byte, error) {
	tk, err := TransformKey(ctx, t, composite[:], transformSeed, rounds)
	if err != nil {
		return [32]byte{}, err
	}
	inner := sha256.Sum256(tk)
	h := sha256.New()
	h.Write(masterSeed)
	h.Write(inner[:])
	var mk [32]byte
	h.Sum(mk[:0])
	return mk, nil
}

// Cipher is a cipher algorithm.
type Cipher int

// Available ciphers
const (
	AES Cipher = iota
	Twofish
)

var (
	aesID     = uuids.UUID{0x31, 0xc1, 0xf2, 0xe6, 0xbf, 0x71, 0x43, 0x50, 0xbe, 0x58, 0x05, 0x21, 0x6a, 0xfc, 0x5a, 0xff}
	twofishID = uuids.UUID{0xad, 0x68, 0xf2, 0x9f, 0x57, 0x6f, 0x4b, 0xb9, 0xa3, 0x6a, 0xd4, 0x7a, 0xf9, 0x65, 0x34, 0x6c}
)

// CipherByID returns the cipher identified by a header's CipherID field.
func CipherByID(id uuids.UUID) (Cipher, error) {
	switch id {
	case aesID:
		return AES, nil
	case twofishID:
		return Twofish, nil
	default:
		return 0, ErrUnknownCipher
	}
}

// ID returns the UUID that identifies c in a database header.
func (c Cipher) ID() uuids.UUID {
	switch c {
	case AES:
		return aesID
	case Twofish:
		return twofishID
	default:
		return uuids.UUID{}
	}
}

func (c Cipher) String() string {
	switch c {
	case AES:
		return "AES"
	case Twofish:
		return "Twofish"
	default:
		return "Cipher(unknown)"
	}
}

func (c Cipher) cipher(key []byte) (cipher.Block, error) {
	switch c {
	case AES:
		return aes.NewCipher(key)
	case Twofish:
		return twofish.NewCipher(key)
	default:
		return nil, ErrUnknownCipher
	}
}

// Params specifies the encryption/decryption values.
type Params struct {
	Key    [32]byte
	Cipher Cipher
	IV     []byte
}

func (params *Params) block() (cipher.Block, error) {
	if len(params.IV) != BlockSize {
		return nil, ErrIVSize
	}
	return params.Cipher.cipher(params.Key[:])
}

// NewEncrypter creates a new writer that encrypts to w.  Closing the
// new writer writes the final, padded block but does not close w.
func NewEncrypter(w io.Writer, params *Params) (io.WriteCloser, error) {
	ciph, err := params.block()
	if err != nil {
		return nil, err
	}
	e := cipher.NewCBCEncrypter(ciph, params.IV)
	return cipherio.NewWriter(w, e, padding.PKCS7), nil
}

// NewDecrypter creates a new reader that decrypts and strips padding from r.
func NewDecrypter(r io.Reader, params *Params) (io.Reader, error) {
	ciph, err := params.block()
	if err != nil {
		return nil, err
	}
	d := cipher.NewCBCDecrypter(ciph, params.IV)
	return cipherio.NewReader(r, d, padding.PKCS7), nil
}

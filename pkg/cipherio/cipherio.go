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

// Package cipherio provides I/O interfaces for encryption streams.
package cipherio // import "zombiezen.com/go/kdbx/pkg/cipherio"

import (
	"crypto/cipher"
	"errors"
	"io"

	"zombiezen.com/go/kdbx/pkg/padding"
)

const defaultBufSize = 4096

type reader struct {
	r    io.Reader
	mode cipher.BlockMode
	pad  padding.Padding

	rbuf  []byte
	crypt []byte // ciphertext not yet decrypted
	plain []byte // decrypted bytes not yet returned
	err   error
}

// NewReader creates a new reader that decrypts and strips padding from r.
// The final block is held back until r reports io.EOF, so padding errors
// are only reported at the end of the stream.  A stream that is empty or
// not a multiple of the block size ends in io.ErrUnexpectedEOF.
func NewReader(r io.Reader, mode cipher.BlockMode, pad padding.Padding) io.Reader {
	bufSize := defaultBufSize
	if bs := mode.BlockSize(); bs > bufSize {
		bufSize = bs
	}
	return &reader{
		r:    r,
		mode: mode,
		pad:  pad,
		rbuf: make([]byte, bufSize),
	}
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

// fill reads more ciphertext and decrypts every block that is known
// not to be the last one.
func (r *reader) fill() {
	bs := r.mode.BlockSize()
	nn, err := r.r.Read(r.rbuf)
	r.crypt = append(r.crypt, r.rbuf[:nn]...)
	switch {
	case err == io.EOF:
		r.finish(bs)
		return
	case err != nil:
		r.err = err
		return
	}

	keep := len(r.crypt) % bs
	if keep == 0 {
		keep = bs
	}
	n := len(r.crypt) - keep
	if n <= 0 {
		return
	}
	out := make([]byte, n)
	r.mode.CryptBlocks(out, r.crypt[:n])
	r.crypt = append(r.crypt[:0], r.crypt[n:]...)
	r.plain = out
}

func (r *reader) finish(bs int) {
	if len(r.crypt) == 0 || len(r.crypt)%bs != 0 {
		r.crypt = nil
		r.err = io.ErrUnexpectedEOF
		return
	}
	out := make([]byte, len(r.crypt))
	r.mode.CryptBlocks(out, r.crypt)
	r.crypt = nil
	out, err := r.pad.Strip(out, bs)
	if err != nil {
		r.err = err
		return
	}
	r.plain = out
	r.err = io.EOF
}

type writer struct {
	w    io.Writer
	mode cipher.BlockMode
	pad  padding.Padding

	block []byte // partial block, never full between calls
	buf   []byte
	err   error
}

// NewWriter creates a new writer that encrypts its input and writes to w.
// Closing the writer adds the final padding but does not close w.
func NewWriter(w io.Writer, mode cipher.BlockMode, pad padding.Padding) io.WriteCloser {
	bufSize := defaultBufSize
	if bs := mode.BlockSize(); bs > bufSize {
		bufSize = bs
	}
	return newWriter(w, mode, pad, bufSize)
}

func newWriter(w io.Writer, mode cipher.BlockMode, pad padding.Padding, bufSize int) io.WriteCloser {
	bs := mode.BlockSize()
	if bs > bufSize {
		panic("cipherio: buffer smaller than block size")
	}
	return &writer{
		w:     w,
		mode:  mode,
		pad:   pad,
		buf:   make([]byte, bufSize-bufSize%bs),
		block: make([]byte, 0, bs),
	}
}

func (w *writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	bs := w.mode.BlockSize()
	n := len(p)
	if len(w.block) > 0 {
		k := copy(w.block[len(w.block):bs], p)
		w.block = w.block[:len(w.block)+k]
		p = p[k:]
		if len(w.block) < bs {
			return n, nil
		}
		w.mode.CryptBlocks(w.block, w.block)
		if !w.emit(w.block) {
			return 0, w.err
		}
		w.block = w.block[:0]
	}
	for len(p) >= bs {
		k := len(p) - len(p)%bs
		if k > len(w.buf) {
			k = len(w.buf)
		}
		w.mode.CryptBlocks(w.buf[:k], p[:k])
		if !w.emit(w.buf[:k]) {
			return 0, w.err
		}
		p = p[k:]
	}
	w.block = append(w.block, p...)
	return n, nil
}

func (w *writer) emit(b []byte) bool {
	if _, err := w.w.Write(b); err != nil {
		w.err = err
		return false
	}
	return true
}

func (w *writer) Close() error {
	if w.err == errClosed {
		return nil
	} else if w.err != nil {
		return w.err
	}
	last := w.pad.Pad(w.block, w.mode.BlockSize())
	w.mode.CryptBlocks(last, last)
	ok := w.emit(last)
	err := w.err
	w.err = errClosed
	if !ok {
		return err
	}
	return nil
}

var errClosed = errors.New("cipherio: write on closed writer")

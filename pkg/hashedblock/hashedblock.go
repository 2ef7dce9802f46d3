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

// Package hashedblock reads and writes the hashed block stream that
// KDBX 3 uses to detect corruption of the decrypted payload.
//
// The stream is a sequence of blocks, each laid out as
//
//	index  uint32, little-endian, starting at zero
//	hash   [32]byte, SHA-256 of data
//	length uint32, little-endian
//	data   [length]byte
//
// and terminated by a block with a zero length and an all-zero hash.
package hashedblock // import "zombiezen.com/go/kdbx/pkg/hashedblock"

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultBlockSize is the largest payload that Writer puts in one block.
const DefaultBlockSize = 16384

// HeaderSize is the number of bytes preceding each block's data.
const HeaderSize = 4 + sha256.Size + 4

// maxBlockSize bounds the length field accepted by Reader.
const maxBlockSize = 1 << 26

// Errors
var (
	ErrHashMismatch = errors.New("keepass: block hash mismatch")
	ErrBlockSize    = errors.New("keepass: block too large")
)

// IndexError is returned when a block appears out of sequence.
type IndexError struct {
	Got, Want uint32
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("keepass: block index %d, expected %d", e.Got, e.Want)
}

// Frame splits data into hashed blocks.
func Frame(data []byte) []byte {
	nblocks := (len(data) + DefaultBlockSize - 1) / DefaultBlockSize
	buf := bytes.NewBuffer(make([]byte, 0, len(data)+(nblocks+1)*HeaderSize))
	w := NewWriter(buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// Unframe verifies and concatenates the blocks in b.  Bytes after the
// terminating block are ignored.
func Unframe(b []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := io.Copy(&out, NewReader(bytes.NewReader(b))); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// A Writer writes hashed blocks.  Close must be called to write the
// terminating block.
type Writer struct {
	w     io.Writer
	size  int
	index uint32
	buf   []byte
	err   error
}

// NewWriter returns a writer that splits its input into blocks of
// DefaultBlockSize bytes.
func NewWriter(w io.Writer) *Writer {
	return NewWriterSize(w, DefaultBlockSize)
}

// NewWriterSize returns a writer that splits its input into blocks of
// at most size bytes.
func NewWriterSize(w io.Writer, size int) *Writer {
	if size <= 0 {
		panic("hashedblock: non-positive block size")
	}
	return &Writer{w: w, size: size, buf: make([]byte, 0, size)}
}

// Write buffers p and writes out every block that becomes full.
func (w *Writer) Write(p []byte) (n int, err error) {
	if w.err != nil {
		return 0, w.err
	}
	for len(p) > 0 {
		k := copy(w.buf[len(w.buf):w.size], p)
		w.buf = w.buf[:len(w.buf)+k]
		p = p[k:]
		n += k
		if len(w.buf) == w.size {
			if err := w.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (w *Writer) flush() error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], w.index)
	if len(w.buf) > 0 {
		sum := sha256.Sum256(w.buf)
		copy(hdr[4:], sum[:])
	}
	binary.LittleEndian.PutUint32(hdr[4+sha256.Size:], uint32(len(w.buf)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		w.err = err
		return err
	}
	if _, err := w.w.Write(w.buf); err != nil {
		w.err = err
		return err
	}
	w.index++
	w.buf = w.buf[:0]
	return nil
}

// Close writes any partial block and then the terminating block.
// It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.err == errClosed {
		return nil
	} else if w.err != nil {
		return w.err
	}
	if len(w.buf) > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.err = errClosed
	return nil
}

var errClosed = errors.New("hashedblock: write on closed writer")

type reader struct {
	r     io.Reader
	index uint32
	data  []byte
	buf   []byte
	err   error
}

// NewReader returns a reader that verifies each block from r and returns
// the concatenated data.  It returns io.EOF after the terminating block
// and ErrHashMismatch if a block's data does not match its hash.
func NewReader(r io.Reader) io.Reader {
	return &reader{r: r}
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.err = r.next()
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// next reads one block into r.data.
func (r *reader) next() error {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if idx := binary.LittleEndian.Uint32(hdr[0:]); idx != r.index {
		return &IndexError{Got: idx, Want: r.index}
	}
	r.index++
	hash := hdr[4 : 4+sha256.Size]
	n := binary.LittleEndian.Uint32(hdr[4+sha256.Size:])
	if n == 0 {
		for _, b := range hash {
			if b != 0 {
				return ErrHashMismatch
			}
		}
		return io.EOF
	}
	if n > maxBlockSize {
		return ErrBlockSize
	}
	if cap(r.buf) < int(n) {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if sum := sha256.Sum256(r.buf); !bytes.Equal(sum[:], hash) {
		return ErrHashMismatch
	}
	r.data = r.buf
	return nil
}

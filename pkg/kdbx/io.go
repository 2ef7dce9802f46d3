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
	"encoding/binary"
	"io"
)

type reader struct {
	r   io.Reader
	n   int64
	err error
}

func (r *reader) readFull(p []byte) {
	if r.err != nil {
		return
	}
	var n int
	n, r.err = io.ReadFull(r.r, p)
	r.n += int64(n)
}

func (r *reader) readUint8() uint8 {
	var buf [1]byte
	r.readFull(buf[:])
	return buf[0]
}

func (r *reader) readUint16() uint16 {
	var buf [2]byte
	r.readFull(buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *reader) readUint32() uint32 {
	var buf [4]byte
	r.readFull(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

type writer struct {
	w   io.Writer
	n   int64
	err error
}

func (w *writer) write(p []byte) {
	if w.err != nil {
		return
	}
	var n int
	n, w.err = w.w.Write(p)
	w.n += int64(n)
}

func (w *writer) writeUint8(i uint8) {
	w.write([]byte{i})
}

func (w *writer) writeUint16(i uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], i)
	w.write(buf[:])
}

func (w *writer) writeUint32(i uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], i)
	w.write(buf[:])
}

func writeField(w *writer, id FieldID, val []byte) {
	w.writeUint8(uint8(id))
	w.writeUint16(uint16(len(val)))
	w.write(val)
}

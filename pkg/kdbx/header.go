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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// A FieldID identifies a header field.
type FieldID uint8

// Standard header fields.
const (
	EndOfHeader FieldID = iota
	Comment
	CipherID
	CompressionFlags
	MasterSeed
	TransformSeed
	TransformRounds
	EncryptionIV
	ProtectedStreamKey
	StreamStartBytes
	InnerRandomStreamID
)

// Format is the interpretation of a header field's bytes.
type Format int

// Field formats.  Other values are valid in a declaration but cannot be
// decoded by Get.
const (
	RawFormat    Format = iota
	Uint32Format        // little-endian
	Uint64Format        // little-endian
)

// FieldDecl declares a header field.
type FieldDecl struct {
	ID     FieldID
	Name   string
	Format Format
}

var standardFields = []FieldDecl{
	{EndOfHeader, "EndOfHeader", RawFormat},
	{Comment, "Comment", RawFormat},
	{CipherID, "CipherID", RawFormat},
	{CompressionFlags, "CompressionFlags", Uint32Format},
	{MasterSeed, "MasterSeed", RawFormat},
	{TransformSeed, "TransformSeed", RawFormat},
	{TransformRounds, "TransformRounds", Uint64Format},
	{EncryptionIV, "EncryptionIV", RawFormat},
	{ProtectedStreamKey, "ProtectedStreamKey", RawFormat},
	{StreamStartBytes, "StreamStartBytes", RawFormat},
	{InnerRandomStreamID, "InnerRandomStreamID", RawFormat},
}

// StandardFields returns the field declarations of a KDBX 3.1 header.
func StandardFields() []FieldDecl {
	return append([]FieldDecl(nil), standardFields...)
}

// endOfHeader is the payload written with the terminating field.
var endOfHeader = []byte{0x0d, 0x0a, 0x0d, 0x0a}

// A Header is a table of header field values.  Only declared fields may
// be read or written.
type Header struct {
	decls  map[FieldID]FieldDecl
	names  map[string]FieldID
	values map[FieldID][]byte
	length int
}

// NewHeader returns an empty header with the standard fields declared.
func NewHeader() *Header {
	return DeclareHeader(standardFields)
}

// DeclareHeader returns an empty header with the given fields declared.
// It panics if an ID or name is declared twice.
func DeclareHeader(decls []FieldDecl) *Header {
	h := &Header{
		decls:  make(map[FieldID]FieldDecl, len(decls)),
		names:  make(map[string]FieldID, len(decls)),
		values: make(map[FieldID][]byte),
	}
	for _, d := range decls {
		if _, dup := h.decls[d.ID]; dup {
			panic(fmt.Sprintf("kdbx: header field %d declared twice", d.ID))
		}
		if _, dup := h.names[d.Name]; dup {
			panic("kdbx: header field " + d.Name + " declared twice")
		}
		h.decls[d.ID] = d
		h.names[d.Name] = d.ID
	}
	return h
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	h2 := &Header{
		decls:  h.decls,
		names:  h.names,
		values: make(map[FieldID][]byte, len(h.values)),
		length: h.length,
	}
	for id, v := range h.values {
		h2.values[id] = append([]byte(nil), v...)
	}
	return h2
}

// Lookup returns the ID of the field with the given name.
func (h *Header) Lookup(name string) (FieldID, error) {
	id, ok := h.names[name]
	if !ok {
		return 0, newError(FormatError, "header lookup", errors.Errorf("unknown field %q", name))
	}
	return id, nil
}

// Name returns the declared name of id or a placeholder.
func (h *Header) Name(id FieldID) string {
	if d, ok := h.decls[id]; ok {
		return d.Name
	}
	return fmt.Sprintf("Field(%d)", id)
}

func (h *Header) decl(op string, id FieldID) (FieldDecl, error) {
	d, ok := h.decls[id]
	if !ok {
		return FieldDecl{}, newError(FormatError, op, errors.Errorf("unknown field %d", id))
	}
	return d, nil
}

// Has reports whether the field has a value.
func (h *Header) Has(id FieldID) bool {
	_, ok := h.values[id]
	return ok
}

// Fields returns the IDs of the fields with values in ascending order.
func (h *Header) Fields() []FieldID {
	ids := make([]FieldID, 0, len(h.values))
	for id := range h.values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetRaw returns the field's bytes or nil if it is unset.  The caller
// must not modify the returned slice.
func (h *Header) GetRaw(id FieldID) ([]byte, error) {
	if _, err := h.decl("header get", id); err != nil {
		return nil, err
	}
	return h.values[id], nil
}

// Get returns the field decoded according to its declared format:
// uint32, uint64, or []byte for RawFormat.  It returns nil for an
// unset field.
func (h *Header) Get(id FieldID) (interface{}, error) {
	d, err := h.decl("header get", id)
	if err != nil {
		return nil, err
	}
	v, ok := h.values[id]
	if !ok {
		return nil, nil
	}
	switch d.Format {
	case RawFormat:
		return v, nil
	case Uint32Format:
		if len(v) < 4 {
			return nil, newError(FormatError, "header get", errors.Errorf("%s is %d bytes, want 4", d.Name, len(v)))
		}
		return binary.LittleEndian.Uint32(v), nil
	case Uint64Format:
		if len(v) < 8 {
			return nil, newError(FormatError, "header get", errors.Errorf("%s is %d bytes, want 8", d.Name, len(v)))
		}
		return binary.LittleEndian.Uint64(v), nil
	default:
		return nil, newError(FormatError, "header get", errors.Errorf("%s has unsupported format %d", d.Name, d.Format))
	}
}

// Uint32 returns a field declared with Uint32Format.
func (h *Header) Uint32(id FieldID) (uint32, error) {
	v, err := h.getTyped(id, Uint32Format)
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// Uint64 returns a field declared with Uint64Format.
func (h *Header) Uint64(id FieldID) (uint64, error) {
	v, err := h.getTyped(id, Uint64Format)
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (h *Header) getTyped(id FieldID, f Format) (interface{}, error) {
	d, err := h.decl("header get", id)
	if err != nil {
		return nil, err
	}
	if d.Format != f {
		return nil, newError(ArgumentError, "header get", errors.Errorf("%s is not a %d-bit integer", d.Name, formatBits(f)))
	}
	v, err := h.Get(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, newError(FormatError, "header get", errors.Errorf("missing %s", d.Name))
	}
	return v, nil
}

func formatBits(f Format) int {
	if f == Uint64Format {
		return 64
	}
	return 32
}

// Set stores a copy of value in the field.
func (h *Header) Set(id FieldID, value []byte) error {
	d, err := h.decl("header set", id)
	if err != nil {
		return err
	}
	if value == nil {
		return newError(ArgumentError, "header set", errors.Errorf("nil value for %s", d.Name))
	}
	if len(value) > 0xffff {
		return newError(ArgumentError, "header set", errors.Errorf("%s is %d bytes, larger than a field can hold", d.Name, len(value)))
	}
	h.values[id] = append(make([]byte, 0, len(value)), value...)
	return nil
}

// SetUint32 stores v in a field declared with Uint32Format.
func (h *Header) SetUint32(id FieldID, v uint32) error {
	d, err := h.decl("header set", id)
	if err != nil {
		return err
	}
	if d.Format != Uint32Format {
		return newError(ArgumentError, "header set", errors.Errorf("%s is not a 32-bit integer", d.Name))
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return h.Set(id, buf[:])
}

// SetUint64 stores v in a field declared with Uint64Format.
func (h *Header) SetUint64(id FieldID, v uint64) error {
	d, err := h.decl("header set", id)
	if err != nil {
		return err
	}
	if d.Format != Uint64Format {
		return newError(ArgumentError, "header set", errors.Errorf("%s is not a 64-bit integer", d.Name))
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return h.Set(id, buf[:])
}

// Unset removes the field's value.
func (h *Header) Unset(id FieldID) {
	delete(h.values, id)
}

// Len returns the byte length of the header as last read or built,
// including the terminating field.
func (h *Header) Len() int {
	return h.length
}

// ReadFrom replaces h's values with the fields read from r, stopping
// after the EndOfHeader field.  The terminator's payload is not kept.
func (h *Header) ReadFrom(r io.Reader) (int64, error) {
	rr := &reader{r: r}
	values := make(map[FieldID][]byte)
	for {
		id := FieldID(rr.readUint8())
		size := rr.readUint16()
		val := make([]byte, size)
		rr.readFull(val)
		if rr.err != nil {
			err := rr.err
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			if err == io.ErrUnexpectedEOF {
				return rr.n, newError(FormatError, "read header", errors.Wrap(err, "truncated header"))
			}
			return rr.n, newError(IOError, "read header", err)
		}
		if _, err := h.decl("read header", id); err != nil {
			return rr.n, err
		}
		if id == EndOfHeader {
			break
		}
		values[id] = val
	}
	h.values = values
	h.length = int(rr.n)
	return rr.n, nil
}

// Bytes serializes the header: every set field except EndOfHeader in
// ascending ID order, then the terminator.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	h.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo writes the serialized header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	ww := &writer{w: w}
	for _, id := range h.Fields() {
		if id == EndOfHeader {
			continue
		}
		writeField(ww, id, h.values[id])
	}
	writeField(ww, EndOfHeader, endOfHeader)
	if ww.err != nil {
		return ww.n, newError(IOError, "write header", ww.err)
	}
	h.length = int(ww.n)
	return ww.n, nil
}

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
	"encoding/hex"
	"errors"
	"testing"
)

func TestHeader_Bytes(t *testing.T) {
	h := NewHeader()
	// Set out of order to check that fields are written sorted.
	if err := h.Set(StreamStartBytes, []byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}
	if err := h.SetUint32(CompressionFlags, 1); err != nil {
		t.Fatal(err)
	}
	if err := h.Set(Comment, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x01, 0x02, 0x00, 'h', 'i',
		0x03, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00,
		0x09, 0x02, 0x00, 0xaa, 0xbb,
		0x00, 0x04, 0x00, 0x0d, 0x0a, 0x0d, 0x0a,
	}
	got := h.Bytes()
	if !bytes.Equal(got, want) {
		t.Errorf("h.Bytes() =\n%s\nwant\n%s", hex.Dump(got), hex.Dump(want))
	}
	if h.Len() != len(want) {
		t.Errorf("h.Len() = %d; want %d", h.Len(), len(want))
	}
}

func TestHeader_ReadFrom(t *testing.T) {
	in := []byte{
		0x06, 0x08, 0x00, 0xe8, 0x03, 0, 0, 0, 0, 0, 0,
		0x02, 0x03, 0x00, 1, 2, 3,
		0x00, 0x04, 0x00, 0x0d, 0x0a, 0x0d, 0x0a,
		0xff, 0xff, // payload after the header
	}
	h := NewHeader()
	n, err := h.ReadFrom(bytes.NewReader(in))
	if err != nil {
		t.Fatal("ReadFrom:", err)
	}
	if n != int64(len(in)-2) || h.Len() != len(in)-2 {
		t.Errorf("ReadFrom = %d, Len() = %d; want %d", n, h.Len(), len(in)-2)
	}
	rounds, err := h.Uint64(TransformRounds)
	if err != nil || rounds != 1000 {
		t.Errorf("h.Uint64(TransformRounds) = %d, %v; want 1000, <nil>", rounds, err)
	}
	v, err := h.Get(TransformRounds)
	if err != nil || v != uint64(1000) {
		t.Errorf("h.Get(TransformRounds) = %#v, %v; want uint64(1000), <nil>", v, err)
	}
	v, err = h.Get(CipherID)
	if b, ok := v.([]byte); err != nil || !ok || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("h.Get(CipherID) = %#v, %v; want []byte{1, 2, 3}, <nil>", v, err)
	}
	if h.Has(EndOfHeader) {
		t.Error("h.Has(EndOfHeader) = true after read")
	}
	if v, err := h.Get(Comment); v != nil || err != nil {
		t.Errorf("h.Get(Comment) = %#v, %v; want <nil>, <nil>", v, err)
	}

	// Fields are rebuilt in ascending ID order.
	want := []byte{
		0x02, 0x03, 0x00, 1, 2, 3,
		0x06, 0x08, 0x00, 0xe8, 0x03, 0, 0, 0, 0, 0, 0,
		0x00, 0x04, 0x00, 0x0d, 0x0a, 0x0d, 0x0a,
	}
	if got := h.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("h.Bytes() =\n%s\nwant\n%s", hex.Dump(got), hex.Dump(want))
	}
}

func TestHeader_ReadFromErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short length", []byte{0x02, 0x10}},
		{"short value", []byte{0x02, 0x10, 0x00, 1, 2, 3}},
		{"no terminator", []byte{0x02, 0x01, 0x00, 1}},
		{"unknown field", []byte{0x0b, 0x01, 0x00, 1, 0x00, 0x00, 0x00}},
	}
	for _, test := range tests {
		h := NewHeader()
		_, err := h.ReadFrom(bytes.NewReader(test.in))
		if !errors.Is(err, ErrFormat) {
			t.Errorf("%s: ReadFrom error = %v; want format error", test.name, err)
		}
	}
}

func TestHeader_Errors(t *testing.T) {
	h := NewHeader()
	if err := h.Set(FieldID(42), []byte{1}); KindOf(err) != FormatError {
		t.Errorf("Set(42) error = %v; want format error", err)
	}
	if err := h.Set(Comment, nil); KindOf(err) != ArgumentError {
		t.Errorf("Set(Comment, nil) error = %v; want argument error", err)
	}
	if err := h.Set(Comment, make([]byte, 0x10000)); KindOf(err) != ArgumentError {
		t.Errorf("Set(Comment, 64KiB) error = %v; want argument error", err)
	}
	if _, err := h.Get(FieldID(200)); KindOf(err) != FormatError {
		t.Errorf("Get(200) error = %v; want format error", err)
	}
	if err := h.SetUint64(CompressionFlags, 1); KindOf(err) != ArgumentError {
		t.Errorf("SetUint64(CompressionFlags) error = %v; want argument error", err)
	}
	if _, err := h.Uint32(CompressionFlags); KindOf(err) != FormatError {
		t.Errorf("Uint32(unset CompressionFlags) error = %v; want format error", err)
	}
	h.Set(CompressionFlags, []byte{1, 0})
	if _, err := h.Get(CompressionFlags); KindOf(err) != FormatError {
		t.Errorf("Get(2-byte CompressionFlags) error = %v; want format error", err)
	}
	if _, err := h.Lookup("Nonexistent"); KindOf(err) != FormatError {
		t.Errorf("Lookup(\"Nonexistent\") error = %v; want format error", err)
	}
	if id, err := h.Lookup("ProtectedStreamKey"); id != ProtectedStreamKey || err != nil {
		t.Errorf("Lookup(\"ProtectedStreamKey\") = %d, %v; want %d, <nil>", id, err, ProtectedStreamKey)
	}
}

func TestDeclareHeader_UnsupportedFormat(t *testing.T) {
	h := DeclareHeader([]FieldDecl{
		{ID: EndOfHeader, Name: "EndOfHeader"},
		{ID: 1, Name: "Float", Format: Format(99)},
	})
	if err := h.Set(1, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal("Set:", err)
	}
	if _, err := h.Get(1); KindOf(err) != FormatError {
		t.Errorf("Get(Float) error = %v; want format error", err)
	}
	if raw, err := h.GetRaw(1); err != nil || len(raw) != 4 {
		t.Errorf("GetRaw(Float) = %x, %v; want 4 bytes", raw, err)
	}
	if err := h.Set(CipherID, []byte{1}); KindOf(err) != FormatError {
		t.Errorf("Set(undeclared CipherID) error = %v; want format error", err)
	}
}

func TestHeader_CloneAndUnset(t *testing.T) {
	h := NewHeader()
	h.Set(MasterSeed, []byte{1, 2, 3})
	h2 := h.Clone()
	h.Unset(MasterSeed)
	if h.Has(MasterSeed) {
		t.Error("h.Has(MasterSeed) after Unset = true")
	}
	if v, _ := h2.GetRaw(MasterSeed); !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("clone's MasterSeed = %x; want 010203", v)
	}
}

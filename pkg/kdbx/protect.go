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
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"zombiezen.com/go/kdbx/pkg/salsa20"
)

// Inner random stream algorithms.
const (
	NoInnerStream      uint32 = 0
	Salsa20InnerStream uint32 = 2
)

// protectedNonce is the Salsa20 nonce for protected values.
var protectedNonce = [8]byte{0xe8, 0x30, 0x09, 0x4b, 0x97, 0x20, 0x5d, 0x2a}

type keyStream interface {
	XORKeyStream(dst, src []byte)
}

// plainStream is used when values are stored unmasked.
type plainStream struct{}

func (plainStream) XORKeyStream(dst, src []byte) { copy(dst, src) }

// innerStream returns the key stream selected by h.  A missing
// InnerRandomStreamID means Salsa20.
func innerStream(h *Header) (keyStream, error) {
	alg := Salsa20InnerStream
	if raw, _ := h.GetRaw(InnerRandomStreamID); raw != nil {
		if len(raw) != 4 {
			return nil, newError(FormatError, "inner stream", errors.Errorf("InnerRandomStreamID is %d bytes, want 4", len(raw)))
		}
		alg = binary.LittleEndian.Uint32(raw)
	}
	switch alg {
	case NoInnerStream:
		return plainStream{}, nil
	case Salsa20InnerStream:
		psk, _ := h.GetRaw(ProtectedStreamKey)
		key := sha256.Sum256(psk)
		return salsa20.New(&key, &protectedNonce), nil
	default:
		return nil, newError(FormatError, "inner stream", errors.Wrapf(errInnerStream, "id %d", alg))
	}
}

// isProtected reports whether n's Protected attribute is true.
func isProtected(n *Node) bool {
	v, ok := n.Attr("Protected")
	return ok && strings.EqualFold(v, "true")
}

// unprotect replaces each protected node's text with its plaintext,
// consuming ks in document order.
func unprotect(doc *Document, ks keyStream) error {
	return doc.Walk(func(n *Node) error {
		if !isProtected(n) {
			return nil
		}
		b, err := base64.StdEncoding.DecodeString(n.Text)
		if err != nil {
			return newError(FormatError, "unprotect", errors.Wrapf(err, "protected <%s>", n.Name))
		}
		ks.XORKeyStream(b, b)
		n.Text = string(b)
		return nil
	})
}

// protect is the inverse of unprotect.
func protect(doc *Document, ks keyStream) {
	doc.Walk(func(n *Node) error {
		if isProtected(n) {
			b := []byte(n.Text)
			ks.XORKeyStream(b, b)
			n.Text = base64.StdEncoding.EncodeToString(b)
		}
		return nil
	})
}

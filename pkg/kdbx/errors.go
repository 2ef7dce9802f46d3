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
	"context"

	"github.com/pkg/errors"
)

// Kind classifies an Error.
type Kind int

// Error kinds.  Wrong credentials are reported as either CryptoError or
// IntegrityError: the format has no way to distinguish them from a
// corrupt file.
const (
	Other          Kind = iota
	ArgumentError       // malformed or missing caller input
	FormatError         // bad signature, header, compression or document
	IntegrityError      // block hash or stream start bytes mismatch
	CryptoError         // decryption or padding failure
	IOError             // reading or writing the underlying stream
	Canceled            // context canceled or deadline exceeded
)

func (k Kind) String() string {
	switch k {
	case ArgumentError:
		return "argument error"
	case FormatError:
		return "format error"
	case IntegrityError:
		return "integrity error"
	case CryptoError:
		return "decryption error"
	case IOError:
		return "I/O error"
	case Canceled:
		return "canceled"
	default:
		return "error"
	}
}

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "kdbx: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	if e.Err == nil {
		return msg + e.Kind.String()
	}
	return msg + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for use with errors.Is.
var (
	ErrArgument  error = &Error{Kind: ArgumentError}
	ErrFormat    error = &Error{Kind: FormatError}
	ErrIntegrity error = &Error{Kind: IntegrityError}
	ErrCrypto    error = &Error{Kind: CryptoError}
	ErrIO        error = &Error{Kind: IOError}
	ErrCanceled  error = &Error{Kind: Canceled}
)

// KindOf returns the kind of the first *Error in err's chain or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// IsAuthFailure reports whether err is consistent with wrong credentials.
// The same errors are produced by a corrupt file.
func IsAuthFailure(err error) bool {
	k := KindOf(err)
	return k == IntegrityError || k == CryptoError
}

// newError wraps err with a kind.  Context errors are always Canceled.
func newError(kind Kind, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = Canceled
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errors returned inside *Error values.
var (
	errWrongSignature  = errors.New("not a KDBX file")
	errStartBytes      = errors.New("wrong credentials or corrupt database")
	errUnaligned       = errors.New("payload does not match cipher block size")
	errNilCredentials  = errors.New("nil credential set")
	errNilDocument     = errors.New("document has no root element")
	errCompressionFlag = errors.New("unknown compression algorithm")
	errInnerStream     = errors.New("unknown inner random stream")
)

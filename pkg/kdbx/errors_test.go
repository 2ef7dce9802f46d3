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
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestError(t *testing.T) {
	err := newError(IntegrityError, "open", errStartBytes)
	if got, want := err.Error(), "kdbx: open: wrong credentials or corrupt database"; got != want {
		t.Errorf("err.Error() = %q; want %q", got, want)
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Error("errors.Is(err, ErrIntegrity) = false")
	}
	if errors.Is(err, ErrCrypto) {
		t.Error("errors.Is(err, ErrCrypto) = true")
	}
	if !errors.Is(err, errStartBytes) {
		t.Error("errors.Is(err, errStartBytes) = false")
	}
	wrapped := errors.Wrap(err, "loading vault")
	if KindOf(wrapped) != IntegrityError {
		t.Errorf("KindOf(wrapped) = %v; want %v", KindOf(wrapped), IntegrityError)
	}
	if !IsAuthFailure(wrapped) {
		t.Error("IsAuthFailure(wrapped) = false")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{nil, Other},
		{io.EOF, Other},
		{ErrFormat, FormatError},
		{newError(CryptoError, "decrypt", io.ErrUnexpectedEOF), CryptoError},
		{newError(CryptoError, "derive key", context.Canceled), Canceled},
		{newError(IOError, "open", errors.Wrap(context.DeadlineExceeded, "read")), Canceled},
	}
	for _, test := range tests {
		if got := KindOf(test.err); got != test.kind {
			t.Errorf("KindOf(%v) = %v; want %v", test.err, got, test.kind)
		}
	}
	if got := ErrArgument.Error(); got != "kdbx: argument error" {
		t.Errorf("ErrArgument.Error() = %q; want \"kdbx: argument error\"", got)
	}
}

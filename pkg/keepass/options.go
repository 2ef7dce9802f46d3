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

package keepass

import (
	"crypto/rand"
	"io"
	"time"
)

// Options is the set of parameters for building a view.
// Nil is treated the same as the zero value.
type Options struct {
	// Random number source, used for ID generation.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Now returns the time recorded when an item is created, moved or
	// modified.  Defaults to time.Now.
	Now func() time.Time
}

func (opts *Options) getRand() io.Reader {
	if opts == nil || opts.Rand == nil {
		return rand.Reader
	}
	return opts.Rand
}

func (opts *Options) now() time.Time {
	if opts == nil || opts.Now == nil {
		return time.Now()
	}
	return opts.Now()
}

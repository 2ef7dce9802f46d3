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

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"zombiezen.com/go/kdbx/pkg/credentials"
)

// newCredentialSet builds a credential set from a password and the
// contents of a key file.  Either may be empty.
func newCredentialSet(password, keyfile []byte) (*credentials.Set, error) {
	set, err := credentials.NewSet()
	if err != nil {
		return nil, err
	}
	if len(password) > 0 {
		if err := set.Add(credentials.NewPasswordBytes(password)); err != nil {
			return nil, err
		}
	}
	if len(keyfile) > 0 {
		kf, err := credentials.ParseKeyfile(keyfile)
		if err != nil {
			return nil, err
		}
		if err := set.Add(kf); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// A prompter reads passwords from a terminal without echo, or line by
// line when input is not a terminal.
type prompter struct {
	in  io.Reader
	out io.Writer
	buf *bufio.Reader
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out, buf: bufio.NewReader(in)}
}

func (p *prompter) terminal() (int, bool) {
	f, ok := p.in.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// readPassword reads one password.  The prompt is only shown on a terminal.
func (p *prompter) readPassword(prompt string) (string, error) {
	if fd, ok := p.terminal(); ok {
		fmt.Fprint(p.out, prompt)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", errors.Wrap(err, "read password")
		}
		return string(pw), nil
	}
	return p.readLine()
}

// readLine reads a password from the next line of input.
func (p *prompter) readLine() (string, error) {
	line, err := p.buf.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.Wrap(err, "read password")
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

var errPasswordMismatch = errors.New("passwords do not match")

// readNewPassword reads a password, asking for it twice on a terminal.
func (p *prompter) readNewPassword(prompt string) (string, error) {
	pw, err := p.readPassword(prompt)
	if err != nil {
		return "", err
	}
	if _, ok := p.terminal(); !ok {
		return pw, nil
	}
	again, err := p.readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errPasswordMismatch
	}
	return pw, nil
}

// credentialSource describes where a command finds its credentials.
type credentialSource struct {
	password   string
	noPassword bool
	stdin      bool
	keyfile    string
	prompt     string
	confirm    bool
}

// read gathers the credentials from src, prompting for a password when
// none was configured.
func (p *prompter) read(src credentialSource) (*credentials.Set, error) {
	var keyfile []byte
	if src.keyfile != "" {
		var err error
		keyfile, err = os.ReadFile(src.keyfile)
		if err != nil {
			return nil, errors.Wrap(err, "read key file")
		}
	}
	pw := src.password
	if pw == "" && !src.noPassword {
		var err error
		switch {
		case src.stdin:
			pw, err = p.readLine()
		case src.confirm:
			pw, err = p.readNewPassword(src.prompt)
		default:
			pw, err = p.readPassword(src.prompt)
		}
		if err != nil {
			return nil, err
		}
	}
	return newCredentialSet([]byte(pw), keyfile)
}

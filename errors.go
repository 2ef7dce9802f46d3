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
	"errors"
	"net/http"

	"zombiezen.com/go/kdbx/pkg/credentials"
	"zombiezen.com/go/kdbx/pkg/kdbx"
)

func isUserError(e error) bool {
	return userErrorMessage(e) != ""
}

func userErrorMessage(e error) string {
	var ue interface {
		UserError() string
	}
	if !errors.As(e, &ue) {
		return ""
	}
	return ue.UserError()
}

func errorStatusCode(e error) int {
	var sc interface {
		StatusCode() int
	}
	if !errors.As(e, &sc) {
		return http.StatusInternalServerError
	}
	return sc.StatusCode()
}

type userError struct {
	msg  string
	code int
	err  error
}

func (ue userError) Error() string {
	return ue.err.Error()
}

func (ue userError) Unwrap() error {
	return ue.err
}

func (ue userError) UserError() string {
	return ue.msg
}

func (ue userError) StatusCode() int {
	if ue.code == 0 {
		return http.StatusBadRequest
	}
	return ue.code
}

type xsrfError struct {
	err error
}

func (xe xsrfError) Error() string {
	return "check xsrf: " + xe.err.Error()
}

func (xe xsrfError) UserError() string {
	return "invalid XSRF token"
}

func (xe xsrfError) StatusCode() int {
	return http.StatusBadRequest
}

type notFoundError struct{}

func (notFoundError) Error() string {
	return "not found"
}

func (notFoundError) UserError() string {
	return "404 page not found"
}

func (notFoundError) StatusCode() int {
	return http.StatusNotFound
}

var errInvalidSession = userError{
	msg:  "Invalid session. Please enter your credentials again.",
	code: http.StatusUnauthorized,
	err:  errors.New("invalid session"),
}

var errNoDatabase = userError{
	msg:  "Database does not exist.",
	code: http.StatusNotFound,
	err:  errors.New("open database: does not exist"),
}

// authFailureMessage is shown for both wrong credentials and corrupt
// files, since the two cannot be told apart.
const authFailureMessage = "wrong credentials or corrupt database"

// classifyError converts errors from the database packages into user
// errors with an appropriate status code.  Other errors are returned
// unchanged.
func classifyError(err error) error {
	if err == nil || isUserError(err) {
		return err
	}
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return userError{msg: "request too large", code: http.StatusRequestEntityTooLarge, err: err}
	case kdbx.IsAuthFailure(err):
		return userError{msg: authFailureMessage, code: http.StatusForbidden, err: err}
	case errors.Is(err, credentials.ErrEmpty), errors.Is(err, credentials.ErrKeyfileData):
		return userError{msg: err.Error(), code: http.StatusBadRequest, err: err}
	}
	switch kdbx.KindOf(err) {
	case kdbx.ArgumentError:
		return userError{msg: err.Error(), code: http.StatusBadRequest, err: err}
	case kdbx.FormatError:
		return userError{msg: "not a supported KeePass database: " + err.Error(), code: http.StatusUnprocessableEntity, err: err}
	}
	return err
}

// Exit codes
const (
	exitFailure   = 1
	exitUsage     = 2
	exitBadAccess = 3
)

// exitCode returns the process exit status for an error returned by a command.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case kdbx.IsAuthFailure(err):
		return exitBadAccess
	case kdbx.KindOf(err) == kdbx.ArgumentError, errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitFailure
	}
}

var errUsage = errors.New("usage error")

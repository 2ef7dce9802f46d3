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
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/context"
	"github.com/sirupsen/logrus"
)

const xsrfTokenSize = 33

// appHandler adapts a handler function that returns an error.  The
// request size is limited, the XSRF token is checked for unsafe methods,
// and errors are mapped to status codes.  If needSession is set, the
// request must carry a valid session, which handlers retrieve with
// requestSession.
type appHandler struct {
	srv         *server
	f           func(http.ResponseWriter, *http.Request) error
	needSession bool
}

type contextKey int

const sessionContextKey contextKey = 0

// requestSession returns the session attached by appHandler.
func requestSession(r *http.Request) *session {
	s, _ := context.Get(r, sessionContextKey).(*session)
	return s
}

func (ah appHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := ah.srv.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	r.Body = http.MaxBytesReader(w, r.Body, ah.srv.maxRequestSize())
	if err := ah.srv.parseMultipartForm(r); err != nil {
		log.WithError(err).Warn("fail form parse")
		http.Error(w, "could not parse form", http.StatusBadRequest)
		return
	}
	if !(r.Method == "GET" || r.Method == "HEAD" || r.Method == "OPTIONS" || r.Method == "TRACE") {
		if err := checkXSRF(r); err != nil {
			log.WithError(err).Warn("client error")
			http.Error(w, userErrorMessage(err), errorStatusCode(err))
			return
		}
	}
	w.Header().Set("Cache-Control", "private, no-store")
	rec := newStatusRecorder(w)
	var err error
	if ah.needSession {
		// mux passes each handler its own *http.Request.
		defer context.Clear(r)
		if s := ah.srv.sessions.fromRequest(r); s != nil {
			context.Set(r, sessionContextKey, s)
		} else {
			err = errInvalidSession
		}
	}
	if err == nil {
		err = classifyError(ah.f(rec, r))
	}
	if err != nil {
		if userErrorMessage(err) == "" {
			log.WithError(err).Error("server error")
		} else {
			log.WithError(err).Info("client error")
		}
		if rec.StatusCode() == 0 {
			msg := userErrorMessage(err)
			if msg == "" {
				msg = "internal server error; check logs"
			}
			http.Error(rec, msg, errorStatusCode(err))
		}
	}
	log.WithFields(logrus.Fields{
		"status":   rec.StatusCode(),
		"size":     rec.Size(),
		"duration": time.Since(start),
	}).Debug("request")
}

func (srv *server) parseMultipartForm(r *http.Request) error {
	err := r.ParseMultipartForm(srv.maxRequestSize())
	if err == http.ErrNotMultipart {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.MultipartForm.RemoveAll(); err != nil {
		// This is likely to never occur, since the request should be limited to maxRequestSize.
		srv.log.WithError(err).Warn("form cleanup")
	}
	return nil
}

// A statusRecorder is a ResponseWriter that records the status code and
// size of a response.
type statusRecorder struct {
	w    http.ResponseWriter
	code int
	size int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{w: w}
}

// StatusCode returns the status code sent with WriteHeader or 0 if WriteHeader has not been called.
func (r *statusRecorder) StatusCode() int {
	return r.code
}

// Size returns the number of bytes written to the underlying ResponseWriter.
func (r *statusRecorder) Size() int64 {
	return r.size
}

func (r *statusRecorder) Header() http.Header {
	return r.w.Header()
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.w.WriteHeader(statusCode)
	r.code = statusCode
}

func (r *statusRecorder) Write(p []byte) (n int, err error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	n, err = r.w.Write(p)
	r.size += int64(n)
	return
}

// xsrfCookie is the name of browser cookie containing the session-independent XSRF token.
const xsrfCookie = "kdbx_xsrf"

const (
	xsrfFormName   = "xsrftoken"
	xsrfHeaderName = "X-XSRF-Token"
)

// xsrfToken either returns the XSRF token from the cookie or generates
// a new one and sets the XSRF cookie.
func xsrfToken(w http.ResponseWriter, r *http.Request, rand io.Reader) (string, error) {
	if c, err := r.Cookie(xsrfCookie); err == nil && c.Value != "" {
		return c.Value, nil
	} else if err != http.ErrNoCookie && err != nil {
		return "", fmt.Errorf("read xsrf token: %v", err)
	}
	buf := make([]byte, xsrfTokenSize)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return "", fmt.Errorf("generate xsrf token: %v", err)
	}
	tok := base64.StdEncoding.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     xsrfCookie,
		Value:    tok,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})
	return tok, nil
}

func checkXSRF(r *http.Request) error {
	c, err := r.Cookie(xsrfCookie)
	if err != nil {
		return xsrfError{err}
	} else if c.Value == "" {
		return xsrfError{fmt.Errorf("empty cookie")}
	}
	v := r.Header.Get(xsrfHeaderName)
	if v == "" {
		v = r.FormValue(xsrfFormName)
	}
	if v != c.Value {
		return xsrfError{fmt.Errorf("token %q does not match cookie %q", v, c.Value)}
	}
	return nil
}

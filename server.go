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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zombiezen.com/go/kdbx/pkg/credentials"
	"zombiezen.com/go/kdbx/pkg/kdbx"
	"zombiezen.com/go/kdbx/pkg/keepass"
)

// Server defaults
const (
	defaultListen         = "localhost:8080"
	defaultSessionExpiry  = 30 * time.Minute
	defaultKeyRotation    = 12 * time.Hour
	defaultMaxRequestSize = 2 << 20
)

// server exposes one database file over HTTP.  Every request decrypts
// the file with the credentials carried in its session, so the server
// holds no key material between requests.
type server struct {
	cfg      *config
	log      *logrus.Logger
	opts     *kdbx.Options
	rand     io.Reader
	sessions *sessionStorage
	router   *mux.Router

	// mu serializes access to the database file.
	mu sync.Mutex
	db *storage
}

func newServer(dbPath string, cfg *config, log *logrus.Logger) *server {
	srv := &server{
		cfg:  cfg,
		log:  log,
		opts: cfg.dbOptions(log),
		db:   newStorage(dbPath),
	}
	keyPath := cfg.SessionKeys
	if keyPath == "" {
		keyPath = dbPath + ".sessions.json"
	}
	srv.sessions = &sessionStorage{
		keyPath:     keyPath,
		keyRotation: cfg.KeyRotation,
		expiry:      cfg.SessionExpiry,
	}
	if srv.sessions.expiry == 0 {
		srv.sessions.expiry = defaultSessionExpiry
	}
	if srv.sessions.keyRotation == 0 {
		srv.sessions.keyRotation = defaultKeyRotation
	}
	srv.initHandlers()
	return srv
}

func (srv *server) getRand() io.Reader {
	if srv.rand == nil {
		return rand.Reader
	}
	return srv.rand
}

func (srv *server) maxRequestSize() int64 {
	if srv.cfg.MaxRequestSize <= 0 {
		return defaultMaxRequestSize
	}
	return srv.cfg.MaxRequestSize
}

func (srv *server) handle(f func(http.ResponseWriter, *http.Request) error) appHandler {
	return appHandler{srv: srv, f: f}
}

func (srv *server) handleSession(f func(http.ResponseWriter, *http.Request) error) appHandler {
	return appHandler{srv: srv, f: f, needSession: true}
}

func (srv *server) initHandlers() {
	r := mux.NewRouter()
	r.Handle("/_/xsrf", srv.handle(srv.handleXSRF)).Methods("GET")
	r.Handle("/_/unlock", srv.handle(srv.handleUnlock)).Methods("POST")
	r.Handle("/_/pwgen", srv.handle(srv.handlePwgen)).Methods("GET")
	r.Handle("/api/groups", srv.handleSession(srv.handleGroups)).Methods("GET")
	r.Handle("/api/entries/{uuid}", srv.handleSession(srv.handleEntry)).Name("entry").Methods("GET")
	r.Handle("/api/search", srv.handleSession(srv.handleSearch)).Methods("GET")
	r.Handle("/api/raw", srv.handleSession(srv.handleRaw)).Methods("GET")
	r.Handle("/api/raw", srv.handleSession(srv.handlePutRaw)).Methods("PUT")
	r.NotFoundHandler = srv.handle(func(http.ResponseWriter, *http.Request) error {
		return notFoundError{}
	})
	srv.router = r
}

// ServeHTTP dispatches the request to the router.
func (srv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

func (srv *server) handleXSRF(w http.ResponseWriter, r *http.Request) error {
	tok, err := xsrfToken(w, r, srv.getRand())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = io.WriteString(w, tok)
	return err
}

func (srv *server) handleUnlock(w http.ResponseWriter, r *http.Request) error {
	data, err := readCredentials(r)
	if err != nil {
		return err
	}
	creds, err := data.credentials()
	if err != nil {
		return err
	}
	srv.mu.Lock()
	_, err = srv.load(r.Context(), creds)
	srv.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := srv.sessions.new(w, data); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readCredentials gets credentials from a request.
func readCredentials(req *http.Request) (sessionData, error) {
	data := sessionData{Password: []byte(req.FormValue("password"))}
	kf, _, err := req.FormFile("keyfile")
	if err == http.ErrMissingFile || err == http.ErrNotMultipart {
		return data, nil
	} else if err != nil {
		return data, err
	}
	defer kf.Close()
	data.Keyfile, err = io.ReadAll(kf)
	if err != nil {
		return data, err
	}
	return data, nil
}

// load decrypts the database file.  The caller must hold srv.mu.
func (srv *server) load(ctx context.Context, creds *credentials.Set) (*kdbx.Database, error) {
	if !srv.db.exists() {
		return nil, errNoDatabase
	}
	data, err := srv.db.read()
	if err != nil {
		return nil, err
	}
	return kdbx.Load(ctx, data, creds, srv.opts)
}

// open decrypts the database with the request's session credentials.
// The caller must hold srv.mu.
func (srv *server) open(r *http.Request) (*kdbx.Database, *credentials.Set, error) {
	s := requestSession(r)
	if s == nil {
		return nil, nil, errInvalidSession
	}
	creds, err := s.Data.credentials()
	if err != nil {
		return nil, nil, err
	}
	db, err := srv.load(r.Context(), creds)
	if err != nil {
		return nil, nil, err
	}
	return db, creds, nil
}

// view opens the database and builds its group view.
func (srv *server) view(r *http.Request) (*keepass.Database, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	db, _, err := srv.open(r)
	if err != nil {
		return nil, err
	}
	return keepass.FromDocument(db.Raw(), nil)
}

type groupJSON struct {
	UUID    string         `json:"uuid"`
	Name    string         `json:"name"`
	Notes   string         `json:"notes,omitempty"`
	Groups  []*groupJSON   `json:"groups,omitempty"`
	Entries []entrySummary `json:"entries,omitempty"`
}

type entrySummary struct {
	UUID     string `json:"uuid"`
	Title    string `json:"title"`
	UserName string `json:"username,omitempty"`
	URL      string `json:"url,omitempty"`
}

func summarize(e *keepass.Entry) entrySummary {
	return entrySummary{
		UUID:     e.UUID.String(),
		Title:    e.Title(),
		UserName: e.UserName(),
		URL:      e.URL(),
	}
}

// groupTree converts the groups under root to their JSON form.
func groupTree(root *keepass.Group) *groupJSON {
	type item struct {
		g   *keepass.Group
		out *groupJSON
	}
	top := new(groupJSON)
	stk := []item{{root, top}}
	for len(stk) > 0 {
		it := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		it.out.UUID = it.g.UUID.String()
		it.out.Name = it.g.Name
		it.out.Notes = it.g.Notes
		for _, e := range it.g.Entries() {
			it.out.Entries = append(it.out.Entries, summarize(e))
		}
		for _, sub := range it.g.Groups() {
			out := new(groupJSON)
			it.out.Groups = append(it.out.Groups, out)
			stk = append(stk, item{sub, out})
		}
	}
	return top
}

func (srv *server) handleGroups(w http.ResponseWriter, r *http.Request) error {
	v, err := srv.view(r)
	if err != nil {
		return err
	}
	return writeJSON(w, struct {
		Name string     `json:"name"`
		Root *groupJSON `json:"root"`
	}{
		Name: v.Meta.DatabaseName,
		Root: groupTree(v.Root()),
	})
}

type entryJSON struct {
	entrySummary
	Group     string            `json:"group"`
	Notes     string            `json:"notes,omitempty"`
	Strings   map[string]string `json:"strings"`
	Protected []string          `json:"protected,omitempty"`
	Expires   *time.Time        `json:"expires,omitempty"`
	Modified  time.Time         `json:"modified"`
	History   int               `json:"history"`
}

func (srv *server) handleEntry(w http.ResponseWriter, r *http.Request) error {
	id, err := parseEntryID(mux.Vars(r)["uuid"])
	if err != nil {
		return notFoundError{}
	}
	v, err := srv.view(r)
	if err != nil {
		return err
	}
	e := v.Find(id)
	if e == nil {
		return notFoundError{}
	}
	out := entryJSON{
		entrySummary: summarize(e),
		Group:        strings.Join(e.Parent().Path(), "/"),
		Notes:        e.Notes(),
		Strings:      e.Strings,
		Modified:     e.LastModificationTime,
		History:      len(e.History),
	}
	for k := range e.Protected {
		out.Protected = append(out.Protected, k)
	}
	sort.Strings(out.Protected)
	if e.Expires() {
		t := e.ExpiryTime
		out.Expires = &t
	}
	return writeJSON(w, out)
}

func (srv *server) handleSearch(w http.ResponseWriter, r *http.Request) error {
	v, err := srv.view(r)
	if err != nil {
		return err
	}
	var data struct {
		Query   string         `json:"query"`
		Results []entrySummary `json:"results"`
	}
	data.Query = r.FormValue("q")
	data.Results = []entrySummary{}
	if pq := parseQuery(data.Query); pq == nil {
		data.Query = ""
	} else {
		for _, e := range search(v, pq) {
			data.Results = append(data.Results, summarize(e))
		}
	}
	return writeJSON(w, data)
}

func (srv *server) handleRaw(w http.ResponseWriter, r *http.Request) error {
	srv.mu.Lock()
	db, _, err := srv.open(r)
	srv.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := encodeDocument(db.Raw())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, err = w.Write(data)
	return err
}

// encodeDocument encodes doc in memory, so nothing is written when a
// value cannot be represented in XML.
func encodeDocument(doc *kdbx.Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		if kdbx.KindOf(err) == kdbx.FormatError {
			return nil, userError{msg: "a protected value holds binary data that XML cannot show", code: http.StatusUnprocessableEntity, err: err}
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// handlePutRaw replaces the document with the request body and writes
// the database with fresh seeds.
func (srv *server) handlePutRaw(w http.ResponseWriter, r *http.Request) error {
	doc, err := kdbx.ParseDocument(r.Body)
	if err != nil {
		return err
	}
	if _, err := keepass.FromDocument(doc, nil); err != nil {
		return userError{msg: "document has no root group", err: err}
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	db, creds, err := srv.open(r)
	if err != nil {
		return err
	}
	if err := db.SetRaw(doc); err != nil {
		return err
	}
	if err := db.Reseed(); err != nil {
		return err
	}
	data, err := db.Save(r.Context(), creds)
	if err != nil {
		return err
	}
	if err := srv.db.write(data); err != nil {
		return err
	}
	srv.log.WithFields(logrus.Fields{"path": srv.db.path, "bytes": len(data)}).Info("wrote database")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve db",
		Short: "Serve the database over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := newServer(args[0], a.cfg, a.log)
			if !srv.db.exists() {
				return errors.Errorf("%s does not exist; use kdbx create", args[0])
			}
			hs := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			ln, err := net.Listen("tcp", hs.Addr)
			if err != nil {
				return err
			}
			a.log.WithField("addr", ln.Addr().String()).Info("listening")
			return serveUntilDone(cmd.Context(), hs, ln)
		},
	}
	f := cmd.Flags()
	f.String("listen", defaultListen, "address to listen on")
	f.Duration("session-expiry", defaultSessionExpiry, "length of time that a session is valid")
	f.Duration("key-rotation", defaultKeyRotation, "how often the session sealing key is replaced")
	f.String("session-keys", "", "path of the session key file (default: db path + .sessions.json)")
	f.Int64("max-request-size", defaultMaxRequestSize, "number of bytes to limit requests to")
	f.String("words-file", defaultWordsFile, "file with words, one per line, for passphrases")
	return cmd
}

// serveUntilDone serves on ln until ctx is done, then shuts hs down.
// The shutdown goroutine has exited when it returns.
func serveUntilDone(ctx context.Context, hs *http.Server, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		hs.Shutdown(shutdownCtx)
	}()
	err := hs.Serve(ln)
	cancel()
	<-done
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

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
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	upperLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
	digits       = "0123456789"
	symbols      = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

const (
	defaultWordsFile   = "/usr/share/dict/words"
	defaultPhraseWords = 6
)

// charsetOptions selects the character classes of a generated password.
type charsetOptions struct {
	upper, lower, digits, symbols bool
}

var defaultCharset = charsetOptions{upper: true, lower: true, digits: true}

func (c charsetOptions) chars() []byte {
	set := make([]byte, 0, len(upperLetters)+len(lowerLetters)+len(digits)+len(symbols))
	if c.upper {
		set = append(set, upperLetters...)
	}
	if c.lower {
		set = append(set, lowerLetters...)
	}
	if c.digits {
		set = append(set, digits...)
	}
	if c.symbols {
		set = append(set, symbols...)
	}
	return set
}

// passwordCharset reads the character classes from a form.  Each class
// is toggled by a field set to "0" or "1"; absent fields keep the default.
func passwordCharset(form url.Values) charsetOptions {
	c := defaultCharset
	toggle := func(name string, b *bool) {
		switch form.Get(name) {
		case "0":
			*b = false
		case "1":
			*b = true
		}
	}
	toggle("upper", &c.upper)
	toggle("lower", &c.lower)
	toggle("digits", &c.digits)
	toggle("symbols", &c.symbols)
	return c
}

var errEmptyCharset = errors.New("no characters to choose from")

func generatePasswordFromSet(r io.Reader, n int, set []byte) (string, error) {
	if len(set) == 0 {
		return "", errEmptyCharset
	}
	pw := make([]byte, n)
	for i := range pw {
		j, err := randInt(r, len(set))
		if err != nil {
			return "", err
		}
		pw[i] = set[j]
	}
	return string(pw), nil
}

func generatePassphrase(r io.Reader, wl *wordList, numWords int, includePossessives bool) (string, error) {
	max := len(wl.words)
	if includePossessives {
		max += len(wl.possessives)
	}
	if max == 0 {
		return "", errors.New("word list is empty")
	}
	var buf bytes.Buffer
	for i := 0; i < numWords; i++ {
		w, err := randInt(r, max)
		if err != nil {
			return "", err
		}
		if i > 0 {
			buf.WriteByte(' ')
		}
		if w < len(wl.words) {
			buf.WriteString(wl.words[w])
		} else {
			buf.WriteString(wl.possessives[w-len(wl.words)])
		}
	}
	return buf.String(), nil
}

type wordList struct {
	once        sync.Once
	words       []string
	possessives []string
	err         error
}

// wordLists caches word lists by path.
var wordLists struct {
	mu sync.Mutex
	m  map[string]*wordList
}

// loadWordList reads a file with one word per line.  Each file is read
// at most once per process.
func loadWordList(path string) (*wordList, error) {
	if path == "" {
		path = defaultWordsFile
	}
	wordLists.mu.Lock()
	if wordLists.m == nil {
		wordLists.m = make(map[string]*wordList)
	}
	wl := wordLists.m[path]
	if wl == nil {
		wl = new(wordList)
		wordLists.m[path] = wl
	}
	wordLists.mu.Unlock()

	wl.once.Do(func() {
		wf, err := os.Open(path)
		if err != nil {
			wl.err = err
			return
		}
		defer wf.Close()
		wl.err = wl.parse(wf)
	})
	return wl, wl.err
}

func (wl *wordList) parse(r io.Reader) error {
	ws := bufio.NewScanner(r)
	for ws.Scan() {
		w := strings.TrimSpace(ws.Text())
		if w == "" {
			continue
		}
		if !strings.HasSuffix(w, "'s") {
			wl.words = append(wl.words, w)
		} else {
			wl.possessives = append(wl.possessives, w)
		}
	}
	return ws.Err()
}

func randInt(r io.Reader, n int) (int, error) {
	max := big.NewInt(int64(n))
	i, err := rand.Int(r, max)
	if err != nil {
		return 0, err
	}
	return int(i.Int64()), nil
}

// handlePwgen generates a password or passphrase.
func (srv *server) handlePwgen(w http.ResponseWriter, r *http.Request) error {
	n, err := strconv.ParseUint(r.FormValue("n"), 10, 0)
	if err != nil {
		http.Error(w, "n must be an integer", http.StatusBadRequest)
		return nil
	}
	var password string
	switch r.FormValue("mode") {
	case "":
		if n < 1 || n > 200 {
			http.Error(w, "n must be an integer 1-200", http.StatusBadRequest)
			return nil
		}
		set := passwordCharset(r.Form).chars()
		if len(set) == 0 {
			http.Error(w, "at least one character class must be enabled", http.StatusBadRequest)
			return nil
		}
		password, err = generatePasswordFromSet(srv.getRand(), int(n), set)
		if err != nil {
			return err
		}
	case "phrase":
		if n < 1 || n > 50 {
			http.Error(w, "n must be an integer 1-50", http.StatusBadRequest)
			return nil
		}
		wl, err := loadWordList(srv.cfg.WordsFile)
		if err != nil {
			return err
		}
		possessives := r.FormValue("possessives") != ""
		password, err = generatePassphrase(srv.getRand(), wl, int(n), possessives)
		if err != nil {
			return err
		}
	default:
		http.Error(w, "mode must be \"phrase\" or empty", http.StatusBadRequest)
		return nil
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(password)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, err = io.WriteString(w, password)
	return err
}

func (a *app) pwgenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pwgen",
		Short: "Generate a password or passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			var err error
			if a.cfg.Phrase {
				n := a.cfg.Length
				if !cmd.Flags().Changed("length") {
					n = defaultPhraseWords
				}
				if n > 50 {
					return errors.Wrap(errUsage, "a passphrase has at most 50 words")
				}
				wl, err := loadWordList(a.cfg.WordsFile)
				if err != nil {
					return err
				}
				password, err = generatePassphrase(rand.Reader, wl, n, a.cfg.Possessives)
				if err != nil {
					return err
				}
			} else {
				c := defaultCharset
				c.symbols, _ = cmd.Flags().GetBool("symbols")
				password, err = generatePasswordFromSet(rand.Reader, a.cfg.Length, c.chars())
				if err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), password)
			return err
		},
	}
	f := cmd.Flags()
	f.IntP("length", "n", 20, "number of characters, or words with --phrase")
	f.Bool("phrase", false, "generate a passphrase from a word list")
	f.Bool("possessives", false, "allow possessive words in passphrases")
	f.Bool("symbols", false, "include punctuation")
	f.String("words-file", defaultWordsFile, "file with words, one per line")
	return cmd
}

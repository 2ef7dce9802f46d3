// Copyright 2016 Ross Light
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
	"unicode"

	"golang.org/x/text/language"
	textsearch "golang.org/x/text/search"

	"zombiezen.com/go/kdbx/pkg/keepass"
)

// search returns the entries whose title, user name or URL match q, in
// document order.  Entries in the recycle bin are skipped.
func search(db *keepass.Database, q *parsedQuery) []*keepass.Entry {
	var results []*keepass.Entry
	for _, e := range db.Entries() {
		if db.InRecycleBin(e) {
			continue
		}
		if q.matchesEntry(e) {
			results = append(results, e)
		}
	}
	return results
}

type parsedQuery struct {
	pats []*textsearch.Pattern
}

func parseQuery(query string) *parsedQuery {
	if len(query) == 0 {
		return nil
	}
	var words []string
	start := -1
	for i, r := range query {
		space := unicode.IsSpace(r)
		if space && start != -1 {
			words = append(words, query[start:i])
			start = -1
		} else if !space && start == -1 {
			start = i
		}
	}
	if start != -1 {
		words = append(words, query[start:])
	}
	if len(words) == 0 {
		return nil
	}
	m := textsearch.New(language.Und, textsearch.Loose)
	pq := &parsedQuery{pats: make([]*textsearch.Pattern, len(words))}
	for i := range words {
		pq.pats[i] = m.CompileString(words[i])
	}
	return pq
}

// matchesEntry reports whether every word of the query appears in one of
// the entry's searchable fields.
func (pq *parsedQuery) matchesEntry(e *keepass.Entry) bool {
	if pq == nil || len(pq.pats) == 0 {
		return false
	}
	fields := [...]string{e.Title(), e.UserName(), e.URL()}
	for _, pat := range pq.pats {
		found := false
		for _, f := range fields {
			if start, _ := pat.IndexString(f); start != -1 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

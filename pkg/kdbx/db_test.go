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
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"
	"zombiezen.com/go/kdbx/pkg/credentials"
	"zombiezen.com/go/kdbx/pkg/fakerand"
	"zombiezen.com/go/kdbx/pkg/kdbcrypt"
)

// sanitizeOptions returns a copy of opts that has defaults suitable for testing.
func sanitizeOptions(opts *Options) *Options {
	o := new(Options)
	if opts != nil {
		*o = *opts
	}
	if o.Rand == nil {
		o.Rand = fakerand.New()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	if o.KeyRounds == 0 {
		o.KeyRounds = 100
	}
	return o
}

func testFile(t *testing.T, name string) []byte {
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func passwordCreds(t *testing.T, pw string) *credentials.Set {
	s, err := credentials.NewSet(credentials.NewPassword(pw))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func keyfileCreds(t *testing.T) *credentials.Set {
	k, err := credentials.ParseKeyfile(testFile(t, "keyfile.key"))
	if err != nil {
		t.Fatal("ParseKeyfile:", err)
	}
	if k.Kind() != credentials.XMLKeyfile {
		t.Fatalf("keyfile.key kind = %v; want XML", k.Kind())
	}
	// Added before the password to check that priority decides the order.
	s, err := credentials.NewSet(k, credentials.NewPassword("nebuchadnezzar"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// stringValues returns the String values of every entry, including
// history entries, in document order.
func stringValues(doc *Document) map[string][]string {
	m := make(map[string][]string)
	doc.Walk(func(n *Node) error {
		if n.Name == "String" {
			k := n.ChildText("Key")
			m[k] = append(m[k], n.ChildText("Value"))
		}
		return nil
	})
	return m
}

func TestLoad(t *testing.T) {
	tests := []struct {
		file       string
		creds      func(*testing.T) *credentials.Set
		compressed bool
	}{
		{"password.kdbx", func(t *testing.T) *credentials.Set { return passwordCreds(t, "nebuchadnezzar") }, true},
		{"keyfile.kdbx", keyfileCreds, false},
	}
	for _, test := range tests {
		data := testFile(t, test.file)
		db, err := Load(context.Background(), data, test.creds(t), sanitizeOptions(nil))
		if err != nil {
			t.Errorf("Load(%q): %v", test.file, err)
			continue
		}
		if db.Version() != Version31 {
			t.Errorf("%s: Version() = %#x; want %#x", test.file, db.Version(), Version31)
		}
		if db.HeaderLen() != 210 {
			t.Errorf("%s: HeaderLen() = %d; want 210", test.file, db.HeaderLen())
		}
		c, _ := compression(db.Header())
		if (c == GzipCompression) != test.compressed {
			t.Errorf("%s: compression = %d; want compressed = %t", test.file, c, test.compressed)
		}
		doc := db.Raw()
		if got := doc.Root.Child("Meta").ChildText("DatabaseName"); got != "Nebuchadnezzar" {
			t.Errorf("%s: DatabaseName = %q; want \"Nebuchadnezzar\"", test.file, got)
		}
		vals := stringValues(doc)
		want := map[string][]string{
			"Title":    {"Zion Mainframe", "Zion Mainframe", "Operator Console"},
			"UserName": {"neo", "anderson", "tank"},
			"Password": {"TheOneWhoIsNeo!", "mr.anderson", "THE MATRIX"},
			"URL":      {"https://zion.example.com/", ""},
			"Notes":    {"There is no spoon & never was."},
			"PIN":      {"1999"},
		}
		if diff := deep.Equal(vals, want); diff != nil {
			t.Errorf("%s: string values differ: %v", test.file, diff)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	data := testFile(t, "password.kdbx")
	creds := passwordCreds(t, "nebuchadnezzar")
	db, err := Load(ctx, data, creds, sanitizeOptions(nil))
	if err != nil {
		t.Fatal("Load:", err)
	}
	out, err := db.Save(ctx, creds)
	if err != nil {
		t.Fatal("Save:", err)
	}
	if !bytes.Equal(out[:prefixSize+210], data[:prefixSize+210]) {
		t.Errorf("saved signature and header differ from the original")
	}
	db2, err := Load(ctx, out, creds, sanitizeOptions(nil))
	if err != nil {
		t.Fatal("Load(Save(...)):", err)
	}
	if diff := deep.Equal(db2.Raw(), db.Raw()); diff != nil {
		t.Errorf("Load(Save(Load(file))) document differs: %v", diff)
	}
}

func TestLoad_WrongCredentials(t *testing.T) {
	tests := []struct {
		file  string
		creds *credentials.Set
	}{
		{"password.kdbx", passwordCreds(t, "swordfish")},
		{"password.kdbx", keyfileCreds(t)},
		{"keyfile.kdbx", passwordCreds(t, "nebuchadnezzar")},
	}
	for _, test := range tests {
		db, err := Load(context.Background(), testFile(t, test.file), test.creds, sanitizeOptions(nil))
		if err == nil {
			t.Errorf("Load(%q, wrong credentials) = %v, <nil>; want error", test.file, db)
			continue
		}
		if !IsAuthFailure(err) {
			t.Errorf("Load(%q, wrong credentials) error = %v (kind %v); want integrity or decryption error", test.file, err, KindOf(err))
		}
	}
}

func TestLoad_Corrupt(t *testing.T) {
	good := testFile(t, "password.kdbx")
	payload := prefixSize + 210
	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}
	tests := []struct {
		name string
		data []byte
		kind Kind
	}{
		{"empty", nil, FormatError},
		{"short", good[:6], FormatError},
		{"signature", mutate(func(b []byte) []byte { b[0] ^= 1; return b }), FormatError},
		{"version signature", mutate(func(b []byte) []byte { b[4] = 0x65; return b }), FormatError},
		{"truncated header", good[:payload-3], FormatError},
		{"unaligned payload", good[:len(good)-1], CryptoError},
		{"no payload", good[:payload], CryptoError},
		{"block data", mutate(func(b []byte) []byte { b[payload+100] ^= 0x80; return b }), IntegrityError},
		{"start bytes", mutate(func(b []byte) []byte { b[payload] ^= 0x80; return b }), IntegrityError},
		{"unknown cipher", mutate(func(b []byte) []byte { b[prefixSize+3] ^= 1; return b }), FormatError},
		{"compression flags", mutate(func(b []byte) []byte { b[prefixSize+19+3] = 7; return b }), FormatError},
	}
	creds := passwordCreds(t, "nebuchadnezzar")
	for _, test := range tests {
		_, err := Load(context.Background(), test.data, creds, sanitizeOptions(nil))
		if KindOf(err) != test.kind {
			t.Errorf("%s: Load error = %v (kind %v); want kind %v", test.name, err, KindOf(err), test.kind)
		}
	}
}

func TestLoad_Arguments(t *testing.T) {
	data := testFile(t, "password.kdbx")
	if _, err := Load(context.Background(), data, nil, sanitizeOptions(nil)); !errors.Is(err, ErrArgument) {
		t.Errorf("Load(nil credentials) error = %v; want argument error", err)
	}
	if _, err := Load(context.Background(), data, new(credentials.Set), sanitizeOptions(nil)); !errors.Is(err, ErrArgument) {
		t.Errorf("Load(empty credentials) error = %v; want argument error", err)
	}
}

func TestLoad_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, testFile(t, "password.kdbx"), passwordCreds(t, "nebuchadnezzar"), sanitizeOptions(nil))
	if KindOf(err) != Canceled || !errors.Is(err, context.Canceled) {
		t.Errorf("Load(canceled) error = %v; want context.Canceled", err)
	}
}

func TestOpen(t *testing.T) {
	f, err := os.Open(filepath.Join("testdata", "password.kdbx"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	db, err := Open(context.Background(), f, passwordCreds(t, "nebuchadnezzar"), sanitizeOptions(&Options{Transformer: kdbcrypt.Software}))
	if err != nil {
		t.Fatal("Open:", err)
	}
	if db.Raw().Root.Name != "KeePassFile" {
		t.Errorf("root element = %q; want KeePassFile", db.Raw().Root.Name)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
	}{
		{"defaults", nil},
		{"twofish", &Options{Cipher: kdbcrypt.Twofish}},
		{"uncompressed", &Options{NoCompression: true, KeyRounds: 1}},
	}
	ctx := context.Background()
	for _, test := range tests {
		opts := sanitizeOptions(test.opts)
		db, err := New(opts)
		if err != nil {
			t.Errorf("%s: New: %v", test.name, err)
			continue
		}
		if rounds, _ := db.Header().Uint64(TransformRounds); rounds != opts.KeyRounds {
			t.Errorf("%s: TransformRounds = %d; want %d", test.name, rounds, opts.KeyRounds)
		}
		doc := db.Raw()
		doc.Root.Child("Root").Child("Group").Child("Name").Text = "Zion"
		pw := NewNode("Value", "swordfish")
		pw.SetAttr("Protected", "True")
		doc.Root.Child("Root").Child("Group").Children = append(doc.Root.Child("Root").Child("Group").Children,
			NewNode("Entry", "", NewNode("String", "", NewNode("Key", "Password"), pw)))
		if err := db.SetRaw(doc); err != nil {
			t.Fatalf("%s: SetRaw: %v", test.name, err)
		}

		var buf bytes.Buffer
		creds := passwordCreds(t, "zion")
		if err := db.Write(ctx, &buf, creds); err != nil {
			t.Errorf("%s: Write: %v", test.name, err)
			continue
		}
		db2, err := Load(ctx, buf.Bytes(), creds, opts)
		if err != nil {
			t.Errorf("%s: Load(Write(New)): %v", test.name, err)
			continue
		}
		if diff := deep.Equal(db2.Raw(), doc); diff != nil {
			t.Errorf("%s: document after round trip differs: %v", test.name, diff)
		}
		if bytes.Contains(buf.Bytes(), []byte("swordfish")) {
			t.Errorf("%s: protected value appears in the file", test.name)
		}
	}
}

func TestDatabase_Reseed(t *testing.T) {
	db, err := New(sanitizeOptions(nil))
	if err != nil {
		t.Fatal("New:", err)
	}
	before := db.Header().Clone()
	if err := db.Reseed(); err != nil {
		t.Fatal("Reseed:", err)
	}
	for _, id := range []FieldID{MasterSeed, TransformSeed, EncryptionIV, ProtectedStreamKey, StreamStartBytes} {
		old, _ := before.GetRaw(id)
		cur, _ := db.Header().GetRaw(id)
		if bytes.Equal(old, cur) {
			t.Errorf("%s unchanged after Reseed", db.Header().Name(id))
		}
	}
	cid, _ := before.GetRaw(CipherID)
	if cur, _ := db.Header().GetRaw(CipherID); !bytes.Equal(cid, cur) {
		t.Error("CipherID changed after Reseed")
	}
}

func TestDatabase_RawIsCopy(t *testing.T) {
	db, err := New(sanitizeOptions(nil))
	if err != nil {
		t.Fatal("New:", err)
	}
	doc := db.Raw()
	doc.Root.Name = "Changed"
	if db.Raw().Root.Name != "KeePassFile" {
		t.Error("modifying Raw() result changed the database")
	}
	if err := db.SetRaw(nil); KindOf(err) != ArgumentError {
		t.Errorf("SetRaw(nil) error = %v; want argument error", err)
	}
	if err := db.SetRaw(&Document{}); KindOf(err) != ArgumentError {
		t.Errorf("SetRaw(empty) error = %v; want argument error", err)
	}
}

func TestSave_BinaryProtectedValue(t *testing.T) {
	ctx := context.Background()
	creds := passwordCreds(t, "nebuchadnezzar")
	db, err := Load(ctx, testFile(t, "password.kdbx"), creds, sanitizeOptions(nil))
	if err != nil {
		t.Fatal("Load:", err)
	}
	const binary = "\x00\xff\x01red pill"
	doc := db.Raw()
	var set bool
	doc.Walk(func(n *Node) error {
		if !set && n.Name == "String" && n.ChildText("Key") == "Password" {
			n.Child("Value").Text = binary
			set = true
		}
		return nil
	})
	if !set {
		t.Fatal("no Password string in fixture")
	}
	if err := db.SetRaw(doc); err != nil {
		t.Fatal("SetRaw:", err)
	}
	if err := db.Raw().Encode(io.Discard); KindOf(err) != FormatError {
		t.Errorf("Raw().Encode with binary protected value error = %v; want format error", err)
	}
	out, err := db.Save(ctx, creds)
	if err != nil {
		t.Fatal("Save:", err)
	}
	db2, err := Load(ctx, out, creds, sanitizeOptions(nil))
	if err != nil {
		t.Fatal("Load(Save(...)):", err)
	}
	if got := stringValues(db2.Raw())["Password"][0]; got != binary {
		t.Errorf("Password after round trip = %q; want %q", got, binary)
	}
}

func TestSave_MissingField(t *testing.T) {
	db, err := New(sanitizeOptions(nil))
	if err != nil {
		t.Fatal("New:", err)
	}
	db.Header().Unset(StreamStartBytes)
	var buf bytes.Buffer
	err = db.Write(context.Background(), &buf, passwordCreds(t, "zion"))
	if KindOf(err) != FormatError {
		t.Errorf("Write without StreamStartBytes error = %v; want format error", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Write wrote %d bytes after failing", buf.Len())
	}
}

func TestReadHeader(t *testing.T) {
	h, version, err := ReadHeader(bytes.NewReader(testFile(t, "keyfile.kdbx")))
	if err != nil {
		t.Fatal("ReadHeader:", err)
	}
	if version != Version31 {
		t.Errorf("version = %#x; want %#x", version, Version31)
	}
	want := []FieldID{CipherID, CompressionFlags, MasterSeed, TransformSeed, TransformRounds, EncryptionIV, ProtectedStreamKey, StreamStartBytes, InnerRandomStreamID}
	if diff := deep.Equal(h.Fields(), want); diff != nil {
		t.Errorf("h.Fields() differs: %v", diff)
	}
	if rounds, err := h.Uint64(TransformRounds); rounds != 64 || err != nil {
		t.Errorf("TransformRounds = %d, %v; want 64, <nil>", rounds, err)
	}
}

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

// Package kdbx reads and writes the KeePass 2 database format (KDBX 3.1).
//
// A database file is laid out as
//
//	signature1 uint32  0x9AA2D903
//	signature2 uint32  0xB54BFB67
//	version    uint32
//	header     fields of [id uint8][length uint16][value], ending with id 0
//	payload    CBC ciphertext of StreamStartBytes followed by the hashed
//	           block stream of the (optionally gzipped) XML document
//
// All integers are little-endian.  Values in the document marked
// Protected="True" are additionally masked with a Salsa20 key stream.
package kdbx // import "zombiezen.com/go/kdbx/pkg/kdbx"

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"zombiezen.com/go/kdbx/pkg/credentials"
	"zombiezen.com/go/kdbx/pkg/hashedblock"
	"zombiezen.com/go/kdbx/pkg/kdbcrypt"
	"zombiezen.com/go/kdbx/pkg/padding"
	"zombiezen.com/go/kdbx/pkg/uuids"
)

// File signatures and the version written by New.
const (
	Signature1 uint32 = 0x9aa2d903
	Signature2 uint32 = 0xb54bfb67

	Version31 uint32 = 0x00030001
)

// prefixSize is the number of bytes before the header fields.
const prefixSize = 12

// Compression is the value of the CompressionFlags field.
type Compression uint32

// Compression algorithms
const (
	NoCompression   Compression = 0
	GzipCompression Compression = 1
)

// Seed sizes used by Reseed.
const (
	masterSeedSize    = 32
	streamKeySize     = 32
	startBytesSize    = 32
	transformSeedSize = 32
)

// requiredFields must be set before deriving a key.
var requiredFields = []FieldID{
	CipherID,
	CompressionFlags,
	MasterSeed,
	TransformSeed,
	TransformRounds,
	EncryptionIV,
	ProtectedStreamKey,
	StreamStartBytes,
}

// A Database is a decrypted KDBX file.  Its methods must not be called
// concurrently with each other.
type Database struct {
	header  *Header
	version uint32
	doc     *Document

	rand        io.Reader
	log         *logrus.Logger
	transformer kdbcrypt.Transformer
}

func newDatabase(h *Header, version uint32, doc *Document, opts *Options) *Database {
	return &Database{
		header:      h,
		version:     version,
		doc:         doc,
		rand:        opts.getRand(),
		log:         opts.getLogger(),
		transformer: opts.getTransformer(),
	}
}

// New creates a new database with fresh seeds and a document holding
// only an empty root group.
func New(opts *Options) (*Database, error) {
	c := opts.getCipher()
	cid := c.ID()
	if _, err := kdbcrypt.CipherByID(cid); err != nil {
		return nil, newError(ArgumentError, "new database", errors.Wrapf(err, "cipher %d", int(c)))
	}
	h := NewHeader()
	h.Set(CipherID, cid[:])
	h.SetUint32(CompressionFlags, uint32(opts.getCompression()))
	h.SetUint64(TransformRounds, opts.getKeyRounds())
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], Salsa20InnerStream)
	h.Set(InnerRandomStreamID, id[:])
	db := newDatabase(h, Version31, nil, opts)
	if err := db.Reseed(); err != nil {
		return nil, err
	}
	groupID, err := uuids.New4(db.rand)
	if err != nil {
		return nil, newError(IOError, "new database", err)
	}
	db.doc = newDocument(groupID, time.Now())
	return db, nil
}

func newDocument(rootID uuids.UUID, now time.Time) *Document {
	ts := now.UTC().Format(time.RFC3339)
	times := NewNode("Times", "",
		NewNode("LastModificationTime", ts),
		NewNode("CreationTime", ts),
		NewNode("LastAccessTime", ts),
		NewNode("ExpiryTime", ts),
		NewNode("Expires", "False"),
		NewNode("UsageCount", "0"),
		NewNode("LocationChanged", ts),
	)
	return &Document{Root: NewNode("KeePassFile", "",
		NewNode("Meta", "",
			NewNode("Generator", "kdbx"),
			NewNode("DatabaseName", ""),
			NewNode("DatabaseNameChanged", ts),
			NewNode("DatabaseDescription", ""),
			NewNode("DefaultUserName", ""),
			NewNode("RecycleBinEnabled", "False"),
		),
		NewNode("Root", "",
			NewNode("Group", "",
				NewNode("UUID", rootID.Base64()),
				NewNode("Name", "Root"),
				NewNode("Notes", ""),
				NewNode("IconID", "49"),
				times,
				NewNode("IsExpanded", "True"),
			),
		),
	)}
}

// Reseed replaces the master seed, transform seed, encryption IV,
// protected stream key and stream start bytes with random values.
func (db *Database) Reseed() error {
	fields := []struct {
		id   FieldID
		size int
	}{
		{MasterSeed, masterSeedSize},
		{TransformSeed, transformSeedSize},
		{EncryptionIV, kdbcrypt.BlockSize},
		{ProtectedStreamKey, streamKeySize},
		{StreamStartBytes, startBytesSize},
	}
	r := reader{r: db.rand}
	vals := make([][]byte, len(fields))
	for i, f := range fields {
		vals[i] = make([]byte, f.size)
		r.readFull(vals[i])
	}
	if r.err != nil {
		return newError(IOError, "reseed", r.err)
	}
	for i, f := range fields {
		db.header.Set(f.id, vals[i])
	}
	return nil
}

// SetTransformRounds sets the number of key transformation rounds used
// by the next save.
func (db *Database) SetTransformRounds(n uint64) {
	db.header.SetUint64(TransformRounds, n)
}

// Header returns the database's header.  Changes to it affect
// subsequent saves.
func (db *Database) Header() *Header {
	return db.header
}

// Version returns the file version read from the file or set by New.
func (db *Database) Version() uint32 {
	return db.version
}

// HeaderLen returns the length of the header fields as last read or written.
func (db *Database) HeaderLen() int {
	return db.header.Len()
}

// Raw returns a deep copy of the document.  Protected values are in
// the clear, so a value holding bytes that XML cannot carry makes
// Encode of the copy fail.  Save masks those values before encoding.
func (db *Database) Raw() *Document {
	return db.doc.Clone()
}

// SetRaw replaces the document with a deep copy of doc.
func (db *Database) SetRaw(doc *Document) error {
	if doc == nil || doc.Root == nil {
		return newError(ArgumentError, "set document", errNilDocument)
	}
	db.doc = doc.Clone()
	return nil
}

// ReadHeader reads the signatures, version and header fields from r
// without decrypting anything.
func ReadHeader(r io.Reader) (h *Header, version uint32, err error) {
	rr := &reader{r: r}
	sig1 := rr.readUint32()
	sig2 := rr.readUint32()
	version = rr.readUint32()
	if rr.err != nil {
		if rr.err == io.EOF || rr.err == io.ErrUnexpectedEOF {
			return nil, 0, newError(FormatError, "read header", errWrongSignature)
		}
		return nil, 0, newError(IOError, "read header", rr.err)
	}
	if sig1 != Signature1 || sig2 != Signature2 {
		return nil, 0, newError(FormatError, "read header", errWrongSignature)
	}
	h = NewHeader()
	if _, err := h.ReadFrom(r); err != nil {
		return nil, 0, err
	}
	return h, version, nil
}

// Open reads and decrypts a database from r.
func Open(ctx context.Context, r io.Reader, creds *credentials.Set, opts *Options) (*Database, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, newError(IOError, "open", err)
	}
	return Load(ctx, b, creds, opts)
}

// Load decrypts a database held in memory.
func Load(ctx context.Context, b []byte, creds *credentials.Set, opts *Options) (*Database, error) {
	log := opts.getLogger()
	if err := ctx.Err(); err != nil {
		return nil, newError(Canceled, "open", err)
	}
	if creds == nil {
		return nil, newError(ArgumentError, "open", errNilCredentials)
	}
	br := bytes.NewReader(b)
	h, version, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	payload := b[prefixSize+h.Len():]
	log.WithFields(logrus.Fields{
		"stage":      "header",
		"version":    version,
		"header_len": h.Len(),
		"payload":    len(payload),
	}).Debug("kdbx: read header")

	params, err := deriveParams(ctx, h, creds, opts.getTransformer(), log)
	if err != nil {
		return nil, err
	}
	plain, err := decrypt(payload, params)
	if err != nil {
		return nil, err
	}
	ssb, _ := h.GetRaw(StreamStartBytes)
	if len(plain) < len(ssb) || !bytes.Equal(plain[:len(ssb)], ssb) {
		return nil, newError(IntegrityError, "open", errStartBytes)
	}
	data, err := hashedblock.Unframe(plain[len(ssb):])
	if err != nil {
		return nil, newError(IntegrityError, "open", errors.Wrap(err, "read blocks"))
	}
	comp, err := compression(h)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"stage":      "unframe",
		"size":       len(data),
		"compressed": comp == GzipCompression,
	}).Debug("kdbx: verified blocks")
	if comp == GzipCompression {
		if data, err = gunzip(data); err != nil {
			return nil, err
		}
	}
	doc, err := ParseDocument(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ks, err := innerStream(h)
	if err != nil {
		return nil, err
	}
	if err := unprotect(doc, ks); err != nil {
		return nil, err
	}
	log.WithField("stage", "document").Debug("kdbx: parsed document")
	return newDatabase(h, version, doc, opts), nil
}

// Write encrypts the database and writes it to w.  Nothing is written
// if any stage fails.
func (db *Database) Write(ctx context.Context, w io.Writer, creds *credentials.Set) error {
	b, err := db.Save(ctx, creds)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return newError(IOError, "write", err)
	}
	return nil
}

// Save encrypts the database and returns the file's bytes.
func (db *Database) Save(ctx context.Context, creds *credentials.Set) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(Canceled, "save", err)
	}
	if creds == nil {
		return nil, newError(ArgumentError, "save", errNilCredentials)
	}
	if db.doc == nil || db.doc.Root == nil {
		return nil, newError(ArgumentError, "save", errNilDocument)
	}
	h := db.header.Clone()
	params, err := deriveParams(ctx, h, creds, db.transformer, db.log)
	if err != nil {
		return nil, err
	}
	comp, err := compression(h)
	if err != nil {
		return nil, err
	}
	ks, err := innerStream(h)
	if err != nil {
		return nil, err
	}
	doc := db.doc.Clone()
	protect(doc, ks)

	var xmlBuf bytes.Buffer
	if err := doc.Encode(&xmlBuf); err != nil {
		return nil, err
	}
	data := xmlBuf.Bytes()
	if comp == GzipCompression {
		if data, err = compress(data); err != nil {
			return nil, err
		}
	}
	ssb, _ := h.GetRaw(StreamStartBytes)
	plain := append(append([]byte(nil), ssb...), hashedblock.Frame(data)...)

	var out bytes.Buffer
	ww := &writer{w: &out}
	ww.writeUint32(Signature1)
	ww.writeUint32(Signature2)
	ww.writeUint32(db.version)
	if _, err := h.WriteTo(&out); err != nil {
		return nil, err
	}
	enc, err := kdbcrypt.NewEncrypter(&out, params)
	if err != nil {
		return nil, newError(CryptoError, "save", err)
	}
	if _, err := enc.Write(plain); err != nil {
		return nil, newError(IOError, "save", err)
	}
	if err := enc.Close(); err != nil {
		return nil, newError(IOError, "save", err)
	}
	db.header.length = h.Len()
	db.log.WithFields(logrus.Fields{
		"stage":      "encrypt",
		"compressed": comp == GzipCompression,
		"size":       out.Len(),
	}).Debug("kdbx: encrypted database")
	return out.Bytes(), nil
}

// deriveParams checks the header and computes the payload cipher parameters.
func deriveParams(ctx context.Context, h *Header, creds *credentials.Set, t kdbcrypt.Transformer, log *logrus.Logger) (*kdbcrypt.Params, error) {
	for _, id := range requiredFields {
		if !h.Has(id) {
			return nil, newError(FormatError, "header", errors.Errorf("missing %s", h.Name(id)))
		}
	}
	rawID, _ := h.GetRaw(CipherID)
	cid, err := uuids.FromBytes(rawID)
	if err != nil {
		return nil, newError(FormatError, "header", errors.Wrap(err, "CipherID"))
	}
	c, err := kdbcrypt.CipherByID(cid)
	if err != nil {
		return nil, newError(FormatError, "header", errors.Wrapf(err, "cipher %v", cid))
	}
	seed, _ := h.GetRaw(TransformSeed)
	if len(seed) != transformSeedSize {
		return nil, newError(FormatError, "header", errors.Errorf("TransformSeed is %d bytes, want %d", len(seed), transformSeedSize))
	}
	iv, _ := h.GetRaw(EncryptionIV)
	if len(iv) != kdbcrypt.BlockSize {
		return nil, newError(FormatError, "header", errors.Errorf("EncryptionIV is %d bytes, want %d", len(iv), kdbcrypt.BlockSize))
	}
	rounds, err := h.Uint64(TransformRounds)
	if err != nil {
		return nil, err
	}
	masterSeed, _ := h.GetRaw(MasterSeed)

	composite, err := creds.Composite()
	if err != nil {
		return nil, newError(ArgumentError, "credentials", err)
	}
	var ts [32]byte
	copy(ts[:], seed)
	start := time.Now()
	key, err := kdbcrypt.BuildMasterKey(ctx, t, composite, masterSeed, &ts, rounds)
	if err != nil {
		return nil, newError(CryptoError, "derive key", err)
	}
	log.WithFields(logrus.Fields{
		"stage":    "derive",
		"rounds":   rounds,
		"cipher":   c.String(),
		"duration": time.Since(start),
	}).Debug("kdbx: derived master key")
	return &kdbcrypt.Params{Key: key, Cipher: c, IV: iv}, nil
}

func decrypt(payload []byte, params *kdbcrypt.Params) ([]byte, error) {
	if len(payload) == 0 || len(payload)%kdbcrypt.BlockSize != 0 {
		return nil, newError(CryptoError, "decrypt", errUnaligned)
	}
	d, err := kdbcrypt.NewDecrypter(bytes.NewReader(payload), params)
	if err != nil {
		return nil, newError(CryptoError, "decrypt", err)
	}
	plain, err := io.ReadAll(d)
	if err != nil {
		if err == padding.ErrWrongPadding {
			err = errors.Wrap(err, "wrong credentials or corrupt database")
		}
		return nil, newError(CryptoError, "decrypt", err)
	}
	return plain, nil
}

func compression(h *Header) (Compression, error) {
	flags, err := h.Uint32(CompressionFlags)
	if err != nil {
		return 0, err
	}
	switch c := Compression(flags); c {
	case NoCompression, GzipCompression:
		return c, nil
	default:
		return 0, newError(FormatError, "header", errors.Wrapf(errCompressionFlag, "flags %d", flags))
	}
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, newError(FormatError, "decompress", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, newError(FormatError, "decompress", err)
	}
	return out, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, newError(IOError, "compress", err)
	}
	if err := zw.Close(); err != nil {
		return nil, newError(IOError, "compress", err)
	}
	return buf.Bytes(), nil
}

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

// Package keepass provides typed views of the groups and entries in a
// decoded KDBX document.
//
// Views refer to the document's nodes directly: changes made through
// them, such as moving an entry, are applied to the document passed to
// FromDocument.  Build a new view after changing the document by other
// means.
package keepass // import "zombiezen.com/go/kdbx/pkg/keepass"

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"zombiezen.com/go/kdbx/pkg/kdbx"
	"zombiezen.com/go/kdbx/pkg/uuids"
)

// Errors
var (
	ErrNoRoot          = errors.New("keepass: document has no root group")
	ErrMoveRoot        = errors.New("keepass: cannot move the root group")
	ErrCycle           = errors.New("keepass: cannot move a group into itself")
	ErrForeignGroup    = errors.New("keepass: group belongs to another database")
	ErrHistoryReadOnly = errors.New("keepass: history entries cannot be moved")
	ErrNilParent       = errors.New("keepass: nil parent group")
)

// Standard entry string keys.
const (
	TitleKey    = "Title"
	UserNameKey = "UserName"
	PasswordKey = "Password"
	URLKey      = "URL"
	NotesKey    = "Notes"
)

// A Database is a view of a document's groups and entries.  Groups and
// entries with valid UUIDs are indexed by UUID.
type Database struct {
	Meta Meta

	doc     *kdbx.Document
	opts    *Options
	root    *Group
	groups  map[uuids.UUID]*Group
	entries map[uuids.UUID]*Entry
	order   []*Entry
	orphans []*Entry
}

// Meta holds the document's database-wide properties.
type Meta struct {
	Generator           string
	DatabaseName        string
	DatabaseDescription string
	DefaultUserName     string
	RecycleBinEnabled   bool
	RecycleBinUUID      uuids.UUID
}

// A Group is a hierarchial collection of entries.
type Group struct {
	UUID       uuids.UUID
	Name       string
	Notes      string
	IconID     int
	IsExpanded bool
	TimeInfo

	db      *Database
	node    *kdbx.Node
	parent  *Group
	groups  []*Group
	entries []*Entry
}

// An Entry stores a username and password, along with any other strings.
type Entry struct {
	UUID   uuids.UUID
	IconID int
	TimeInfo

	// Strings maps each string key to its value, including the standard
	// keys such as Title and Password.
	Strings map[string]string

	// Protected lists the string keys that are stored masked.
	Protected map[string]bool

	// History holds earlier versions of the entry, oldest first.
	History []*Entry

	db      *Database
	node    *kdbx.Node
	parent  *Group
	history bool
}

// TimeInfo holds all of the temporal data for a group or entry.
type TimeInfo struct {
	LastModificationTime time.Time
	CreationTime         time.Time
	LastAccessTime       time.Time
	ExpiryTime           time.Time
	ExpiresFlag          bool
	UsageCount           int
}

// Expires reports whether the item has an expiry.
func (ti *TimeInfo) Expires() bool {
	return ti.ExpiresFlag
}

// Expired reports whether the item expires before t.
func (ti *TimeInfo) Expired(t time.Time) bool {
	return ti.ExpiresFlag && ti.ExpiryTime.Before(t)
}

// FromDocument builds a view of doc.
func FromDocument(doc *kdbx.Document, opts *Options) (*Database, error) {
	if doc == nil || doc.Root == nil {
		return nil, ErrNoRoot
	}
	rootNode := doc.Root.Child("Root")
	if rootNode == nil {
		return nil, ErrNoRoot
	}
	groupNode := rootNode.Child("Group")
	if groupNode == nil {
		return nil, ErrNoRoot
	}
	db := &Database{
		doc:     doc,
		opts:    opts,
		groups:  make(map[uuids.UUID]*Group),
		entries: make(map[uuids.UUID]*Entry),
	}
	if meta := doc.Root.Child("Meta"); meta != nil {
		db.Meta = readMeta(meta)
	}

	type frame struct {
		node   *kdbx.Node
		parent *Group
	}
	stk := []frame{{node: groupNode}}
	for len(stk) > 0 {
		f := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		g := db.readGroup(f.node, f.parent)
		if f.parent == nil {
			db.root = g
		} else {
			f.parent.groups = append(f.parent.groups, g)
		}
		var subs []*kdbx.Node
		for _, c := range f.node.Children {
			switch c.Name {
			case "Entry":
				e := db.readEntry(c, g, false)
				g.entries = append(g.entries, e)
				db.addEntry(e)
			case "Group":
				subs = append(subs, c)
			}
		}
		for i := len(subs) - 1; i >= 0; i-- {
			stk = append(stk, frame{node: subs[i], parent: g})
		}
	}
	return db, nil
}

func readMeta(n *kdbx.Node) Meta {
	m := Meta{
		Generator:           n.ChildText("Generator"),
		DatabaseName:        n.ChildText("DatabaseName"),
		DatabaseDescription: n.ChildText("DatabaseDescription"),
		DefaultUserName:     n.ChildText("DefaultUserName"),
		RecycleBinEnabled:   parseBool(n.ChildText("RecycleBinEnabled")),
	}
	m.RecycleBinUUID, _ = uuids.ParseBase64(n.ChildText("RecycleBinUUID"))
	return m
}

func (db *Database) readGroup(n *kdbx.Node, parent *Group) *Group {
	g := &Group{
		Name:       n.ChildText("Name"),
		Notes:      n.ChildText("Notes"),
		IconID:     parseInt(n.ChildText("IconID")),
		IsExpanded: parseBool(n.ChildText("IsExpanded")),
		TimeInfo:   readTimes(n.Child("Times")),
		db:         db,
		node:       n,
		parent:     parent,
	}
	if id, err := uuids.ParseBase64(n.ChildText("UUID")); err == nil && !id.IsZero() {
		g.UUID = id
		if db.groups[id] == nil {
			db.groups[id] = g
		}
	}
	return g
}

// readEntry reads an entry and its history.  History entries are never
// nested, so this does not recurse more than once.
func (db *Database) readEntry(n *kdbx.Node, parent *Group, history bool) *Entry {
	e := &Entry{
		IconID:    parseInt(n.ChildText("IconID")),
		TimeInfo:  readTimes(n.Child("Times")),
		Strings:   make(map[string]string),
		Protected: make(map[string]bool),
		db:        db,
		node:      n,
		parent:    parent,
		history:   history,
	}
	e.UUID, _ = uuids.ParseBase64(n.ChildText("UUID"))
	for _, s := range n.ChildrenNamed("String") {
		k := s.ChildText("Key")
		v := s.Child("Value")
		if v == nil {
			e.Strings[k] = ""
			continue
		}
		e.Strings[k] = v.Text
		if p, _ := v.Attr("Protected"); strings.EqualFold(p, "true") {
			e.Protected[k] = true
		}
	}
	if h := n.Child("History"); h != nil && !history {
		for _, hn := range h.ChildrenNamed("Entry") {
			e.History = append(e.History, db.readEntry(hn, parent, true))
		}
	}
	return e
}

// addEntry indexes e, or records it as an orphan if its UUID is missing,
// invalid or already taken.
func (db *Database) addEntry(e *Entry) {
	if e.UUID.IsZero() || db.entries[e.UUID] != nil {
		db.orphans = append(db.orphans, e)
		return
	}
	db.entries[e.UUID] = e
	db.order = append(db.order, e)
}

func readTimes(n *kdbx.Node) TimeInfo {
	if n == nil {
		return TimeInfo{}
	}
	return TimeInfo{
		LastModificationTime: parseTime(n.ChildText("LastModificationTime")),
		CreationTime:         parseTime(n.ChildText("CreationTime")),
		LastAccessTime:       parseTime(n.ChildText("LastAccessTime")),
		ExpiryTime:           parseTime(n.ChildText("ExpiryTime")),
		ExpiresFlag:          parseBool(n.ChildText("Expires")),
		UsageCount:           parseInt(n.ChildText("UsageCount")),
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func parseInt(s string) int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return i
}

// Document returns the document the view was built from.
func (db *Database) Document() *kdbx.Document {
	return db.doc
}

// Root returns the root group.
func (db *Database) Root() *Group {
	return db.root
}

// Find returns the entry that matches the UUID or nil if not found.
func (db *Database) Find(id uuids.UUID) *Entry {
	return db.entries[id]
}

// FindGroup returns the group that matches the UUID or nil if not found.
func (db *Database) FindGroup(id uuids.UUID) *Group {
	return db.groups[id]
}

// Entries returns every indexed entry in document order.  History
// entries and orphans are not included.
func (db *Database) Entries() []*Entry {
	e := make([]*Entry, len(db.order))
	copy(e, db.order)
	return e
}

// Orphans returns the entries that could not be indexed because their
// UUID is missing, invalid or duplicated.
func (db *Database) Orphans() []*Entry {
	e := make([]*Entry, len(db.orphans))
	copy(e, db.orphans)
	return e
}

// InRecycleBin reports whether e is inside the recycle bin group.
func (db *Database) InRecycleBin(e *Entry) bool {
	if !db.Meta.RecycleBinEnabled || db.Meta.RecycleBinUUID.IsZero() {
		return false
	}
	for g := e.parent; g != nil; g = g.parent {
		if g.UUID == db.Meta.RecycleBinUUID {
			return true
		}
	}
	return false
}

// Groups returns the groups as a slice.
func (g *Group) Groups() []*Group {
	gg := make([]*Group, len(g.groups))
	copy(gg, g.groups)
	return gg
}

// NGroups returns the number of subgroups this group has.
func (g *Group) NGroups() int {
	return len(g.groups)
}

// Group returns the group at index i.  If i is out of range,
// this method will panic.
func (g *Group) Group(i int) *Group {
	return g.groups[i]
}

// Entries returns the entries in the group as a slice.
func (g *Group) Entries() []*Entry {
	e := make([]*Entry, len(g.entries))
	copy(e, g.entries)
	return e
}

// NEntries returns the number of entries this group has.
func (g *Group) NEntries() int {
	return len(g.entries)
}

// Entry returns the entry at index i.  If i is out of range,
// this method will panic.
func (g *Group) Entry(i int) *Entry {
	return g.entries[i]
}

// Parent returns the group's parent or nil for the root group.
func (g *Group) Parent() *Group {
	return g.parent
}

// Path returns the names of the groups from the root to g.
func (g *Group) Path() []string {
	var path []string
	for ; g != nil; g = g.parent {
		path = append(path, g.Name)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// NewSubgroup creates an empty group inside g and returns it.
// An error is returned if the ID generation fails.
func (g *Group) NewSubgroup() (*Group, error) {
	id, err := uuids.New4(g.db.opts.getRand())
	if err != nil {
		return nil, err
	}
	now := formatTime(g.db.opts.now())
	n := kdbx.NewNode("Group", "",
		kdbx.NewNode("UUID", id.Base64()),
		kdbx.NewNode("Name", ""),
		kdbx.NewNode("Notes", ""),
		kdbx.NewNode("IconID", "48"),
		newTimes(now),
		kdbx.NewNode("IsExpanded", "True"),
	)
	g.node.Children = append(g.node.Children, n)
	sub := g.db.readGroup(n, g)
	g.groups = append(g.groups, sub)
	return sub, nil
}

// NewEntry creates a new entry inside the group and returns it.
// An error is returned if the ID generation fails.
func (g *Group) NewEntry() (*Entry, error) {
	id, err := uuids.New4(g.db.opts.getRand())
	if err != nil {
		return nil, err
	}
	now := formatTime(g.db.opts.now())
	n := kdbx.NewNode("Entry", "",
		kdbx.NewNode("UUID", id.Base64()),
		kdbx.NewNode("IconID", "0"),
		newTimes(now),
	)
	insertBefore(g.node, n, "Group")
	e := g.db.readEntry(n, g, false)
	g.entries = append(g.entries, e)
	g.db.addEntry(e)
	return e, nil
}

func newTimes(now string) *kdbx.Node {
	return kdbx.NewNode("Times", "",
		kdbx.NewNode("LastModificationTime", now),
		kdbx.NewNode("CreationTime", now),
		kdbx.NewNode("LastAccessTime", now),
		kdbx.NewNode("ExpiryTime", now),
		kdbx.NewNode("Expires", "False"),
		kdbx.NewNode("UsageCount", "0"),
		kdbx.NewNode("LocationChanged", now),
	)
}

// insertBefore inserts child into n before the first child named name,
// or at the end.  KeePass writes a group's entries before its subgroups.
func insertBefore(n, child *kdbx.Node, name string) {
	for i, c := range n.Children {
		if c.Name == name {
			n.Children = append(n.Children, nil)
			copy(n.Children[i+1:], n.Children[i:])
			n.Children[i] = child
			return
		}
	}
	n.Children = append(n.Children, child)
}

func removeNode(n, child *kdbx.Node) {
	for i, c := range n.Children {
		if c == child {
			copy(n.Children[i:], n.Children[i+1:])
			n.Children[len(n.Children)-1] = nil
			n.Children = n.Children[:len(n.Children)-1]
			return
		}
	}
}

// SetParent moves g under parent.  The root group cannot be moved and a
// group cannot be moved under itself or one of its descendants.
func (g *Group) SetParent(parent *Group) error {
	if parent == nil {
		return ErrNilParent
	}
	if parent.db != g.db {
		return ErrForeignGroup
	}
	if g.parent == nil {
		return ErrMoveRoot
	}
	for p := parent; p != nil; p = p.parent {
		if p == g {
			return ErrCycle
		}
	}
	if parent == g.parent {
		return nil
	}
	removeNode(g.parent.node, g.node)
	g.parent.groups = removeGroup(g.parent.groups, g)
	parent.node.Children = append(parent.node.Children, g.node)
	parent.groups = append(parent.groups, g)
	g.parent = parent
	g.touchLocation()
	return nil
}

func removeGroup(groups []*Group, g *Group) []*Group {
	for i := range groups {
		if groups[i] == g {
			copy(groups[i:], groups[i+1:])
			groups[len(groups)-1] = nil
			return groups[:len(groups)-1]
		}
	}
	return groups
}

// SetName renames the group.
func (g *Group) SetName(name string) {
	setChild(g.node, "Name", name)
	g.Name = name
	setTime(g.node, "LastModificationTime", g.db.opts.now())
}

// setChild sets the text of n's first child with the given name,
// appending the child if it does not exist.
func setChild(n *kdbx.Node, name, text string) {
	c := n.Child(name)
	if c == nil {
		c = kdbx.NewNode(name, "")
		n.Children = append(n.Children, c)
	}
	c.Text = text
}

func (g *Group) touchLocation() {
	setTime(g.node, "LocationChanged", g.db.opts.now())
}

// Parent returns the group that contains the entry.
func (e *Entry) Parent() *Group {
	return e.parent
}

// Get returns the value of a string or the empty string.
func (e *Entry) Get(key string) string {
	return e.Strings[key]
}

// Title returns the entry's title.
func (e *Entry) Title() string { return e.Strings[TitleKey] }

// UserName returns the entry's user name.
func (e *Entry) UserName() string { return e.Strings[UserNameKey] }

// Password returns the entry's password.
func (e *Entry) Password() string { return e.Strings[PasswordKey] }

// URL returns the entry's URL.
func (e *Entry) URL() string { return e.Strings[URLKey] }

// Notes returns the entry's notes.
func (e *Entry) Notes() string { return e.Strings[NotesKey] }

// Set sets a string value, creating the string if necessary.
func (e *Entry) Set(key, value string, protected bool) {
	var valueNode *kdbx.Node
	for _, s := range e.node.ChildrenNamed("String") {
		if s.ChildText("Key") == key {
			valueNode = s.Child("Value")
			if valueNode == nil {
				valueNode = kdbx.NewNode("Value", "")
				s.Children = append(s.Children, valueNode)
			}
			break
		}
	}
	if valueNode == nil {
		valueNode = kdbx.NewNode("Value", "")
		insertBefore(e.node, kdbx.NewNode("String", "", kdbx.NewNode("Key", key), valueNode), "History")
	}
	valueNode.Text = value
	if protected {
		valueNode.SetAttr("Protected", "True")
	} else {
		removeAttr(valueNode, "Protected")
	}
	e.Strings[key] = value
	if protected {
		e.Protected[key] = true
	} else {
		delete(e.Protected, key)
	}
	setTime(e.node, "LastModificationTime", e.db.opts.now())
}

func removeAttr(n *kdbx.Node, name string) {
	for i, a := range n.Attrs {
		if a.Name == name {
			n.Attrs = append(n.Attrs[:i], n.Attrs[i+1:]...)
			return
		}
	}
}

// SetParent moves the entry into another group.
func (e *Entry) SetParent(parent *Group) error {
	if e.history {
		return ErrHistoryReadOnly
	}
	if parent == nil {
		return ErrNilParent
	}
	if parent.db != e.db {
		return ErrForeignGroup
	}
	if parent == e.parent {
		return nil
	}
	removeNode(e.parent.node, e.node)
	e.parent.entries = removeEntry(e.parent.entries, e)
	insertBefore(parent.node, e.node, "Group")
	parent.entries = append(parent.entries, e)
	e.parent = parent
	for _, h := range e.History {
		h.parent = parent
	}
	setTime(e.node, "LocationChanged", e.db.opts.now())
	return nil
}

func removeEntry(entries []*Entry, e *Entry) []*Entry {
	for i := range entries {
		if entries[i] == e {
			copy(entries[i:], entries[i+1:])
			entries[len(entries)-1] = nil
			return entries[:len(entries)-1]
		}
	}
	return entries
}

// setTime sets a child of n's Times element, creating both if necessary.
func setTime(n *kdbx.Node, name string, t time.Time) {
	times := n.Child("Times")
	if times == nil {
		times = kdbx.NewNode("Times", "")
		n.Children = append(n.Children, times)
	}
	setChild(times, name, formatTime(t))
}

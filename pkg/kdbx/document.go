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
	"encoding/xml"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// A Document is the XML content of a database.  It is not safe for
// concurrent use: callers must not modify a Document while another
// goroutine reads it.
type Document struct {
	Root *Node
}

// A Node is an XML element.  Names keep their namespace prefix as
// written, for example "xsi:nil".
type Node struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Node
}

// Attr is an XML attribute.
type Attr struct {
	Name  string
	Value string
}

// NewNode returns an element with the given name and text.
func NewNode(name, text string, children ...*Node) *Node {
	return &Node{Name: name, Text: text, Children: children}
}

// Attr returns the value of the named attribute.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets the named attribute, appending it if not present.
func (n *Node) SetAttr(name, value string) {
	for i := range n.Attrs {
		if n.Attrs[i].Name == name {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
}

// Child returns the first child with the given name or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns the children with the given name.
func (n *Node) ChildrenNamed(name string) []*Node {
	var nodes []*Node
	for _, c := range n.Children {
		if c.Name == name {
			nodes = append(nodes, c)
		}
	}
	return nodes
}

// ChildText returns the text of the first child with the given name.
func (n *Node) ChildText(name string) string {
	if c := n.Child(name); c != nil {
		return c.Text
	}
	return ""
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// ParseDocument reads an XML document.  Whitespace-only text in elements
// that have children is discarded.
func ParseDocument(r io.Reader) (*Document, error) {
	d := xml.NewDecoder(r)
	var (
		root  *Node
		stack []*Node
	)
	for {
		tok, err := d.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newError(FormatError, "parse document", err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: qname(tok.Name)}
			if len(tok.Attr) > 0 {
				n.Attrs = make([]Attr, len(tok.Attr))
				for i, a := range tok.Attr {
					n.Attrs[i] = Attr{Name: qname(a.Name), Value: a.Value}
				}
			}
			switch {
			case len(stack) > 0:
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			case root != nil:
				return nil, newError(FormatError, "parse document", errors.Errorf("second root element <%s>", n.Name))
			default:
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			name := qname(tok.Name)
			if len(stack) == 0 {
				return nil, newError(FormatError, "parse document", errors.Errorf("unexpected </%s>", name))
			}
			n := stack[len(stack)-1]
			if n.Name != name {
				return nil, newError(FormatError, "parse document", errors.Errorf("</%s> closes <%s>", name, n.Name))
			}
			if len(n.Children) > 0 && strings.TrimSpace(n.Text) == "" {
				n.Text = ""
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(tok)
			} else if len(strings.TrimSpace(string(tok))) > 0 {
				return nil, newError(FormatError, "parse document", errors.New("text outside root element"))
			}
		}
	}
	if len(stack) > 0 {
		return nil, newError(FormatError, "parse document", errors.Errorf("unclosed <%s>", stack[len(stack)-1].Name))
	}
	if root == nil {
		return nil, newError(FormatError, "parse document", errNilDocument)
	}
	return &Document{Root: root}, nil
}

const xmlDeclaration = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>` + "\n"

// Encode writes doc as tab-indented XML with a declaration.  Text or
// attribute values that XML 1.0 cannot carry, such as invalid UTF-8 or
// most control characters, are a FormatError.  Protected values are
// in the clear in a loaded Document, so binary protected values only
// encode after they have been masked.
func (doc *Document) Encode(w io.Writer) error {
	if doc == nil || doc.Root == nil {
		return newError(ArgumentError, "encode document", errNilDocument)
	}
	if _, err := io.WriteString(w, xmlDeclaration); err != nil {
		return newError(IOError, "encode document", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")

	// Each frame is either an element to open or, when end is set, one to close.
	type frame struct {
		n   *Node
		end bool
	}
	stk := []frame{{n: doc.Root}}
	for len(stk) > 0 {
		f := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		name := xml.Name{Local: f.n.Name}
		if f.end {
			if err := enc.EncodeToken(xml.EndElement{Name: name}); err != nil {
				return newError(FormatError, "encode document", err)
			}
			continue
		}
		if err := checkText(f.n); err != nil {
			return newError(FormatError, "encode document", err)
		}
		start := xml.StartElement{Name: name}
		for _, a := range f.n.Attrs {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
		}
		if err := enc.EncodeToken(start); err != nil {
			return newError(FormatError, "encode document", err)
		}
		if f.n.Text != "" {
			if err := enc.EncodeToken(xml.CharData(f.n.Text)); err != nil {
				return newError(FormatError, "encode document", err)
			}
		}
		stk = append(stk, frame{n: f.n, end: true})
		for i := len(f.n.Children) - 1; i >= 0; i-- {
			stk = append(stk, frame{n: f.n.Children[i]})
		}
	}
	if err := enc.Flush(); err != nil {
		return newError(IOError, "encode document", err)
	}
	return nil
}

// checkText reports whether n's text or attribute values contain
// characters that encoding/xml would replace with U+FFFD.
func checkText(n *Node) error {
	if !isXMLText(n.Text) {
		return errors.Errorf("<%s> text is not representable in XML", n.Name)
	}
	for _, a := range n.Attrs {
		if !isXMLText(a.Value) {
			return errors.Errorf("<%s> attribute %s is not representable in XML", n.Name, a.Name)
		}
	}
	return nil
}

// isXMLText reports whether s is valid UTF-8 made of characters in the
// XML 1.0 Char production.
func isXMLText(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		switch {
		case r == 0x09 || r == 0x0a || r == 0x0d:
		case r >= 0x20 && r <= 0xd7ff:
		case r >= 0xe000 && r <= 0xfffd:
		case r >= 0x10000 && r <= 0x10ffff:
		default:
			return false
		}
		i += size
	}
	return true
}

// Walk calls fn for each node in document order.  It stops at the
// first error and returns it.
func (doc *Document) Walk(fn func(*Node) error) error {
	if doc == nil || doc.Root == nil {
		return nil
	}
	stk := []*Node{doc.Root}
	for len(stk) > 0 {
		n := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		if err := fn(n); err != nil {
			return err
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stk = append(stk, n.Children[i])
		}
	}
	return nil
}

// Clone returns a deep copy of doc.
func (doc *Document) Clone() *Document {
	if doc == nil {
		return nil
	}
	if doc.Root == nil {
		return &Document{}
	}
	type pair struct{ src, dst *Node }
	root := new(Node)
	stk := []pair{{doc.Root, root}}
	for len(stk) > 0 {
		p := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		p.dst.Name = p.src.Name
		p.dst.Text = p.src.Text
		if p.src.Attrs != nil {
			p.dst.Attrs = append([]Attr(nil), p.src.Attrs...)
		}
		if p.src.Children != nil {
			p.dst.Children = make([]*Node, len(p.src.Children))
			for i, c := range p.src.Children {
				p.dst.Children[i] = new(Node)
				stk = append(stk, pair{c, p.dst.Children[i]})
			}
		}
	}
	return &Document{Root: root}
}

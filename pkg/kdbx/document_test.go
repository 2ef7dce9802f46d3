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
	"errors"
	"strings"
	"testing"

	"github.com/go-test/deep"
)

const testXML = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>
<KeePassFile xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
	<Meta>
		<Generator>KeePass</Generator>
		<DatabaseName></DatabaseName>
	</Meta>
	<Root>
		<Entry>
			<String>
				<Key>Password</Key>
				<Value Protected="True" Extra="x">c2VjcmV0</Value>
			</String>
			<Binary xsi:nil="true"/>
			<Notes>  two
lines &amp; more  </Notes>
		</Entry>
	</Root>
</KeePassFile>
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(testXML))
	if err != nil {
		t.Fatal("ParseDocument:", err)
	}
	want := &Document{Root: &Node{
		Name:  "KeePassFile",
		Attrs: []Attr{{"xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance"}},
		Children: []*Node{
			{Name: "Meta", Children: []*Node{
				{Name: "Generator", Text: "KeePass"},
				{Name: "DatabaseName"},
			}},
			{Name: "Root", Children: []*Node{
				{Name: "Entry", Children: []*Node{
					{Name: "String", Children: []*Node{
						{Name: "Key", Text: "Password"},
						{Name: "Value", Attrs: []Attr{{"Protected", "True"}, {"Extra", "x"}}, Text: "c2VjcmV0"},
					}},
					{Name: "Binary", Attrs: []Attr{{"xsi:nil", "true"}}},
					{Name: "Notes", Text: "  two\nlines & more  "},
				}},
			}},
		},
	}}
	if diff := deep.Equal(doc, want); diff != nil {
		t.Errorf("ParseDocument(...) differs: %v", diff)
	}
}

func TestParseDocument_Errors(t *testing.T) {
	tests := []string{
		"",
		"<a><b></a></b>",
		"<a>",
		"<a></a><b></b>",
		"</a>",
		"text<a></a>",
		"<a><b></b>",
	}
	for _, in := range tests {
		doc, err := ParseDocument(strings.NewReader(in))
		if !errors.Is(err, ErrFormat) {
			t.Errorf("ParseDocument(%q) = %v, %v; want format error", in, doc, err)
		}
	}
}

func TestDocument_EncodeRoundTrip(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(testXML))
	if err != nil {
		t.Fatal("ParseDocument:", err)
	}
	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatal("Encode:", err)
	}
	if !strings.HasPrefix(buf.String(), "<?xml version=\"1.0\"") {
		t.Errorf("Encode output does not start with an XML declaration:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "\n\t<Meta>\n\t\t<Generator>KeePass</Generator>\n") {
		t.Errorf("Encode output is not tab-indented:\n%s", buf.String())
	}
	doc2, err := ParseDocument(&buf)
	if err != nil {
		t.Fatal("ParseDocument(Encode(doc)):", err)
	}
	if diff := deep.Equal(doc2, doc); diff != nil {
		t.Errorf("ParseDocument(Encode(doc)) differs: %v", diff)
	}
}

func TestDocument_EncodeNil(t *testing.T) {
	var buf bytes.Buffer
	if err := (&Document{}).Encode(&buf); KindOf(err) != ArgumentError {
		t.Errorf("Encode(empty) error = %v; want argument error", err)
	}
}

func TestDocument_EncodeUnrepresentable(t *testing.T) {
	tests := []struct {
		text string
		attr string
		ok   bool
	}{
		{text: "tab\tnewline\ncr\r", ok: true},
		{text: "café \U0001F407", ok: true},
		{attr: "ü", ok: true},
		{text: "\x00"},
		{text: "bad\xffutf8"},
		{text: "\x1b[0m"},
		{text: "\ufffe"},
		{text: "\ud7ff\x7f\x01"},
		{attr: "\x01"},
	}
	for _, test := range tests {
		val := NewNode("Value", test.text)
		if test.attr != "" {
			val.SetAttr("Protected", test.attr)
		}
		doc := &Document{Root: NewNode("KeePassFile", "", val)}
		var buf bytes.Buffer
		err := doc.Encode(&buf)
		if test.ok && err != nil {
			t.Errorf("Encode(text %q, attr %q): %v", test.text, test.attr, err)
		}
		if !test.ok && KindOf(err) != FormatError {
			t.Errorf("Encode(text %q, attr %q) error = %v; want format error", test.text, test.attr, err)
		}
	}
}

func TestDocument_Walk(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader("<a><b><c/><d/></b><e/></a>"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	doc.Walk(func(n *Node) error {
		names = append(names, n.Name)
		return nil
	})
	if got, want := strings.Join(names, ""), "abcde"; got != want {
		t.Errorf("Walk order = %q; want %q", got, want)
	}

	stop := errors.New("stop")
	names = names[:0]
	err = doc.Walk(func(n *Node) error {
		names = append(names, n.Name)
		if n.Name == "c" {
			return stop
		}
		return nil
	})
	if err != stop || len(names) != 3 {
		t.Errorf("Walk stopped with %v after %v; want stop after [a b c]", err, names)
	}
}

func TestDocument_Clone(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(testXML))
	if err != nil {
		t.Fatal(err)
	}
	clone := doc.Clone()
	if diff := deep.Equal(clone, doc); diff != nil {
		t.Fatalf("Clone differs: %v", diff)
	}
	clone.Root.Children[0].Children[0].Text = "changed"
	clone.Root.SetAttr("xmlns:xsi", "changed")
	clone.Root.Children = append(clone.Root.Children, NewNode("Extra", ""))
	if doc.Root.Children[0].Children[0].Text != "KeePass" {
		t.Error("modifying clone's text changed the original")
	}
	if v, _ := doc.Root.Attr("xmlns:xsi"); v == "changed" {
		t.Error("modifying clone's attribute changed the original")
	}
	if len(doc.Root.Children) != 2 {
		t.Error("appending to clone's children changed the original")
	}
}

func TestNode_Accessors(t *testing.T) {
	n := NewNode("String", "",
		NewNode("Key", "Title"),
		NewNode("Value", "Zion"),
		NewNode("Key", "Other"),
	)
	if got := n.ChildText("Value"); got != "Zion" {
		t.Errorf("ChildText(\"Value\") = %q; want \"Zion\"", got)
	}
	if got := n.ChildText("Missing"); got != "" {
		t.Errorf("ChildText(\"Missing\") = %q; want \"\"", got)
	}
	if got := len(n.ChildrenNamed("Key")); got != 2 {
		t.Errorf("len(ChildrenNamed(\"Key\")) = %d; want 2", got)
	}
	n.SetAttr("Protected", "True")
	n.SetAttr("Protected", "False")
	if len(n.Attrs) != 1 || n.Attrs[0].Value != "False" {
		t.Errorf("Attrs after SetAttr twice = %v; want [{Protected False}]", n.Attrs)
	}
}

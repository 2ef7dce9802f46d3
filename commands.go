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
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"zombiezen.com/go/kdbx/pkg/credentials"
	"zombiezen.com/go/kdbx/pkg/kdbcrypt"
	"zombiezen.com/go/kdbx/pkg/kdbx"
	"zombiezen.com/go/kdbx/pkg/keepass"
	"zombiezen.com/go/kdbx/pkg/uuids"
)

// maskedValue replaces protected values in output.
const maskedValue = "********"

func (a *app) headerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "header db",
		Short: "Print the unencrypted header fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			h, version, err := kdbx.ReadHeader(f)
			if err != nil {
				return err
			}
			return printHeader(cmd.OutOrStdout(), h, version)
		},
	}
}

func printHeader(w io.Writer, h *kdbx.Header, version uint32) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Version\t%d.%d\n", version>>16, version&0xffff)
	for _, id := range h.Fields() {
		v, err := h.Get(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\n", h.Name(id), formatHeaderValue(id, v))
	}
	return tw.Flush()
}

func formatHeaderValue(id kdbx.FieldID, v interface{}) string {
	switch v := v.(type) {
	case uint32:
		if id == kdbx.CompressionFlags {
			switch kdbx.Compression(v) {
			case kdbx.NoCompression:
				return "none"
			case kdbx.GzipCompression:
				return "gzip"
			}
		}
		return fmt.Sprint(v)
	case uint64:
		return fmt.Sprint(v)
	case []byte:
		if id == kdbx.CipherID {
			if u, err := uuids.FromBytes(v); err == nil {
				if c, err := kdbcrypt.CipherByID(u); err == nil {
					return c.String() + " (" + u.String() + ")"
				}
				return u.String()
			}
		}
		return hex.EncodeToString(v)
	default:
		return fmt.Sprint(v)
	}
}

func (a *app) dumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump db",
		Short: "Decrypt the database and print its XML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			doc := db.Raw()
			if !a.cfg.Reveal {
				maskProtected(doc)
			}
			data, err := encodeDocument(doc)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().Bool("reveal", false, "show protected values")
	return cmd
}

// maskProtected replaces the text of every protected value in doc.
func maskProtected(doc *kdbx.Document) {
	doc.Walk(func(n *kdbx.Node) error {
		if p, ok := n.Attr("Protected"); ok && strings.EqualFold(p, "true") {
			n.Text = maskedValue
		}
		return nil
	})
}

// view opens the database at path and builds its group view.
func (a *app) view(cmd *cobra.Command, path string) (*keepass.Database, error) {
	db, _, err := a.open(cmd.Context(), path)
	if err != nil {
		return nil, err
	}
	return keepass.FromDocument(db.Raw(), nil)
}

func (a *app) lsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls db",
		Short: "List the groups and entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.view(cmd, args[0])
			if err != nil {
				return err
			}
			printTree(cmd.OutOrStdout(), v.Root())
			return nil
		},
	}
}

// printTree writes an indented outline of the groups under root.
func printTree(w io.Writer, root *keepass.Group) {
	type item struct {
		g     *keepass.Group
		depth int
	}
	stk := []item{{root, 0}}
	for len(stk) > 0 {
		it := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		indent := strings.Repeat("  ", it.depth)
		fmt.Fprintf(w, "%s%s/\n", indent, it.g.Name)
		for _, e := range it.g.Entries() {
			fmt.Fprintf(w, "%s  %s  [%s]\n", indent, e.Title(), e.UUID)
		}
		for i := it.g.NGroups() - 1; i >= 0; i-- {
			stk = append(stk, item{it.g.Group(i), it.depth + 1})
		}
	}
}

func (a *app) showCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show db uuid",
		Short: "Print an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[1])
			if err != nil {
				return err
			}
			v, err := a.view(cmd, args[0])
			if err != nil {
				return err
			}
			e := v.Find(id)
			if e == nil {
				return errors.Wrapf(errUsage, "no entry %v", id)
			}
			return printEntry(cmd.OutOrStdout(), e, a.cfg.Reveal)
		},
	}
	cmd.Flags().Bool("reveal", false, "show protected values")
	return cmd
}

// parseEntryID accepts either the hex or the base64 form of a UUID.
func parseEntryID(s string) (uuids.UUID, error) {
	if id, err := uuids.Parse(s); err == nil {
		return id, nil
	}
	id, err := uuids.ParseBase64(s)
	if err != nil {
		return uuids.UUID{}, errors.Wrapf(errUsage, "invalid entry ID %q", s)
	}
	return id, nil
}

var standardKeys = []string{
	keepass.TitleKey,
	keepass.UserNameKey,
	keepass.PasswordKey,
	keepass.URLKey,
	keepass.NotesKey,
}

func printEntry(w io.Writer, e *keepass.Entry, reveal bool) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "UUID\t%v\n", e.UUID)
	fmt.Fprintf(tw, "Group\t%s\n", strings.Join(e.Parent().Path(), "/"))
	show := func(k string) {
		v := e.Get(k)
		if e.Protected[k] && !reveal {
			v = maskedValue
		}
		fmt.Fprintf(tw, "%s\t%s\n", k, strings.Replace(v, "\n", " ", -1))
	}
	seen := make(map[string]bool)
	for _, k := range standardKeys {
		show(k)
		seen[k] = true
	}
	for _, k := range sortedKeys(e.Strings) {
		if !seen[k] {
			show(k)
		}
	}
	if e.Expires() {
		fmt.Fprintf(tw, "Expires\t%s\n", e.ExpiryTime.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(tw, "History\t%d\n", len(e.History))
	return tw.Flush()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *app) searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search db query...",
		Short: "Find entries by title, user name or URL",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := parseQuery(strings.Join(args[1:], " "))
			if q == nil {
				return errors.Wrap(errUsage, "empty query")
			}
			v, err := a.view(cmd, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range search(v, q) {
				fmt.Fprintf(w, "%s  %s  [%s]\n", strings.Join(e.Parent().Path(), "/"), e.Title(), e.UUID)
			}
			return nil
		},
	}
}

func (a *app) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create db",
		Short: "Create a new empty database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := newStorage(args[0])
			if st.exists() {
				return errors.Wrapf(errUsage, "%s already exists", args[0])
			}
			creds, err := a.prompt.read(credentialSource{
				password:   a.cfg.Password,
				noPassword: a.cfg.NoPassword,
				stdin:      a.cfg.PasswordStdin,
				keyfile:    a.cfg.Keyfile,
				prompt:     "New password: ",
				confirm:    true,
			})
			if err != nil {
				return err
			}
			db, err := kdbx.New(a.cfg.dbOptions(a.log))
			if err != nil {
				return err
			}
			return a.save(cmd.Context(), st, db, creds, true)
		},
	}
	f := cmd.Flags()
	f.Uint64("rounds", kdbx.DefaultKeyRounds, "number of key transformation rounds")
	f.String("cipher", "aes", "payload cipher: aes or twofish")
	f.Bool("no-compress", false, "store the document without gzip compression")
	return cmd
}

func (a *app) passwdCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd db",
		Short: "Change the credentials of a database",
		Long: `Change the credentials of a database.

The current credentials come from --password-stdin, --keyfile or a prompt.
The new ones come from --new-password-stdin, --new-keyfile or a prompt.
All seeds are regenerated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			newCreds, err := a.newCredentials(cmd)
			if err != nil {
				return err
			}
			if a.cfg.Rounds > 0 {
				db.SetTransformRounds(a.cfg.Rounds)
			}
			if err := db.Reseed(); err != nil {
				return err
			}
			return a.save(cmd.Context(), newStorage(args[0]), db, newCreds, false)
		},
	}
	f := cmd.Flags()
	f.Bool("new-password-stdin", false, "read the new password from the next line of standard input")
	f.Bool("new-no-password", false, "do not use a password in the new credentials")
	f.String("new-keyfile", "", "path to the new key file")
	f.Uint64("rounds", 0, "change the number of key transformation rounds")
	return cmd
}

func (a *app) newCredentials(cmd *cobra.Command) (*credentials.Set, error) {
	stdin, _ := cmd.Flags().GetBool("new-password-stdin")
	return a.prompt.read(credentialSource{
		password:   a.cfg.NewPassword,
		noPassword: a.cfg.NewNoPassword,
		stdin:      stdin,
		keyfile:    a.cfg.NewKeyfile,
		prompt:     "New password: ",
		confirm:    true,
	})
}

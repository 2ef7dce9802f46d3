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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// storage manages I/O to a single file.  Writes replace the file
// atomically: the new contents are written to a temporary file in the
// same directory, synced, and then renamed over the old file.
// Callers must serialize access.
type storage struct {
	path string
	perm os.FileMode
}

// newStorage creates a storage that points to path.  The file will be
// created on the first write if it does not exist.
func newStorage(path string) *storage {
	return &storage{path: path, perm: 0600}
}

// exists reports whether the file exists yet.
func (st *storage) exists() bool {
	_, err := os.Stat(st.path)
	return err == nil
}

// read returns the file's contents.
func (st *storage) read() ([]byte, error) {
	return os.ReadFile(st.path)
}

// write replaces the file's contents with data.  On failure, the
// previous contents are left untouched.
func (st *storage) write(data []byte) error {
	tmpName, err := st.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "write "+st.path)
	}
	return syncDir(filepath.Dir(st.path))
}

// create writes data only if the file does not exist yet.  The
// temporary file is linked into place, so a file created concurrently
// is never replaced.
func (st *storage) create(data []byte) error {
	tmpName, err := st.writeTemp(data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	if err := os.Link(tmpName, st.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return errors.Wrapf(errFileExists, "create %s", st.path)
		}
		return errors.Wrap(err, "create "+st.path)
	}
	return syncDir(filepath.Dir(st.path))
}

var errFileExists = errors.New("file exists")

// writeTemp writes data to a new synced file next to st.path and
// returns its name.
func (st *storage) writeTemp(data []byte) (name string, err error) {
	f, err := os.CreateTemp(filepath.Dir(st.path), ".tmp-"+filepath.Base(st.path)+"-")
	if err != nil {
		return "", errors.Wrap(err, "write "+st.path)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if err := f.Chmod(st.perm); err != nil {
		return "", errors.Wrap(err, "write "+st.path)
	}
	if _, err := f.Write(data); err != nil {
		return "", errors.Wrap(err, "write "+st.path)
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "write "+st.path)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "write "+st.path)
	}
	return f.Name(), nil
}

// syncDir flushes a directory entry change to disk.  Directories that
// cannot be opened, as on Windows, are skipped.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	return d.Sync()
}

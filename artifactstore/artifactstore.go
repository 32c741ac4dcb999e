// Copyright (c) 2021 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

// Package artifactstore stores binary artifacts content addressed by the
// sha256 of their bytes. Writing identical bytes twice is a no-op on the
// stored payload, so artifacts extracted repeatedly by different plugin
// runs share one payload file.
package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store is a content addressed blob store on an afero filesystem. Payloads
// live under <root>/<first two hash chars>/<hash>.
type Store struct {
	fs   afero.Fs
	root string
}

// ErrNotFound is returned when no payload exists for a hash.
var ErrNotFound = errors.New("artifact does not exist")

// New creates an artifact store rooted at dir.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(path.Join(dir, "tmp"), 0750); err != nil {
		return nil, errors.Wrap(err, "could not create artifact root")
	}
	return &Store{fs: fs, root: dir}, nil
}

// Put stores the bytes read from r and returns their sha256 hex digest and
// size. When a payload with the same digest already exists the new bytes
// are discarded and created is false.
func (s *Store) Put(r io.Reader) (hash string, size int64, created bool, err error) {
	// Spool to a temp file while hashing, so large dumps are never held
	// in memory and incomplete writes never appear under a hash path.
	tmpName := path.Join(s.root, "tmp", uuid.New().String())
	tmp, err := s.fs.Create(tmpName)
	if err != nil {
		return "", 0, false, errors.Wrap(err, "could not create spool file")
	}

	digest := sha256.New()
	size, err = io.Copy(tmp, io.TeeReader(r, digest))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, false, errors.Wrap(err, "could not spool artifact")
	}

	hash = hex.EncodeToString(digest.Sum(nil))

	exists, err := afero.Exists(s.fs, s.payloadPath(hash))
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, false, err
	}
	if exists {
		return hash, size, false, s.fs.Remove(tmpName)
	}

	if err := s.fs.MkdirAll(path.Dir(s.payloadPath(hash)), 0750); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, false, err
	}
	if err := s.fs.Rename(tmpName, s.payloadPath(hash)); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, false, errors.Wrap(err, "could not place artifact")
	}
	return hash, size, true, nil
}

// Open returns the payload stream for a hash.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	exists, err := afero.Exists(s.fs, s.payloadPath(hash))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return s.fs.Open(s.payloadPath(hash))
}

// Exists reports whether a payload for the hash is stored.
func (s *Store) Exists(hash string) (bool, error) {
	return afero.Exists(s.fs, s.payloadPath(hash))
}

// Delete removes the payload for a hash.
func (s *Store) Delete(hash string) error {
	exists, err := afero.Exists(s.fs, s.payloadPath(hash))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return s.fs.Remove(s.payloadPath(hash))
}

func (s *Store) payloadPath(hash string) string {
	if len(hash) < 2 {
		return path.Join(s.root, "malformed", hash)
	}
	return path.Join(s.root, hash[:2], hash)
}

// Sum256Hex returns the sha256 hex digest of b, the artifact identity used
// throughout the pipeline.
func Sum256Hex(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

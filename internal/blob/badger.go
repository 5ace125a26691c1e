// SPDX-License-Identifier: MIT

package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const badgerURIPrefix = "badger:///"

// Badger stores objects in an embedded badger value store; a good fit
// for single-node deployments where many small transcript objects would
// waste filesystem inodes.
type Badger struct {
	db *badger.DB
}

var _ Store = (*Badger)(nil)

// NewBadger opens (or creates) the store at path.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blob: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (s *Badger) key(uri string) (string, error) {
	k, ok := strings.CutPrefix(uri, badgerURIPrefix)
	if !ok || k == "" {
		return "", fmt.Errorf("uri %q: %w", uri, ErrForeignURI)
	}
	return k, nil
}

func (s *Badger) Put(_ context.Context, key string, r io.Reader) (PutResult, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return PutResult{}, err
	}
	h := sha256.New()
	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(&buf, h), r)
	if err != nil {
		return PutResult{}, fmt.Errorf("blob: read object: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("obj:"+cleaned), buf.Bytes())
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("blob: store object: %w", err)
	}
	return PutResult{
		URI:       badgerURIPrefix + cleaned,
		SizeBytes: n,
		Checksum:  "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *Badger) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	k, err := s.key(uri)
	if err != nil {
		return nil, err
	}
	var val []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("obj:" + k))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: load object: %w", err)
	}
	return io.NopCloser(bytes.NewReader(val)), nil
}

func (s *Badger) Delete(_ context.Context, uri string) error {
	k, err := s.key(uri)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("obj:" + k))
	})
	if err != nil {
		return fmt.Errorf("blob: delete object: %w", err)
	}
	return nil
}

func (s *Badger) Close() error { return s.db.Close() }

// SPDX-License-Identifier: MIT

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// FS stores objects as files under a root directory. Writes go through a
// pending temp file and an fsynced rename, so readers never observe a
// partial object and a power cut cannot leave one behind.
type FS struct {
	root string
}

var _ Store = (*FS)(nil)

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FS{root: abs}, nil
}

// resolve maps a URI back to a path and verifies it stays under root.
func (s *FS) resolve(uri string) (string, error) {
	p, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return "", fmt.Errorf("uri %q: %w", uri, ErrForeignURI)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob: uri %q escapes the storage root", uri)
	}
	return p, nil
}

func (s *FS) Put(_ context.Context, key string, r io.Reader) (PutResult, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return PutResult{}, err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return PutResult{}, fmt.Errorf("blob: create object dir: %w", err)
	}

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return PutResult{}, fmt.Errorf("blob: create pending file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	h := sha256.New()
	n, err := io.Copy(pending, io.TeeReader(r, h))
	if err != nil {
		return PutResult{}, fmt.Errorf("blob: write object: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return PutResult{}, fmt.Errorf("blob: atomically replace object: %w", err)
	}
	return PutResult{
		URI:       "file://" + dst,
		SizeBytes: n,
		Checksum:  "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *FS) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	p, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open object: %w", err)
	}
	return f, nil
}

func (s *FS) Delete(_ context.Context, uri string) error {
	p, err := s.resolve(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete object: %w", err)
	}
	return nil
}

func (s *FS) Close() error { return nil }

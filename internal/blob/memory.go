// SPDX-License-Identifier: MIT

package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
)

const memURIPrefix = "mem:///"

// Memory keeps objects in process memory; tests and virtual mode.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (s *Memory) key(uri string) (string, error) {
	k, ok := strings.CutPrefix(uri, memURIPrefix)
	if !ok || k == "" {
		return "", fmt.Errorf("uri %q: %w", uri, ErrForeignURI)
	}
	return k, nil
}

func (s *Memory) Put(_ context.Context, key string, r io.Reader) (PutResult, error) {
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
	s.mu.Lock()
	s.objects[cleaned] = buf.Bytes()
	s.mu.Unlock()
	return PutResult{
		URI:       memURIPrefix + cleaned,
		SizeBytes: n,
		Checksum:  "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *Memory) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	k, err := s.key(uri)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	val, ok := s.objects[k]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(val)), nil
}

func (s *Memory) Delete(_ context.Context, uri string) error {
	k, err := s.key(uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, k)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Close() error { return nil }

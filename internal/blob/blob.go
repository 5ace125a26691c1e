// SPDX-License-Identifier: MIT

// Package blob stores artifact payloads: uploaded audio, intermediate
// stage outputs and final transcripts. Rows about these objects live in
// the state store; the bytes live here, addressed by URI.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/dalstonhq/dalston/internal/model"
)

// ErrNotFound reports a URI with no stored object behind it.
var ErrNotFound = errors.New("blob: object not found")

// ErrForeignURI reports a URI under a scheme this backend never wrote,
// e.g. a job submitted by external source URI. There is nothing to
// delete behind it.
var ErrForeignURI = errors.New("blob: uri not served by this store")

// PutResult describes a stored object. Checksum is "sha256:<hex>".
type PutResult struct {
	URI       string
	SizeBytes int64
	Checksum  string
}

// Store is the object storage contract. A deployment runs one backend;
// URIs written by it are only resolvable through the same backend, so
// Open and Delete reject foreign schemes.
type Store interface {
	// Put streams r under key and returns the object's URI, size and
	// checksum. An existing object under the same key is replaced.
	Put(ctx context.Context, key string, r io.Reader) (PutResult, error)
	// Open returns a reader for the object behind uri.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	// Delete removes the object. Deleting an absent object is a no-op so
	// retention sweeps stay idempotent.
	Delete(ctx context.Context, uri string) error
	Close() error
}

// TaskKey is the attempt-scoped key for a task output. Retries write
// under the next attempt number and never touch earlier objects.
func TaskKey(jobID string, stage model.Stage, attempt int, name string) string {
	return path.Join("jobs", jobID, string(stage), strconv.Itoa(attempt), name)
}

// UploadKey is the key for job source audio stored at submit time.
func UploadKey(jobID, name string) string {
	return path.Join("jobs", jobID, "source", name)
}

// SessionKey is the key for realtime session artifacts.
func SessionKey(sessionID, name string) string {
	return path.Join("sessions", sessionID, name)
}

// cleanKey normalizes and validates an object key: relative, slash
// separated, no empty or dot-dot segments.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("blob: empty key")
	}
	cleaned := path.Clean(key)
	if path.IsAbs(cleaned) || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return cleaned, nil
}

// Open creates a Store from a storage URL:
//
//	mem://                       in-process, for tests and virtual mode
//	file:///var/lib/dalston/blobs   filesystem tree with atomic writes
//	badger:///var/lib/dalston/bytes embedded badger value store
func Open(rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("blob: parse url: %w", err)
	}
	pathOf := func() string {
		if u.Opaque != "" {
			return u.Opaque
		}
		return u.Host + u.Path
	}
	switch u.Scheme {
	case "mem", "memory":
		return NewMemory(), nil
	case "file", "fs":
		p := pathOf()
		if p == "" {
			return nil, fmt.Errorf("blob: %s requires a directory path", u.Scheme)
		}
		return NewFS(p)
	case "badger":
		p := pathOf()
		if p == "" {
			return nil, errors.New("blob: badger requires a directory path")
		}
		return NewBadger(p)
	default:
		return nil, fmt.Errorf("blob: unknown storage scheme %q", u.Scheme)
	}
}

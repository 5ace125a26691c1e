// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open creates a Store from a connection URL:
//
//	mem://                      in-memory, for tests and virtual mode
//	sqlite://dalston.db         single node, relative path
//	sqlite:///var/lib/state.db  single node, absolute path
//	postgres://user@host/db     multi-replica deployments
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return NewMemory(), nil
	case "sqlite":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return nil, fmt.Errorf("store: sqlite url %q has no path", rawURL)
		}
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(ctx, rawURL)
	default:
		return nil, fmt.Errorf("store: unknown backend scheme %q", u.Scheme)
	}
}

// Redacted returns the URL with any password masked, safe for logs.
func Redacted(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.Index(rawURL, "://"); i >= 0 {
			return rawURL[:i+3] + "..."
		}
		return "..."
	}
	return u.Redacted()
}

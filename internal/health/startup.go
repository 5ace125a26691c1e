// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	dcfg "github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/log"
)

// PerformStartupChecks validates the environment before the daemon binds
// its listener: bad config should fail the process at start, not the first
// request.
func PerformStartupChecks(cfg dcfg.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkListenAddr(logger, "server", cfg.Server.Listen); err != nil {
		return err
	}
	if err := checkBackendURL(logger, "bus", cfg.Bus.URL, "mem", "memory", "redis", "rediss"); err != nil {
		return err
	}
	if err := checkBackendURL(logger, "store", cfg.Store.URL, "mem", "memory", "sqlite", "postgres", "postgresql"); err != nil {
		return err
	}
	if err := checkBlobDir(logger, cfg.Blob.URL); err != nil {
		return err
	}
	if err := checkManifest(logger, cfg.Catalog.ManifestPath); err != nil {
		return err
	}

	if strings.HasPrefix(cfg.Store.URL, "mem") {
		logger.Warn().Str("store_url", cfg.Store.URL).
			Msg("in-memory state store; jobs and sessions do not survive a restart")
	}
	if cfg.Virtual {
		logger.Info().Msg("virtual mode; engines produce synthetic transcripts")
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s listen address is empty", name)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s listen address %q: %w", name, addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid %s listen port %q in %q", name, port, addr)
	}
	logger.Info().Str("addr", addr).Msgf("✓ %s listen address is valid", name)
	return nil
}

func checkBackendURL(logger zerolog.Logger, name, rawURL string, schemes ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid %s URL %q: %w", name, rawURL, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			logger.Info().Str("url", redactURL(u)).Msgf("✓ %s URL is valid", name)
			return nil
		}
	}
	return fmt.Errorf("%s URL scheme %q not supported (want one of %s)", name, u.Scheme, strings.Join(schemes, ", "))
}

// checkBlobDir ensures a file-backed blob store has a writable directory.
// Other backends are validated when they open.
func checkBlobDir(logger zerolog.Logger, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid blob URL %q: %w", rawURL, err)
	}
	if u.Scheme != "file" && u.Scheme != "fs" {
		return nil
	}
	dir := u.Host + u.Path
	if u.Opaque != "" {
		dir = u.Opaque
	}
	if dir == "" {
		return fmt.Errorf("blob URL %q has no directory path", rawURL)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("blob directory %s: %w", dir, err)
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("blob directory is not writable: %s (error: %v)", dir, err)
	}
	_ = os.Remove(testFile)
	logger.Info().Str("path", dir).Msg("✓ Blob directory is writable")
	return nil
}

func checkManifest(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("engine manifest path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("engine manifest does not exist: %s", path)
		}
		return fmt.Errorf("engine manifest %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("engine manifest is a directory: %s", path)
	}
	logger.Info().Str("path", path).Msg("✓ Engine manifest is readable")
	return nil
}

// redactURL strips credentials so store DSNs can be logged.
func redactURL(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	clean := *u
	clean.User = url.User(u.User.Username())
	return clean.String()
}

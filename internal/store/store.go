// Package store owns the on-disk arena of installed tools and the
// environments that reference them. Entries are only ever deleted by GC.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vx/internal/netx"
	"vx/internal/paths"
	"vx/pkg/descriptor"
)

var nowFunc = time.Now

// ErrNotLinked is returned when an environment has no binding for a tool.
var ErrNotLinked = errors.New("tool not linked")

// LinkStrategy selects how environment bin entries reference store executables.
type LinkStrategy string

const (
	LinkSymlink  LinkStrategy = "symlink"
	LinkHardlink LinkStrategy = "hardlink"
	LinkCopy     LinkStrategy = "copy"
)

// LinkStrategies lists the accepted strategy names.
func LinkStrategies() []string {
	return []string{string(LinkSymlink), string(LinkHardlink), string(LinkCopy)}
}

// ParseLinkStrategy validates a configured strategy; empty means symlink.
func ParseLinkStrategy(value string) (LinkStrategy, error) {
	switch v := LinkStrategy(strings.ToLower(strings.TrimSpace(value))); v {
	case "":
		return LinkSymlink, nil
	case LinkSymlink, LinkHardlink, LinkCopy:
		return v, nil
	default:
		return "", descriptor.InvalidEnum("config", "link.strategy", value, LinkStrategies())
	}
}

type Options struct {
	Strategy LinkStrategy
	Logger   zerolog.Logger
}

type Store struct {
	layout   paths.Layout
	strategy LinkStrategy
	logger   zerolog.Logger
	keys     keyedMutex
	indexMu  sync.Mutex
	envMu    sync.Mutex
}

// Open prepares the home hierarchy and returns a store rooted in it.
func Open(layout paths.Layout, opts Options) (*Store, error) {
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = LinkSymlink
	}
	return &Store{layout: layout, strategy: strategy, logger: opts.Logger}, nil
}

func (s *Store) Layout() paths.Layout { return s.layout }

// Stage creates a private staging directory for one install. Staging lives
// on the same volume as the store so Place can rename it into position.
func (s *Store) Stage(tool string) (string, error) {
	if err := os.MkdirAll(s.layout.TmpDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare staging dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.layout.TmpDir, tool+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// PlaceRequest moves an interpreted layout into the arena. Executable is
// relative to Staged unless it is absolute.
type PlaceRequest struct {
	Tool           string
	Version        string
	Platform       descriptor.Platform
	Staged         string
	Executable     string
	ArtifactSHA256 string
}

// Place moves req.Staged to the canonical entry directory and records it in
// the index. When a verified entry already exists the staged directory is
// discarded and the existing artifact returned. Callers serialize Place for
// a key through Lock(ID).
func (s *Store) Place(ctx context.Context, req PlaceRequest) (descriptor.InstalledArtifact, error) {
	id := descriptor.IdentityHash(req.Tool, req.Version, req.Platform)
	var art descriptor.InstalledArtifact

	err := s.withStoreLock(ctx, false, func() error {
		if existing, ok, err := s.lookupID(id); err != nil {
			return err
		} else if ok {
			_ = os.RemoveAll(req.Staged)
			art = existing
			s.logger.Debug().Str("tool", req.Tool).Str("version", req.Version).Str("key", id).Msg("store entry already present")
			return nil
		}

		dest := s.layout.EntryDir(req.Tool, req.Version, req.Platform.String())
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("clear stale entry: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("prepare entry dir: %w", err)
		}
		if err := os.Rename(req.Staged, dest); err != nil {
			return fmt.Errorf("commit entry: %w", err)
		}

		exe := filepath.ToSlash(req.Executable)
		exePath := exe
		if !filepath.IsAbs(exe) {
			exePath = filepath.Join(dest, filepath.FromSlash(exe))
		}
		sum, err := netx.FileSHA256(exePath)
		if err != nil {
			return fmt.Errorf("hash executable: %w", err)
		}
		rel, err := filepath.Rel(s.layout.StoreDir, dest)
		if err != nil {
			return fmt.Errorf("relativize entry: %w", err)
		}
		entry := Entry{
			ID:               id,
			Tool:             req.Tool,
			Version:          req.Version,
			Platform:         req.Platform.String(),
			Path:             filepath.ToSlash(rel),
			Executable:       exe,
			ExecutableSHA256: sum,
			ArtifactSHA256:   req.ArtifactSHA256,
			PlacedAt:         nowFunc().UTC(),
		}
		if err := writeEntryReceipt(dest, entry); err != nil {
			return err
		}
		if err := s.withIndexLock(ctx, func() error {
			idx, err := loadIndex(s.layout.IndexFile)
			if err != nil {
				return err
			}
			idx.Entries[id] = entry
			return idx.save(s.layout.IndexFile)
		}); err != nil {
			return err
		}
		art = s.artifact(entry)
		s.logger.Info().Str("tool", req.Tool).Str("version", req.Version).Str("platform", entry.Platform).Str("key", id).Msg("store entry placed")
		return nil
	})
	return art, err
}

// Lookup returns the verified store entry for (tool, version, platform).
// An entry whose executable no longer matches its recorded content is
// reported as absent so the next Place replaces it.
func (s *Store) Lookup(tool, version string, p descriptor.Platform) (descriptor.InstalledArtifact, bool, error) {
	return s.lookupID(descriptor.IdentityHash(tool, version, p))
}

func (s *Store) lookupID(id string) (descriptor.InstalledArtifact, bool, error) {
	idx, err := loadIndex(s.layout.IndexFile)
	if err != nil {
		return descriptor.InstalledArtifact{}, false, err
	}
	entry, ok := idx.Entries[id]
	if !ok || !s.verify(entry) {
		return descriptor.InstalledArtifact{}, false, nil
	}
	return s.artifact(entry), true, nil
}

// Entries lists every indexed entry sorted by tool, version and platform.
func (s *Store) Entries() ([]Entry, error) {
	idx, err := loadIndex(s.layout.IndexFile)
	if err != nil {
		return nil, err
	}
	return idx.sorted(), nil
}

// Artifact returns the installed artifact for an entry ID.
func (s *Store) Artifact(id string) (descriptor.InstalledArtifact, bool, error) {
	idx, err := loadIndex(s.layout.IndexFile)
	if err != nil {
		return descriptor.InstalledArtifact{}, false, err
	}
	entry, ok := idx.Entries[id]
	if !ok {
		return descriptor.InstalledArtifact{}, false, nil
	}
	return s.artifact(entry), true, nil
}

func (s *Store) entryDir(e Entry) string {
	return filepath.Join(s.layout.StoreDir, filepath.FromSlash(e.Path))
}

func (s *Store) executablePath(e Entry) string {
	if filepath.IsAbs(e.Executable) {
		return e.Executable
	}
	return filepath.Join(s.entryDir(e), filepath.FromSlash(e.Executable))
}

func (s *Store) verify(e Entry) bool {
	var rec Entry
	if err := readJSON(filepath.Join(s.entryDir(e), entryReceipt), &rec); err != nil || rec.ID != e.ID {
		return false
	}
	sum, err := netx.FileSHA256(s.executablePath(e))
	return err == nil && sum == e.ExecutableSHA256
}

func (s *Store) artifact(e Entry) descriptor.InstalledArtifact {
	plat, err := descriptor.ParsePlatform(e.Platform)
	if err != nil {
		plat = descriptor.Platform{}
	}
	return descriptor.InstalledArtifact{
		ID:             e.ID,
		Tool:           e.Tool,
		Version:        e.Version,
		Platform:       plat,
		RootPath:       s.entryDir(e),
		ExecutablePath: s.executablePath(e),
		Origin:         descriptor.OriginStore,
	}
}

func writeEntryReceipt(dir string, e Entry) error {
	return writeJSON(filepath.Join(dir, entryReceipt), e)
}

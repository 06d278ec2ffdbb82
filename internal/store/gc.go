package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"vx/internal/paths"
)

// StagingMaxAge is how long an abandoned staging directory survives GC.
const StagingMaxAge = 24 * time.Hour

type GCOptions struct {
	DryRun bool
}

// GCReport summarizes a sweep. Freed counts bytes removed (or that would be
// removed in a dry run).
type GCReport struct {
	Removed   []Entry `json:"removed"`
	Retained  []Entry `json:"retained"`
	Staging   int     `json:"staging"`
	Downloads int     `json:"downloads"`
	Freed     int64   `json:"freed"`
	DryRun    bool    `json:"dry_run"`
}

// References counts, for every entry ID, the environments that bind it.
func (s *Store) References() (map[string]int, error) {
	refs, _, err := s.references()
	return refs, err
}

func (s *Store) references() (map[string]int, []string, error) {
	envs, err := s.Environments()
	if err != nil {
		return nil, nil, err
	}
	refs := make(map[string]int)
	for _, env := range envs {
		m, err := loadEnvManifest(env)
		if err != nil {
			return nil, nil, err
		}
		for _, b := range m.Bindings {
			if b.Entry != "" {
				refs[b.Entry]++
			}
		}
	}

	reg, err := s.loadProjects()
	if err != nil {
		return nil, nil, err
	}
	var stale []string
	for _, root := range reg.Projects {
		if ok, _ := paths.FileExists(filepath.Join(paths.ProjectEnvDir(root), envManifestName)); !ok {
			stale = append(stale, root)
		}
	}
	return refs, stale, nil
}

// GC deletes every store entry no environment references, staging
// directories older than StagingMaxAge and leftover downloads. It holds the
// store lock exclusively, so no provisioning runs concurrently.
func (s *Store) GC(ctx context.Context, opts GCOptions) (GCReport, error) {
	report := GCReport{DryRun: opts.DryRun}
	err := s.withStoreLock(ctx, true, func() error {
		refs, stale, err := s.references()
		if err != nil {
			return err
		}

		return s.withIndexLock(ctx, func() error {
			idx, err := loadIndex(s.layout.IndexFile)
			if err != nil {
				return err
			}
			for _, entry := range idx.sorted() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if refs[entry.ID] > 0 {
					report.Retained = append(report.Retained, entry)
					continue
				}
				dir := s.entryDir(entry)
				report.Freed += dirSize(dir)
				report.Removed = append(report.Removed, entry)
				if opts.DryRun {
					continue
				}
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("remove %s %s: %w", entry.Tool, entry.Version, err)
				}
				pruneEmptyParents(filepath.Dir(dir), s.layout.StoreDir)
				delete(idx.Entries, entry.ID)
				s.logger.Info().Str("tool", entry.Tool).Str("version", entry.Version).Str("platform", entry.Platform).Msg("removed unreferenced entry")
			}

			staging, freed, err := s.sweepStaging(opts.DryRun)
			if err != nil {
				return err
			}
			report.Staging = staging
			report.Freed += freed

			downloads, freed, err := s.sweepDownloads(opts.DryRun)
			if err != nil {
				return err
			}
			report.Downloads = downloads
			report.Freed += freed

			if opts.DryRun {
				return nil
			}
			if len(stale) > 0 {
				if err := s.updateProjects(ctx, func(reg *projectRegistry) bool {
					reg.Projects = without(reg.Projects, stale)
					return true
				}); err != nil {
					return err
				}
			}
			return idx.save(s.layout.IndexFile)
		})
	})
	return report, err
}

func (s *Store) sweepStaging(dryRun bool) (int, int64, error) {
	entries, err := os.ReadDir(s.layout.TmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read staging dir: %w", err)
	}
	cutoff := nowFunc().Add(-StagingMaxAge)
	var (
		count int
		freed int64
	)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.layout.TmpDir, entry.Name())
		freed += dirSize(path)
		count++
		if dryRun {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return count, freed, fmt.Errorf("remove staging %s: %w", entry.Name(), err)
		}
	}
	return count, freed, nil
}

// sweepDownloads removes every file left in the download cache. Completed
// installs delete their artifact, so anything here belongs to a failed or
// interrupted one.
func (s *Store) sweepDownloads(dryRun bool) (int, int64, error) {
	var (
		count int
		freed int64
	)
	err := filepath.WalkDir(s.layout.DownloadsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			freed += info.Size()
		}
		count++
		if dryRun {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove download %s: %w", d.Name(), err)
		}
		pruneEmptyParents(filepath.Dir(path), s.layout.DownloadsDir)
		return nil
	})
	if err != nil {
		return count, freed, fmt.Errorf("sweep downloads: %w", err)
	}
	return count, freed, nil
}

func dirSize(root string) int64 {
	var size int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

// pruneEmptyParents removes empty directories from dir up to, but not
// including, stop.
func pruneEmptyParents(dir, stop string) {
	for dir != stop && len(dir) > len(stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func without(list, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}
	out := list[:0]
	for _, v := range list {
		if _, ok := skip[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

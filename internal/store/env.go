package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"vx/internal/paths"
	"vx/pkg/descriptor"
)

const (
	envManifestName = "env.json"
	projectsLockKey = "projects"

	// DefaultEnv is the named environment used when a caller names none.
	DefaultEnv = "default"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type EnvKind string

const (
	EnvNamed   EnvKind = "named"
	EnvProject EnvKind = "project"
)

// Env identifies an environment directory. It holds references only.
type Env struct {
	Name string  `json:"name"`
	Kind EnvKind `json:"kind"`
	Dir  string  `json:"dir"`
	Root string  `json:"root,omitempty"`
}

func (e Env) BinDir() string { return filepath.Join(e.Dir, "bin") }

func (e Env) manifestPath() string { return filepath.Join(e.Dir, envManifestName) }

func (e Env) lockKey() string {
	return fmt.Sprintf("env-%x", sha256.Sum256([]byte(e.Dir)))[:20]
}

func (e Env) String() string {
	if e.Kind == EnvProject {
		return "project:" + e.Root
	}
	return e.Name
}

// Binding records which store entry an environment exposes for a tool.
// Store-backed bindings hold the entry ID; system artifacts hold the
// absolute executable path.
type Binding struct {
	Tool       string            `json:"tool"`
	Version    string            `json:"version"`
	Platform   string            `json:"platform"`
	Origin     descriptor.Origin `json:"origin"`
	Entry      string            `json:"entry,omitempty"`
	Executable string            `json:"executable,omitempty"`
	Link       string            `json:"link"`
	LinkedAt   time.Time         `json:"linked_at"`
}

type envManifest struct {
	Name     string             `json:"name"`
	Kind     EnvKind            `json:"kind"`
	Root     string             `json:"root,omitempty"`
	Bindings map[string]Binding `json:"bindings"`
}

type projectRegistry struct {
	Projects []string `json:"projects"`
}

// NamedEnv returns the named environment under the home envs directory.
func (s *Store) NamedEnv(name string) (Env, error) {
	if name == "" {
		name = DefaultEnv
	}
	if !envNamePattern.MatchString(name) {
		return Env{}, &descriptor.SchemaError{Source: "env", Field: "name", Message: fmt.Sprintf("%q is not a valid environment name", name)}
	}
	return Env{Name: name, Kind: EnvNamed, Dir: s.layout.EnvDir(name)}, nil
}

// ProjectEnv returns the environment stored inside a project root.
func (s *Store) ProjectEnv(root string) (Env, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Env{}, fmt.Errorf("resolve project root: %w", err)
	}
	return Env{Name: filepath.Base(abs), Kind: EnvProject, Dir: paths.ProjectEnvDir(abs), Root: abs}, nil
}

func loadEnvManifest(env Env) (envManifest, error) {
	m := envManifest{Name: env.Name, Kind: env.Kind, Root: env.Root, Bindings: map[string]Binding{}}
	if err := readJSON(env.manifestPath(), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return m, fmt.Errorf("read environment %s: %w", env, err)
	}
	if m.Bindings == nil {
		m.Bindings = map[string]Binding{}
	}
	return m, nil
}

// Link binds art to tool in env and materializes its bin entry. Store bytes
// are never copied or modified; the copy strategy duplicates the executable
// into the environment only.
func (s *Store) Link(ctx context.Context, env Env, art descriptor.InstalledArtifact) (Binding, error) {
	var binding Binding
	err := s.withStoreLock(ctx, false, func() error {
		unlock, err := s.Lock(ctx, env.lockKey())
		if err != nil {
			return err
		}
		defer unlock()

		target := art.ExecutablePath
		binding = Binding{
			Tool:     art.Tool,
			Version:  art.Version,
			Platform: art.Platform.String(),
			Origin:   art.Origin,
			Link:     filepath.Base(art.ExecutablePath),
			LinkedAt: nowFunc().UTC(),
		}
		if art.Origin == descriptor.OriginStore || art.Origin == "" {
			stored, ok, err := s.Artifact(art.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("link %s: entry %s is not in the store", art.Tool, art.ID)
			}
			binding.Origin = descriptor.OriginStore
			binding.Entry = art.ID
			target = stored.ExecutablePath
		} else {
			binding.Executable = art.ExecutablePath
		}

		m, err := loadEnvManifest(env)
		if err != nil {
			return err
		}
		if prev, ok := m.Bindings[art.Tool]; ok && prev.Link != "" && prev.Link != binding.Link {
			_ = os.Remove(filepath.Join(env.BinDir(), prev.Link))
		}
		if err := s.materialize(env.BinDir(), binding.Link, target); err != nil {
			return err
		}
		m.Bindings[art.Tool] = binding
		if err := writeJSON(env.manifestPath(), m); err != nil {
			return err
		}
		if env.Kind == EnvProject {
			if err := s.registerProject(ctx, env.Root); err != nil {
				return err
			}
		}
		s.logger.Debug().Str("tool", art.Tool).Str("version", art.Version).Str("env", env.String()).Msg("linked")
		return nil
	})
	return binding, err
}

// Unlink removes tool's binding and bin entry from env. The store entry is
// left for GC.
func (s *Store) Unlink(ctx context.Context, env Env, tool string) error {
	return s.withStoreLock(ctx, false, func() error {
		unlock, err := s.Lock(ctx, env.lockKey())
		if err != nil {
			return err
		}
		defer unlock()

		m, err := loadEnvManifest(env)
		if err != nil {
			return err
		}
		binding, ok := m.Bindings[tool]
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrNotLinked, tool, env)
		}
		if binding.Link != "" {
			if err := os.Remove(filepath.Join(env.BinDir(), binding.Link)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove link: %w", err)
			}
		}
		delete(m.Bindings, tool)
		if err := writeJSON(env.manifestPath(), m); err != nil {
			return err
		}
		s.logger.Debug().Str("tool", tool).Str("env", env.String()).Msg("unlinked")
		return nil
	})
}

// Bindings lists env's bindings sorted by tool.
func (s *Store) Bindings(env Env) ([]Binding, error) {
	m, err := loadEnvManifest(env)
	if err != nil {
		return nil, err
	}
	out := make([]Binding, 0, len(m.Bindings))
	for _, b := range m.Bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out, nil
}

// Which resolves the artifact env exposes for tool.
func (s *Store) Which(env Env, tool string) (descriptor.InstalledArtifact, error) {
	m, err := loadEnvManifest(env)
	if err != nil {
		return descriptor.InstalledArtifact{}, err
	}
	binding, ok := m.Bindings[tool]
	if !ok {
		return descriptor.InstalledArtifact{}, fmt.Errorf("%w: %s in %s", ErrNotLinked, tool, env)
	}
	if binding.Entry == "" {
		plat, _ := descriptor.ParsePlatform(binding.Platform)
		return descriptor.InstalledArtifact{
			Tool:           binding.Tool,
			Version:        binding.Version,
			Platform:       plat,
			RootPath:       filepath.Dir(binding.Executable),
			ExecutablePath: binding.Executable,
			Origin:         binding.Origin,
		}, nil
	}
	art, ok, err := s.Artifact(binding.Entry)
	if err != nil {
		return descriptor.InstalledArtifact{}, err
	}
	if !ok {
		return descriptor.InstalledArtifact{}, fmt.Errorf("%s in %s references missing store entry %s", tool, env, binding.Entry)
	}
	return art, nil
}

// Environments lists every named environment and every registered project
// environment that still exists.
func (s *Store) Environments() ([]Env, error) {
	var envs []Env
	entries, err := os.ReadDir(s.layout.EnvsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read environments: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		env, err := s.NamedEnv(entry.Name())
		if err != nil {
			continue
		}
		envs = append(envs, env)
	}

	reg, err := s.loadProjects()
	if err != nil {
		return nil, err
	}
	for _, root := range reg.Projects {
		env, err := s.ProjectEnv(root)
		if err != nil {
			continue
		}
		if ok, _ := paths.FileExists(env.manifestPath()); ok {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

func (s *Store) loadProjects() (projectRegistry, error) {
	var reg projectRegistry
	if err := readJSON(s.layout.ProjectsFile, &reg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return reg, fmt.Errorf("read project registry: %w", err)
	}
	return reg, nil
}

func (s *Store) registerProject(ctx context.Context, root string) error {
	return s.updateProjects(ctx, func(reg *projectRegistry) bool {
		for _, existing := range reg.Projects {
			if existing == root {
				return false
			}
		}
		reg.Projects = append(reg.Projects, root)
		sort.Strings(reg.Projects)
		return true
	})
}

func (s *Store) updateProjects(ctx context.Context, mutate func(*projectRegistry) bool) error {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	unlock, err := s.Lock(ctx, projectsLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	reg, err := s.loadProjects()
	if err != nil {
		return err
	}
	if !mutate(&reg) {
		return nil
	}
	return writeJSON(s.layout.ProjectsFile, reg)
}

// materialize creates binDir/name pointing at target using the configured
// strategy, degrading symlink to hardlink to copy when the platform refuses.
func (s *Store) materialize(binDir, name, target string) error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create env bin dir: %w", err)
	}
	dest := filepath.Join(binDir, name)
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace link %s: %w", name, err)
	}

	switch s.strategy {
	case LinkSymlink:
		rel, err := filepath.Rel(binDir, target)
		if err != nil {
			rel = target
		}
		if err := os.Symlink(rel, dest); err == nil {
			return nil
		}
		fallthrough
	case LinkHardlink:
		if err := os.Link(target, dest); err == nil {
			return nil
		}
	}
	if err := copyExecutable(target, dest); err != nil {
		return fmt.Errorf("materialize %s: %w", name, err)
	}
	return nil
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o100)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

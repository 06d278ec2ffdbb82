// Package registry holds the tool specs known to this process: the embedded
// built-in documents plus any documents found in user tool directories.
// Specs are loaded on first use and kept for the life of the registry.
package registry

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

//go:embed builtin
var builtinFS embed.FS

// ErrUnknownTool is returned when no spec declares the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// Builtin returns the embedded tool documents.
func Builtin() fs.FS {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		panic(err)
	}
	return sub
}

type Options struct {
	// Builtin replaces the embedded documents. Nil uses Builtin().
	Builtin fs.FS
	// Dirs are user tool directories, read in order. A user document
	// replaces any earlier document with the same name.
	Dirs   []string
	Logger zerolog.Logger
}

// Registry resolves tool names and aliases to specs.
type Registry struct {
	builtin fs.FS
	dirs    []string
	logger  zerolog.Logger

	once    sync.Once
	err     error
	specs   map[string]*toolspec.Spec
	aliases map[string]string
}

func New(opts Options) *Registry {
	r := &Registry{builtin: opts.Builtin, dirs: opts.Dirs, logger: opts.Logger}
	if r.builtin == nil {
		r.builtin = Builtin()
	}
	return r
}

// Load reads every document. Later calls return the first result.
func (r *Registry) Load() error {
	r.once.Do(func() {
		r.err = r.load()
	})
	return r.err
}

// Lookup returns the spec declaring name as its name or one of its aliases.
func (r *Registry) Lookup(name string) (*toolspec.Spec, error) {
	if err := r.Load(); err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if spec, ok := r.specs[key]; ok {
		return spec, nil
	}
	if canonical, ok := r.aliases[key]; ok {
		return r.specs[canonical], nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
}

// Specs returns every loaded spec ordered by name.
func (r *Registry) Specs() ([]*toolspec.Spec, error) {
	if err := r.Load(); err != nil {
		return nil, err
	}
	out := make([]*toolspec.Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) load() error {
	r.specs = make(map[string]*toolspec.Spec)

	var errs []error
	builtin, err := readDir(r.builtin, "builtin")
	if err != nil {
		errs = append(errs, err)
	}
	for _, spec := range builtin {
		r.specs[spec.Name] = spec
	}

	for _, dir := range r.dirs {
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Debug().Str("dir", dir).Msg("tool directory missing, skipping")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stat tool directory %s: %w", dir, err))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("tool directory %s is not a directory", dir))
			continue
		}
		specs, err := readDir(os.DirFS(dir), dir)
		if err != nil {
			errs = append(errs, err)
		}
		for _, spec := range specs {
			if prev, ok := r.specs[spec.Name]; ok {
				r.logger.Info().Str("tool", spec.Name).Str("source", spec.Source).Str("replaces", prev.Source).Msg("tool spec overridden")
			}
			r.specs[spec.Name] = spec
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.aliases = make(map[string]string)
	for _, name := range sortedNames(r.specs) {
		for _, alias := range r.specs[name].Aliases {
			if _, clash := r.specs[alias]; clash {
				errs = append(errs, &descriptor.SchemaError{Source: r.specs[name].Source, Field: "aliases", Message: fmt.Sprintf("%q is already a tool name", alias)})
				continue
			}
			if owner, clash := r.aliases[alias]; clash && owner != name {
				errs = append(errs, &descriptor.SchemaError{Source: r.specs[name].Source, Field: "aliases", Message: fmt.Sprintf("%q is already an alias of %s", alias, owner)})
				continue
			}
			r.aliases[alias] = name
		}
	}
	r.logger.Debug().Int("tools", len(r.specs)).Int("dirs", len(r.dirs)).Msg("tool registry loaded")
	return errors.Join(errs...)
}

// readDir parses every top-level tool document in fsys. Provider scripts
// referenced by script_file are read alongside.
func readDir(fsys fs.FS, label string) ([]*toolspec.Spec, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read tool directory %s: %w", label, err)
	}
	var (
		specs []*toolspec.Spec
		errs  []error
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := toolspec.FormatFor(entry.Name()); !ok {
			continue
		}
		spec, err := toolspec.Load(fsys, entry.Name())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errors.Join(errs...)
}

func sortedNames(specs map[string]*toolspec.Spec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

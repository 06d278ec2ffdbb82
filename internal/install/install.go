package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vx/internal/netx"
	"vx/internal/runner"
	"vx/pkg/descriptor"
)

// scratchDir holds intermediate extraction output inside a target; it never
// survives a successful interpretation.
const scratchDir = ".vx-scratch"

type Options struct {
	Runner runner.Runner
	Logger zerolog.Logger
}

// Interpreter turns a downloaded artifact and an InstallDescriptor into an
// on-disk layout. It walks the closed set of descriptor variants; tool
// definitions never supply code that runs here.
type Interpreter struct {
	runner runner.Runner
	logger zerolog.Logger
}

func New(opts Options) *Interpreter {
	in := &Interpreter{runner: opts.Runner, logger: opts.Logger}
	if in.runner == nil {
		in.runner = runner.Exec{}
	}
	return in
}

// Request describes one interpretation. Target is a private directory the
// layout is written to; ArtifactName defaults to the base name of Artifact
// and selects the archive format.
type Request struct {
	Tool           string
	Version        string
	Platform       descriptor.Platform
	Descriptor     descriptor.InstallDescriptor
	Capabilities   descriptor.Capabilities
	Artifact       string
	ArtifactName   string
	ArtifactSHA256 string
	Target         string
}

type Result struct {
	Artifact descriptor.InstalledArtifact
	Receipt  Receipt
	Reused   bool
}

// Interpret produces the layout for req. A target that already holds a
// receipt for the same descriptor and artifact, with an executable whose
// content still matches, is returned unchanged.
func (in *Interpreter) Interpret(ctx context.Context, req Request) (Result, error) {
	if err := req.Descriptor.Validate(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.Target) == "" {
		return Result{}, errors.New("install target is required")
	}
	if req.ArtifactName == "" {
		req.ArtifactName = filepath.Base(req.Artifact)
	}
	if req.ArtifactSHA256 == "" {
		sum, err := netx.FileSHA256(req.Artifact)
		if err != nil {
			return Result{}, fmt.Errorf("hash artifact: %w", err)
		}
		req.ArtifactSHA256 = sum
	}
	plat := req.Platform
	if req.Descriptor.Universal {
		plat = descriptor.Universal
	}

	descHash := req.Descriptor.Hash()
	if rec, err := ReadReceipt(req.Target); err == nil {
		if rec.DescriptorHash == descHash && rec.ArtifactSHA256 == req.ArtifactSHA256 && rec.Verify(req.Target) {
			in.logger.Debug().Str("tool", req.Tool).Str("version", req.Version).Str("target", req.Target).Msg("layout already interpreted")
			return Result{Artifact: artifactFor(req, plat, rec), Receipt: rec, Reused: true}, nil
		}
	}

	if err := os.RemoveAll(req.Target); err != nil {
		return Result{}, fmt.Errorf("reset install target: %w", err)
	}
	if err := os.MkdirAll(req.Target, 0o755); err != nil {
		return Result{}, fmt.Errorf("create install target: %w", err)
	}

	start := time.Now()
	var (
		exe string
		err error
	)
	switch req.Descriptor.Kind {
	case descriptor.KindArchive:
		exe, err = in.archive(req)
	case descriptor.KindBinary:
		exe, err = in.binary(req)
	case descriptor.KindAdminInstall:
		exe, err = in.admin(ctx, req)
	}
	_ = os.RemoveAll(filepath.Join(req.Target, scratchDir))
	if err != nil {
		return Result{}, err
	}

	rec := Receipt{
		Tool:           req.Tool,
		Version:        req.Version,
		Platform:       plat.String(),
		DescriptorHash: descHash,
		ArtifactSHA256: req.ArtifactSHA256,
		Executable:     exe,
		InterpretedAt:  time.Now().UTC(),
	}
	sum, err := netx.FileSHA256(rec.ExecutablePath(req.Target))
	if err != nil {
		return Result{}, fmt.Errorf("hash executable: %w", err)
	}
	rec.ExecutableSHA256 = sum
	if err := writeReceipt(req.Target, rec); err != nil {
		return Result{}, err
	}

	in.logger.Debug().
		Str("tool", req.Tool).
		Str("version", req.Version).
		Str("kind", string(req.Descriptor.Kind)).
		Str("executable", exe).
		Dur("elapsed", time.Since(start)).
		Msg("layout interpreted")
	return Result{Artifact: artifactFor(req, plat, rec), Receipt: rec}, nil
}

func artifactFor(req Request, plat descriptor.Platform, rec Receipt) descriptor.InstalledArtifact {
	return descriptor.InstalledArtifact{
		ID:             descriptor.IdentityHash(req.Tool, req.Version, plat),
		Tool:           req.Tool,
		Version:        req.Version,
		Platform:       plat,
		RootPath:       req.Target,
		ExecutablePath: rec.ExecutablePath(req.Target),
		Origin:         descriptor.OriginStore,
	}
}

func (in *Interpreter) archive(req Request) (string, error) {
	layout := req.Descriptor.Archive
	format := detectFormat(req.ArtifactName)
	if format == formatNone {
		return "", &descriptor.StructuralMismatchError{
			Artifact: req.ArtifactName,
			Reason:   "artifact is not a recognised archive",
			TopLevel: []string{req.ArtifactName},
		}
	}
	if err := extractArchive(format, req.Artifact, req.Target, layout.StripPrefix); err != nil {
		return "", err
	}
	return resolveCandidates(req.ArtifactName, req.Target, layout.ExecutablePaths)
}

func (in *Interpreter) binary(req Request) (string, error) {
	layout := req.Descriptor.Binary

	source := req.Artifact
	if format := detectFormat(req.ArtifactName); format != formatNone {
		scratch := filepath.Join(req.Target, scratchDir)
		if err := extractArchive(format, req.Artifact, scratch, ""); err != nil {
			return "", err
		}
		found, err := findSource(scratch, layout.SourceName)
		if err != nil {
			return "", err
		}
		if found == "" {
			return "", &descriptor.StructuralMismatchError{
				Artifact: req.ArtifactName,
				Reason:   fmt.Sprintf("source %q not found", layout.SourceName),
				TopLevel: topLevel(scratch),
			}
		}
		source = found
	} else if filepath.Base(filepath.FromSlash(layout.SourceName)) != req.ArtifactName {
		return "", &descriptor.StructuralMismatchError{
			Artifact: req.ArtifactName,
			Reason:   fmt.Sprintf("source %q does not match the downloaded file", layout.SourceName),
			TopLevel: []string{req.ArtifactName},
		}
	}

	dir := req.Target
	if layout.TargetDir != "" {
		if filepath.IsAbs(layout.TargetDir) {
			if !req.Capabilities.AllowsPath(layout.TargetDir) {
				return "", &descriptor.PermissionDeniedError{Tool: req.Tool, Capability: "path", Target: layout.TargetDir}
			}
			dir = filepath.Clean(layout.TargetDir)
		} else {
			rel, ok := descriptor.CleanRelative(layout.TargetDir)
			if !ok {
				return "", &descriptor.SchemaError{Source: "layout", Field: "target_dir", Message: fmt.Sprintf("%q escapes the install root", layout.TargetDir)}
			}
			dir = filepath.Join(req.Target, filepath.FromSlash(rel))
		}
	}

	dest := filepath.Join(dir, layout.TargetName)
	if err := copyFile(source, dest); err != nil {
		return "", fmt.Errorf("place %s: %w", layout.TargetName, err)
	}
	if runtime.GOOS != "windows" {
		perm := layout.Permissions
		if perm == 0 {
			perm = 0o755
		}
		if err := os.Chmod(dest, perm); err != nil {
			return "", fmt.Errorf("chmod %s: %w", layout.TargetName, err)
		}
	}

	if rel, err := filepath.Rel(req.Target, dest); err == nil {
		if clean, ok := descriptor.CleanRelative(filepath.ToSlash(rel)); ok {
			return clean, nil
		}
	}
	return dest, nil
}

// findSource looks for name as a relative path first, then as a base name
// anywhere in the tree.
func findSource(root, name string) (string, error) {
	if rel, ok := descriptor.CleanRelative(name); ok && rel != "" {
		candidate := filepath.Join(root, filepath.FromSlash(rel))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	base := filepath.Base(filepath.FromSlash(name))
	var match string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == base {
			match = p
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return match, nil
}

// resolveCandidates returns the first candidate that exists as a regular
// file under root.
func resolveCandidates(artifact, root string, candidates []string) (string, error) {
	for _, candidate := range candidates {
		rel, ok := descriptor.CleanRelative(candidate)
		if !ok || rel == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err == nil && info.Mode().IsRegular() {
			return rel, nil
		}
	}
	return "", &descriptor.StructuralMismatchError{
		Artifact: artifact,
		Reason:   fmt.Sprintf("none of the executable paths %v exist", candidates),
		TopLevel: topLevel(root),
	}
}

func topLevel(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ReceiptFile || entry.Name() == scratchDir {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out
}

package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vx/internal/runner"
	"vx/pkg/descriptor"
)

const expandDir = ".vx-expand"

// installerCommand returns the extraction-only invocation for pkg. The
// program never registers anything system wide; it only writes into dir.
func installerCommand(pkg, dir string, extra []string) (string, []string, error) {
	switch strings.ToLower(filepath.Ext(pkg)) {
	case ".msi":
		args := []string{"/a", pkg, "/qn", "TARGETDIR=" + dir}
		return "msiexec", append(args, extra...), nil
	case ".pkg":
		args := []string{"--expand-full", pkg, dir}
		return "pkgutil", append(args, extra...), nil
	default:
		return "", nil, &descriptor.SchemaError{
			Source:  "layout",
			Field:   "package_path",
			Message: fmt.Sprintf("%q is not an installer package", filepath.Base(pkg)),
			Valid:   []string{".msi", ".pkg"},
		}
	}
}

func (in *Interpreter) admin(ctx context.Context, req Request) (string, error) {
	layout := req.Descriptor.Admin

	pkg := req.Artifact
	pkgName := req.ArtifactName
	if format := detectFormat(req.ArtifactName); format != formatNone {
		if layout.PackagePath == "" {
			return "", &descriptor.SchemaError{Source: "layout", Field: "package_path", Message: "is required when the download is an archive"}
		}
		scratch := filepath.Join(req.Target, scratchDir)
		if err := extractArchive(format, req.Artifact, scratch, ""); err != nil {
			return "", err
		}
		found, err := findSource(scratch, layout.PackagePath)
		if err != nil {
			return "", err
		}
		if found == "" {
			return "", &descriptor.StructuralMismatchError{
				Artifact: req.ArtifactName,
				Reason:   fmt.Sprintf("installer package %q not found", layout.PackagePath),
				TopLevel: topLevel(scratch),
			}
		}
		pkg, pkgName = found, filepath.Base(found)
	}

	abs, err := filepath.Abs(pkg)
	if err != nil {
		return "", fmt.Errorf("resolve installer package: %w", err)
	}
	out := filepath.Join(req.Target, expandDir)
	program, args, err := installerCommand(abs, out, layout.ExtraArgs)
	if err != nil {
		return "", err
	}
	if !req.Capabilities.AllowsExec(program) {
		return "", &descriptor.PermissionDeniedError{Tool: req.Tool, Capability: "exec", Target: program}
	}
	if program == "msiexec" {
		if err := os.MkdirAll(out, 0o755); err != nil {
			return "", fmt.Errorf("prepare expand dir: %w", err)
		}
	}

	in.logger.Debug().Str("tool", req.Tool).Str("program", program).Str("package", pkgName).Msg("expanding installer")
	res, err := in.runner.Run(ctx, program, args, runner.Options{Dir: req.Target})
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("%s %s: %s", program, pkgName, runner.Describe(res, err))
	}

	if err := hoist(out, req.Target); err != nil {
		return "", err
	}
	return resolveCandidates(pkgName, req.Target, layout.ExecutablePaths)
}

// hoist moves the contents of dir into parent and removes dir.
func hoist(dir, parent string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read expanded package: %w", err)
	}
	for _, entry := range entries {
		if err := os.Rename(filepath.Join(dir, entry.Name()), filepath.Join(parent, entry.Name())); err != nil {
			return fmt.Errorf("move %s: %w", entry.Name(), err)
		}
	}
	return os.RemoveAll(dir)
}

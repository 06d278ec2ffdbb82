package install

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"vx/pkg/descriptor"
)

type archiveFormat string

const (
	formatNone  archiveFormat = ""
	formatZip   archiveFormat = "zip"
	formatTar   archiveFormat = "tar"
	formatTarGz archiveFormat = "tar.gz"
	formatTarXz archiveFormat = "tar.xz"
	formatTarZs archiveFormat = "tar.zst"
)

// detectFormat infers the archive format from a file name. Plain files
// yield formatNone.
func detectFormat(name string) archiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return formatTarXz
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatTarZs
	case strings.HasSuffix(lower, ".tar"):
		return formatTar
	default:
		return formatNone
	}
}

// extractor writes archive entries under dest after removing prefix. It
// remembers every top-level entry so structural errors can report them.
type extractor struct {
	artifact string
	dest     string
	realDest string
	prefix   string
	topLevel map[string]struct{}
	mismatch string
}

func newExtractor(artifact, dest, prefix string) (*extractor, error) {
	clean, ok := descriptor.CleanRelative(prefix)
	if !ok {
		return nil, &descriptor.SchemaError{Source: "layout", Field: "strip_prefix", Message: fmt.Sprintf("%q escapes the install root", prefix)}
	}
	return &extractor{artifact: artifact, dest: dest, prefix: clean, topLevel: make(map[string]struct{})}, nil
}

// extractArchive expands artifactPath into dest according to format.
func extractArchive(format archiveFormat, artifactPath, dest, prefix string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("prepare extract dir: %w", err)
	}
	ex, err := newExtractor(filepath.Base(artifactPath), dest, prefix)
	if err != nil {
		return err
	}
	if ex.realDest, err = filepath.EvalSymlinks(dest); err != nil {
		return fmt.Errorf("resolve extract dir: %w", err)
	}

	switch format {
	case formatZip:
		err = ex.zip(artifactPath)
	case formatTar, formatTarGz, formatTarXz, formatTarZs:
		err = ex.tarFile(format, artifactPath)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}
	if err != nil {
		return err
	}
	if ex.mismatch != "" {
		return ex.structuralError(ex.mismatch)
	}
	return ex.verifyLinks()
}

func (ex *extractor) structuralError(reason string) error {
	top := make([]string, 0, len(ex.topLevel))
	for name := range ex.topLevel {
		top = append(top, name)
	}
	sort.Strings(top)
	return &descriptor.StructuralMismatchError{Artifact: ex.artifact, Reason: reason, TopLevel: top}
}

// target maps an archive entry name to its destination. skip is set for
// entries that vanish after stripping (the prefix directory itself).
func (ex *extractor) target(name string) (dest string, skip bool, err error) {
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
	rel, ok := descriptor.CleanRelative(name)
	if !ok {
		return "", false, fmt.Errorf("archive entry %q escapes the install root", name)
	}
	if rel == "" {
		return "", true, nil
	}
	top := rel
	if idx := strings.IndexByte(rel, '/'); idx >= 0 {
		top = rel[:idx]
	}
	ex.topLevel[top] = struct{}{}

	if ex.prefix != "" {
		switch {
		case rel == ex.prefix:
			return "", true, nil
		case strings.HasPrefix(rel, ex.prefix+"/"):
			rel = strings.TrimPrefix(rel, ex.prefix+"/")
		default:
			if ex.mismatch == "" {
				ex.mismatch = fmt.Sprintf("entry %q is outside strip prefix %q", name, ex.prefix)
			}
			return "", true, nil
		}
	}
	dest = filepath.Join(ex.dest, filepath.FromSlash(rel))
	if err := ex.confine(filepath.Dir(dest)); err != nil {
		return "", false, fmt.Errorf("archive entry %q: %w", name, err)
	}
	return dest, false, nil
}

// confine resolves p on disk, following links already extracted, and
// fails when the deepest existing part of it lies outside dest.
func (ex *extractor) confine(p string) error {
	existing, err := deepestExisting(p)
	if err != nil {
		return err
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", existing, err)
	}
	if !within(ex.realDest, resolved) {
		return fmt.Errorf("%s resolves outside the install root", p)
	}
	return nil
}

// checkLink rejects link targets that resolve outside dest. The link's
// directory is taken as it exists on disk.
func (ex *extractor) checkLink(dest, linkname string) error {
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("link %s points to absolute path %q", dest, linkname)
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(dest))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", filepath.Dir(dest), err)
	}
	relDir, err := filepath.Rel(ex.realDest, dir)
	if err != nil {
		return err
	}
	joined := path.Join(filepath.ToSlash(relDir), filepath.ToSlash(linkname))
	if _, ok := descriptor.CleanRelative(joined); !ok {
		return fmt.Errorf("link %s points outside the install root", dest)
	}
	return ex.confine(filepath.Join(ex.realDest, filepath.FromSlash(joined)))
}

// verifyLinks resolves every extracted link once the tree is complete.
// Dangling links are left alone.
func (ex *extractor) verifyLinks() error {
	return filepath.WalkDir(ex.realDest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve link %s: %w", p, err)
		}
		if !within(ex.realDest, resolved) {
			return fmt.Errorf("link %s points outside the install root", p)
		}
		return nil
	})
}

func deepestExisting(p string) (string, error) {
	for {
		_, err := os.Lstat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (ex *extractor) zip(archivePath string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return ex.structuralError(fmt.Sprintf("open zip: %v", err))
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, skip, err := ex.target(file.Name)
		if err != nil {
			return err
		}
		if skip || ex.mismatch != "" {
			continue
		}
		mode := file.Mode()
		switch {
		case file.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case mode&os.ModeSymlink != 0:
			rc, err := file.Open()
			if err != nil {
				return fmt.Errorf("open zip entry %s: %w", file.Name, err)
			}
			linkname, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return fmt.Errorf("read zip entry %s: %w", file.Name, err)
			}
			if err := ex.symlink(target, string(linkname)); err != nil {
				return err
			}
		default:
			rc, err := file.Open()
			if err != nil {
				return fmt.Errorf("open zip entry %s: %w", file.Name, err)
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (ex *extractor) tarFile(format archiveFormat, archivePath string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	switch format {
	case formatTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return ex.structuralError(fmt.Sprintf("gzip reader: %v", err))
		}
		defer gz.Close()
		r = gz
	case formatTarXz:
		xzr, err := xz.NewReader(file)
		if err != nil {
			return ex.structuralError(fmt.Sprintf("xz reader: %v", err))
		}
		r = xzr
	case formatTarZs:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return ex.structuralError(fmt.Sprintf("zstd reader: %v", err))
		}
		defer zr.Close()
		r = zr
	}
	return ex.untar(r)
}

func (ex *extractor) untar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return ex.structuralError(fmt.Sprintf("read tar header: %v", err))
		}
		switch header.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
			continue
		}
		target, skip, err := ex.target(header.Name)
		if err != nil {
			return err
		}
		if skip || ex.mismatch != "" {
			continue
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := ex.symlink(target, header.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			source, skip, err := ex.target(header.Linkname)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
			if err := ex.confine(source); err != nil {
				return fmt.Errorf("hard link %s: %w", header.Name, err)
			}
			if err := linkOrCopy(source, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and the like have no place in a tool layout.
		}
	}
}

func (ex *extractor) symlink(target, linkname string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare link %s: %w", target, err)
	}
	if err := ex.checkLink(target, linkname); err != nil {
		return err
	}
	_ = os.Remove(target)
	if err := os.Symlink(filepath.FromSlash(linkname), target); err != nil {
		return fmt.Errorf("create link %s: %w", target, err)
	}
	return nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare file %s: %w", target, err)
	}
	if perm == 0 {
		perm = 0o644
	}
	// A file entry replaces a link of the same name instead of writing
	// through it.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("replace link %s: %w", target, err)
		}
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	return nil
}

func linkOrCopy(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare file %s: %w", target, err)
	}
	_ = os.Remove(target)
	if err := os.Link(source, target); err == nil {
		return nil
	}
	return copyFile(source, target)
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return err
	}
	return writeFile(dst, source, info.Mode().Perm())
}

package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// HomeEnv overrides the default vx home directory.
const HomeEnv = "VX_HOME"

// ProjectDirName is the per-project metadata directory holding the project
// environment.
const ProjectDirName = ".vx"

// Layout captures canonical locations under a vx home.
type Layout struct {
	Home         string
	ConfigFile   string
	StoreDir     string
	IndexFile    string
	TmpDir       string
	LocksDir     string
	EnvsDir      string
	ProjectsFile string
	CacheDir     string
	DownloadsDir string
	ToolsDir     string
	LogsDir      string
}

// Resolve determines the home directory from the optional --home flag, then
// VX_HOME, then the per-OS default.
func Resolve(homeFlag string) (Layout, error) {
	root := strings.TrimSpace(homeFlag)
	if root == "" {
		if override, ok := os.LookupEnv(HomeEnv); ok && strings.TrimSpace(override) != "" {
			root = override
		}
	}
	if root == "" {
		def, err := DefaultHome()
		if err != nil {
			return Layout{}, err
		}
		root = def
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve vx home: %w", err)
	}
	return New(abs), nil
}

// DefaultHome returns the per-OS data directory used when no override is set.
func DefaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("detect user home: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "vx"), nil
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "vx"), nil
		}
		return filepath.Join(home, "AppData", "Local", "vx"), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "vx"), nil
		}
		return filepath.Join(home, ".local", "share", "vx"), nil
	}
}

// New lays out every location under root.
func New(root string) Layout {
	storeDir := filepath.Join(root, "store")
	cacheDir := filepath.Join(root, "cache")
	return Layout{
		Home:         root,
		ConfigFile:   filepath.Join(root, "config.yaml"),
		StoreDir:     storeDir,
		IndexFile:    filepath.Join(storeDir, "index.json"),
		TmpDir:       filepath.Join(root, "tmp"),
		LocksDir:     filepath.Join(root, "locks"),
		EnvsDir:      filepath.Join(root, "envs"),
		ProjectsFile: filepath.Join(root, "projects.json"),
		CacheDir:     cacheDir,
		DownloadsDir: filepath.Join(cacheDir, "downloads"),
		ToolsDir:     filepath.Join(root, "tools"),
		LogsDir:      filepath.Join(root, "logs"),
	}
}

// EnsureDirs creates the standard hierarchy.
func (l Layout) EnsureDirs() error {
	dirs := []string{l.StoreDir, l.TmpDir, l.LocksDir, l.EnvsDir, l.CacheDir, l.DownloadsDir, l.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// EnvDir returns the directory of a named environment.
func (l Layout) EnvDir(name string) string {
	return filepath.Join(l.EnvsDir, name)
}

// EntryDir returns the canonical store directory for (tool, version, platform).
func (l Layout) EntryDir(tool, version, platform string) string {
	return filepath.Join(l.StoreDir, tool, version, platform)
}

// ProjectEnvDir returns the environment directory inside a project root.
func ProjectEnvDir(projectRoot string) string {
	return filepath.Join(projectRoot, ProjectDirName)
}

// ResolvePath joins value onto root unless it is already absolute.
func ResolvePath(root, value string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(root, value)
}

// FileExists reports whether a path exists and is a regular file.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirExists reports whether a path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

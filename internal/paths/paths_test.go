package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePrefersFlag(t *testing.T) {
	flag := t.TempDir()
	t.Setenv(HomeEnv, t.TempDir())

	layout, err := Resolve(flag)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if layout.Home != flag {
		t.Fatalf("expected home %s, got %s", flag, layout.Home)
	}
	if layout.IndexFile != filepath.Join(flag, "store", "index.json") {
		t.Fatalf("unexpected index file %s", layout.IndexFile)
	}
}

func TestResolveUsesEnv(t *testing.T) {
	env := t.TempDir()
	t.Setenv(HomeEnv, env)

	layout, err := Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if layout.Home != env {
		t.Fatalf("expected home %s, got %s", env, layout.Home)
	}
}

func TestEnsureDirs(t *testing.T) {
	layout := New(filepath.Join(t.TempDir(), "vx"))
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	for _, dir := range []string{layout.StoreDir, layout.TmpDir, layout.LocksDir, layout.EnvsDir, layout.DownloadsDir} {
		ok, err := DirExists(dir)
		if err != nil || !ok {
			t.Fatalf("expected %s to exist (err=%v)", dir, err)
		}
	}
}

func TestEntryDir(t *testing.T) {
	layout := New("/data/vx")
	got := layout.EntryDir("node", "20.11.1", "linux-x64")
	want := filepath.Join("/data/vx", "store", "node", "20.11.1", "linux-x64")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	if got := ResolvePath(root, "tools"); got != filepath.Join(root, "tools") {
		t.Fatalf("relative path resolved to %s", got)
	}
	abs := filepath.Join(t.TempDir(), "elsewhere")
	if got := ResolvePath(root, abs); got != abs {
		t.Fatalf("absolute path resolved to %s", got)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := FileExists(file); !ok {
		t.Fatalf("expected file to exist")
	}
	if ok, _ := FileExists(dir); ok {
		t.Fatalf("directory reported as file")
	}
	if ok, _ := FileExists(filepath.Join(dir, "missing")); ok {
		t.Fatalf("missing file reported as existing")
	}
}

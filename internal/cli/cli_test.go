package cli

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

const demoSpec = `
name = "demo"
ecosystem = "devtools"
description = "Demo tool served by the test server"
aliases = ["dm"]

[capabilities]
hosts = ["127.0.0.1"]

[versions]
source = "static"
list = ["1.0.0", "1.2.3"]

[download]
url = "%s/demo-{version}-{os}-{arch}.tar.gz"

[layout]
kind = "archive"
strip_prefix = "demo-{version}"
executable_paths = ["bin/demo{exe}"]
`

func demoArchive(t *testing.T, version string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	body := []byte("#!/bin/sh\necho demo " + version + "\n")
	if err := tw.WriteHeader(&tar.Header{Name: "demo-" + version + "/bin/demo", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	if _, err := gz.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// newHome returns a vx home whose tools directory declares the demo tool,
// served by a local HTTP server.
func newHome(t *testing.T) string {
	t.Helper()
	archives := map[string][]byte{
		"/demo-1.0.0-linux-x64.tar.gz": demoArchive(t, "1.0.0"),
		"/demo-1.2.3-linux-x64.tar.gz": demoArchive(t, "1.2.3"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	home := t.TempDir()
	toolsDir := filepath.Join(home, "tools")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(toolsDir, "demo.toml"), []byte(fmt.Sprintf(demoSpec, srv.URL)), 0o644); err != nil {
		t.Fatal(err)
	}
	return home
}

func runCLI(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("VX_HOME", "")
	t.Setenv("VX_LOG_LEVEL", "error")
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--home", home, "--platform", "linux-x64"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, home, args...)
	if err != nil {
		t.Fatalf("vx %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestToolsListIncludesBuiltinsAndUserSpecs(t *testing.T) {
	out := mustRun(t, newHome(t), "tools", "list")
	for _, name := range []string{"7zip", "demo", "go", "jq", "node", "uv"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected %q in tools list:\n%s", name, out)
		}
	}
}

func TestToolsShowResolvesAlias(t *testing.T) {
	out := mustRun(t, newHome(t), "tools", "show", "nodejs")
	if !strings.Contains(out, "name: node") {
		t.Errorf("expected node spec, got:\n%s", out)
	}
	if _, err := runCLI(t, newHome(t), "tools", "show", "cobol"); err == nil {
		t.Error("expected unknown tool error")
	}
}

func TestConfigShowReadsHomeConfig(t *testing.T) {
	home := newHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("max_concurrent_downloads: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, home, "config", "show")
	if !strings.Contains(out, "max_concurrent_downloads: 2") {
		t.Errorf("expected configured value, got:\n%s", out)
	}
	if !strings.Contains(out, "# home: "+home) {
		t.Errorf("expected home header, got:\n%s", out)
	}
}

func TestInvalidConfigFailsEveryCommand(t *testing.T) {
	home := newHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("link:\n  strategy: teleport\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := runCLI(t, home, "list")
	if err == nil || !strings.Contains(err.Error(), "link.strategy") {
		t.Fatalf("expected link.strategy error, got %v", err)
	}
}

func TestInstallWhichListAndGC(t *testing.T) {
	home := newHome(t)

	out := mustRun(t, home, "install", "dm@1")
	if !strings.Contains(out, "installed") || !strings.Contains(out, "1.2.3") {
		t.Fatalf("unexpected install output:\n%s", out)
	}

	exe := strings.TrimSpace(mustRun(t, home, "which", "demo"))
	data, err := os.ReadFile(exe)
	if err != nil {
		t.Fatalf("read %s: %v", exe, err)
	}
	if !strings.Contains(string(data), "echo demo 1.2.3") {
		t.Errorf("unexpected executable contents %q", data)
	}

	out = mustRun(t, home, "install", "demo@1.2.3")
	if !strings.Contains(out, "reused") {
		t.Errorf("expected store reuse, got:\n%s", out)
	}

	out = mustRun(t, home, "list")
	if !strings.Contains(out, "demo") || !strings.Contains(out, "1.2.3") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	out = mustRun(t, home, "env", "show")
	if !strings.Contains(out, "demo") || !strings.Contains(out, filepath.Join(home, "envs", "default", "bin")) {
		t.Errorf("unexpected env show output:\n%s", out)
	}

	out = mustRun(t, home, "gc", "--dry-run")
	if !strings.Contains(out, "Would remove 0 entries") {
		t.Errorf("linked entry must be retained, got:\n%s", out)
	}

	mustRun(t, home, "env", "unlink", "dm")
	if _, err := runCLI(t, home, "which", "demo"); err == nil {
		t.Error("expected which to fail after unlink")
	}

	out = mustRun(t, home, "gc")
	if !strings.Contains(out, "Removed demo 1.2.3 (linux-x64)") {
		t.Errorf("expected entry removal, got:\n%s", out)
	}
	if out := mustRun(t, home, "list"); !strings.Contains(out, "Store is empty.") {
		t.Errorf("expected empty store, got:\n%s", out)
	}
}

func TestEnvLinkUsesInstalledVersionsOnly(t *testing.T) {
	home := newHome(t)
	mustRun(t, home, "install", "demo@1.0.0", "--env", "build")

	out := mustRun(t, home, "env", "link", "demo", "--env", "ci")
	if !strings.Contains(out, "Linked demo 1.0.0 into ci") {
		t.Errorf("unexpected link output:\n%s", out)
	}
	if _, err := runCLI(t, home, "env", "link", "demo@1.2.3", "--env", "ci"); err == nil {
		t.Error("expected no matching installed version")
	}

	out = mustRun(t, home, "env", "list")
	for _, env := range []string{"build", "ci"} {
		if !strings.Contains(out, env) {
			t.Errorf("expected env %q in:\n%s", env, out)
		}
	}
}

func TestInstallJSON(t *testing.T) {
	home := newHome(t)
	out := mustRun(t, home, "--json", "install", "demo@1.0.0")

	var rows []installOutcome
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(rows))
	}
	if rows[0].Status != "installed" || rows[0].Result == nil || rows[0].Result.Artifact.Version != "1.0.0" {
		t.Errorf("unexpected outcome %+v", rows[0])
	}
}

func TestInstallReportsEveryFailure(t *testing.T) {
	home := newHome(t)
	out, err := runCLI(t, home, "install", "demo@9", "cobol")
	if err == nil {
		t.Fatal("expected failure")
	}
	for _, want := range []string{"demo@9", "cobol"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error %v", want, err)
		}
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestSaveRequiresProject(t *testing.T) {
	if _, err := runCLI(t, newHome(t), "install", "demo", "--save"); err == nil {
		t.Fatal("expected --save without --project to fail")
	}
}

func TestSyncInstallsManifestPins(t *testing.T) {
	home := newHome(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vx.toml"), []byte("[tools]\ndemo = \"1.0.0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "src")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	out := mustRun(t, home, "sync")
	if !strings.Contains(out, "1.0.0") {
		t.Errorf("unexpected sync output:\n%s", out)
	}
	if _, err := os.Lstat(filepath.Join(dir, ".vx", "bin", "demo")); err != nil {
		t.Fatalf("expected project link: %v", err)
	}

	exe := strings.TrimSpace(mustRun(t, home, "which", "demo", "--project"))
	if !strings.HasPrefix(exe, home) {
		t.Errorf("expected store executable, got %q", exe)
	}
}

func TestInstallSaveWritesManifest(t *testing.T) {
	home := newHome(t)
	dir := t.TempDir()
	t.Chdir(dir)

	mustRun(t, home, "install", "dm", "--project", "--save")
	data, err := os.ReadFile(filepath.Join(dir, "vx.toml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(data), `demo = "1.2.3"`) {
		t.Errorf("expected pinned version, got:\n%s", data)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

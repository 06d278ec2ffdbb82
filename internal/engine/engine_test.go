package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vx/internal/config"
	"vx/internal/netx"
	"vx/internal/paths"
	"vx/internal/registry"
	"vx/internal/runner"
	"vx/internal/store"
	"vx/pkg/descriptor"
)

const demoSpec = `
name = "demo"
ecosystem = "devtools"
aliases = ["dm"]

[capabilities]
hosts = [%q]
exec = ["scoop", "choco"]

[versions]
source = "static"
list = ["1.0.0", "1.2.3", "2.0.0-rc.1"]

[download]
url = "%s/demo-{version}-{os}-{arch}.tar.gz"
unsupported = ["windows-arm64"]

[layout]
kind = "archive"
strip_prefix = "demo-{version}"
executable_paths = ["bin/demo{exe}"]

[[fallbacks]]
manager = "scoop"
package = "demo"
priority = 90

[[fallbacks]]
manager = "choco"
package = "demo"
priority = 60
`

var (
	linuxX64     = descriptor.Platform{OS: descriptor.OSLinux, Arch: descriptor.ArchX64}
	windowsARM64 = descriptor.Platform{OS: descriptor.OSWindows, Arch: descriptor.ArchARM64}
)

func demoArchive(t *testing.T, version string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	body := []byte("#!/bin/sh\necho demo " + version + "\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "demo-" + version + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "demo-" + version + "/bin/demo", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	_, err = gz.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return out.Bytes()
}

type artifactServer struct {
	*httptest.Server
	hits atomic.Int32

	// When gated, the first download signals started and then waits for
	// release to be closed.
	gated   atomic.Bool
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newArtifactServer(t *testing.T) *artifactServer {
	t.Helper()
	archives := map[string][]byte{
		"/demo-1.2.3-linux-x64.tar.gz": demoArchive(t, "1.2.3"),
		"/demo-1.0.0-linux-x64.tar.gz": demoArchive(t, "1.0.0"),
	}
	s := &artifactServer{started: make(chan struct{}), release: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if s.gated.Load() {
			s.once.Do(func() { close(s.started) })
			<-s.release
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

type fakeHost struct {
	mu      sync.Mutex
	onPath  map[string]string
	exeDir  string
	runs    []string
	install string
}

func (h *fakeHost) LookPath(file string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.onPath[file]; ok {
		return p, nil
	}
	return "", exec.ErrNotFound
}

func (h *fakeHost) Run(_ context.Context, command string, args []string, _ runner.Options) (runner.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	program := filepath.Base(command)
	h.runs = append(h.runs, program)
	if program == h.install {
		exe := filepath.Join(h.exeDir, "demo")
		if err := os.WriteFile(exe, []byte("demo"), 0o755); err != nil {
			return runner.Result{ExitCode: 1}, err
		}
		h.onPath["demo"] = exe
	}
	return runner.Result{}, nil
}

type fixture struct {
	engine *Engine
	server *artifactServer
	host   *fakeHost
	layout paths.Layout
}

func newFixture(t *testing.T, allowedHost string) *fixture {
	t.Helper()
	srv := newArtifactServer(t)
	if allowedHost == "" {
		allowedHost = "127.0.0.1"
	}
	reg := registry.New(registry.Options{Builtin: fstest.MapFS{
		"demo.toml": {Data: []byte(fmt.Sprintf(demoSpec, allowedHost, srv.URL))},
	}})

	layout := paths.New(t.TempDir())
	st, err := store.Open(layout, store.Options{})
	require.NoError(t, err)

	host := &fakeHost{onPath: map[string]string{}, exeDir: t.TempDir()}
	eng, err := New(Options{
		Config:   config.Default(),
		Registry: reg,
		Store:    st,
		Fetcher:  netx.New(netx.Options{Retries: 0}),
		Runner:   host,
		LookPath: host.LookPath,
		Platform: linuxX64,
	})
	require.NoError(t, err)
	return &fixture{engine: eng, server: srv, host: host, layout: layout}
}

func TestProvisionInstallsAndLinks(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.engine.Provision(ctx, Request{Tool: "dm", Constraint: "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
	assert.True(t, res.Installed)
	assert.Equal(t, "demo", res.Artifact.Tool)
	assert.Equal(t, "1.2.3", res.Artifact.Version)
	assert.Equal(t, descriptor.OriginStore, res.Artifact.Origin)
	assert.Equal(t, store.DefaultEnv, res.Env.Name)

	data, err := os.ReadFile(res.Artifact.ExecutablePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "echo demo 1.2.3")
	_, err = os.Lstat(filepath.Join(res.Env.BinDir(), "demo"))
	require.NoError(t, err)

	again, err := f.engine.Provision(ctx, Request{Tool: "demo", Constraint: "1.2.3"})
	require.NoError(t, err)
	assert.False(t, again.Installed)
	assert.Equal(t, res.Artifact, again.Artifact)
	assert.EqualValues(t, 1, f.server.hits.Load(), "the store entry is reused")

	which, err := f.engine.Which(res.Env, "dm")
	require.NoError(t, err)
	assert.Equal(t, res.Artifact.ID, which.ID)
}

func TestLatestSkipsPrerelease(t *testing.T) {
	f := newFixture(t, "")
	versions, err := f.engine.Versions(context.Background(), "demo", false)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "2.0.0-rc.1", versions[0].Raw)

	res, err := f.engine.Provision(context.Background(), Request{Tool: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", res.Artifact.Version)
}

func TestConcurrentRequestsShareOneInstall(t *testing.T) {
	f := newFixture(t, "")
	const callers = 8

	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Provision(context.Background(), Request{Tool: "demo", Constraint: "1.2.3"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Artifact, results[i].Artifact)
	}
	assert.EqualValues(t, 1, f.server.hits.Load())

	entries, err := f.engine.Store().Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNoArtifactFallsBackToPresentManager(t *testing.T) {
	f := newFixture(t, "")
	f.host.onPath["choco"] = "/usr/bin/choco"
	f.host.install = "choco"

	res, err := f.engine.Provision(context.Background(), Request{Tool: "demo", Platform: windowsARM64})
	require.NoError(t, err)
	assert.Equal(t, descriptor.OriginSystemPackageManager, res.Artifact.Origin)
	assert.Equal(t, filepath.Join(f.host.exeDir, "demo"), res.Artifact.ExecutablePath)
	assert.Equal(t, []string{"choco"}, f.host.runs, "scoop is absent and never runs")
	assert.EqualValues(t, 0, f.server.hits.Load())

	which, err := f.engine.Which(res.Env, "demo")
	require.NoError(t, err)
	assert.Equal(t, descriptor.OriginSystemPackageManager, which.Origin)
}

func TestNoManagerPresentFailsEveryFallback(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.engine.Provision(context.Background(), Request{Tool: "demo", Platform: windowsARM64})

	var all *descriptor.AllFallbacksFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 2)
	assert.Equal(t, "scoop", all.Failures[0].Manager)
	assert.Equal(t, "choco", all.Failures[1].Manager)
}

func TestUndeclaredHostIsDeniedWithoutNetwork(t *testing.T) {
	f := newFixture(t, "downloads.example.com")
	_, err := f.engine.Provision(context.Background(), Request{Tool: "demo"})
	assert.ErrorIs(t, err, descriptor.ErrPermissionDenied)
	assert.EqualValues(t, 0, f.server.hits.Load())
}

func TestNoMatchingVersion(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.engine.Provision(context.Background(), Request{Tool: "demo", Constraint: "7"})
	var nomatch *descriptor.NoMatchingVersionError
	require.ErrorAs(t, err, &nomatch)
	assert.NotEmpty(t, nomatch.Nearest)
}

type countingReporter struct {
	started   atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
}

func (r *countingReporter) Start(Request) { r.started.Add(1) }

func (r *countingReporter) Complete(_ Request, _ Result, err error) {
	r.completed.Add(1)
	if err != nil {
		r.failed.Add(1)
	}
}

func TestProvisionAllJoinsErrors(t *testing.T) {
	f := newFixture(t, "")
	rep := &countingReporter{}

	outcomes, err := f.engine.ProvisionAll(context.Background(), []Request{
		{Tool: "demo", Constraint: "1.0.0", Env: "ci"},
		{Tool: "nope"},
	}, rep)
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnknownTool))
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "1.0.0", outcomes[0].Result.Artifact.Version)
	assert.Equal(t, "ci", outcomes[0].Result.Env.Name)
	assert.EqualValues(t, 2, rep.started.Load())
	assert.EqualValues(t, 2, rep.completed.Load())
	assert.EqualValues(t, 1, rep.failed.Load())
}

func TestUnlinkThenGCRemovesEntry(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	res, err := f.engine.Provision(ctx, Request{Tool: "demo", Constraint: "1.2.3"})
	require.NoError(t, err)
	require.NoError(t, f.engine.Unlink(ctx, res.Env, "dm"))

	report, err := f.engine.GC(ctx, store.GCOptions{})
	require.NoError(t, err)
	require.Len(t, report.Removed, 1)
	assert.Equal(t, res.Artifact.ID, report.Removed[0].ID)
	_, err = os.Stat(res.Artifact.RootPath)
	assert.True(t, os.IsNotExist(err))
}

func TestGCWaitsForInFlightProvision(t *testing.T) {
	f := newFixture(t, "")
	f.server.gated.Store(true)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Provision(ctx, Request{Tool: "demo", Constraint: "1.2.3"})
		done <- err
	}()
	<-f.server.started

	gcCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err := f.engine.GC(gcCtx, store.GCOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(f.server.release)
	require.NoError(t, <-done)

	report, err := f.engine.GC(ctx, store.GCOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	require.Len(t, report.Retained, 1)
	assert.Equal(t, "demo", report.Retained[0].Tool)
}

func TestCancelledRequestLeavesNoEntry(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Provision(ctx, Request{Tool: "demo", Constraint: "1.2.3"})
	require.Error(t, err)

	entries, err := f.engine.Store().Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

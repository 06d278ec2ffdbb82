package store

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vx/internal/paths"
	"vx/pkg/descriptor"
)

var linux = descriptor.Platform{OS: descriptor.OSLinux, Arch: descriptor.ArchX64}

func openStore(t *testing.T, strategy LinkStrategy) *Store {
	t.Helper()
	s, err := Open(paths.New(filepath.Join(t.TempDir(), "home")), Options{Strategy: strategy})
	require.NoError(t, err)
	return s
}

func place(t *testing.T, s *Store, tool, version, body string) descriptor.InstalledArtifact {
	t.Helper()
	staged, err := s.Stage(tool)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "bin", tool), []byte(body), 0o755))
	art, err := s.Place(context.Background(), PlaceRequest{
		Tool:       tool,
		Version:    version,
		Platform:   linux,
		Staged:     staged,
		Executable: "bin/" + tool,
	})
	require.NoError(t, err)
	return art
}

func TestPlaceIsNoOpForExistingKey(t *testing.T) {
	s := openStore(t, LinkSymlink)
	first := place(t, s, "node", "20.11.1", "node-a")

	staged, err := s.Stage("node")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staged, "other"), []byte("b"), 0o644))
	second, err := s.Place(context.Background(), PlaceRequest{
		Tool: "node", Version: "20.11.1", Platform: linux, Staged: staged, Executable: "other",
	})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NoDirExists(t, staged)
	assert.Equal(t, s.Layout().EntryDir("node", "20.11.1", "linux-x64"), first.RootPath)
	assert.Equal(t, descriptor.IdentityHash("node", "20.11.1", linux), first.ID)

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLookupVerifiesContent(t *testing.T) {
	s := openStore(t, LinkSymlink)
	art := place(t, s, "jq", "1.7.1", "jq")

	got, ok, err := s.Lookup("jq", "1.7.1", linux)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art, got)

	require.NoError(t, os.WriteFile(art.ExecutablePath, []byte("corrupt"), 0o755))
	_, ok, err = s.Lookup("jq", "1.7.1", linux)
	require.NoError(t, err)
	assert.False(t, ok)

	replaced := place(t, s, "jq", "1.7.1", "jq")
	data, err := os.ReadFile(replaced.ExecutablePath)
	require.NoError(t, err)
	assert.Equal(t, "jq", string(data))
}

func TestGCRemovesEntryAfterOnlyReferenceIsUnlinked(t *testing.T) {
	s := openStore(t, LinkSymlink)
	ctx := context.Background()
	art := place(t, s, "uv", "0.4.0", "uv")
	env, err := s.NamedEnv("dev")
	require.NoError(t, err)

	_, err = s.Link(ctx, env, art)
	require.NoError(t, err)

	report, err := s.GC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	require.Len(t, report.Retained, 1)

	require.NoError(t, s.Unlink(ctx, env, "uv"))
	assert.FileExists(t, art.ExecutablePath, "unlink never deletes store bytes")

	report, err = s.GC(ctx, GCOptions{})
	require.NoError(t, err)
	require.Len(t, report.Removed, 1)
	assert.Equal(t, art.ID, report.Removed[0].ID)
	assert.Positive(t, report.Freed)
	assert.NoDirExists(t, art.RootPath)

	_, ok, err := s.Lookup("uv", "0.4.0", linux)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCRetainsEntryStillReferenced(t *testing.T) {
	s := openStore(t, LinkSymlink)
	ctx := context.Background()
	art := place(t, s, "go", "1.22.1", "go")

	a, err := s.NamedEnv("a")
	require.NoError(t, err)
	b, err := s.ProjectEnv(t.TempDir())
	require.NoError(t, err)

	_, err = s.Link(ctx, a, art)
	require.NoError(t, err)
	_, err = s.Link(ctx, b, art)
	require.NoError(t, err)

	refs, err := s.References()
	require.NoError(t, err)
	assert.Equal(t, 2, refs[art.ID])

	require.NoError(t, s.Unlink(ctx, a, "go"))
	report, err := s.GC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	assert.DirExists(t, art.RootPath)

	got, err := s.Which(b, "go")
	require.NoError(t, err)
	assert.Equal(t, art.ExecutablePath, got.ExecutablePath)
}

func TestGCDryRunKeepsBytes(t *testing.T) {
	s := openStore(t, LinkSymlink)
	art := place(t, s, "jq", "1.7.1", "jq")

	report, err := s.GC(context.Background(), GCOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Removed, 1)
	assert.DirExists(t, art.RootPath)

	_, ok, err := s.Lookup("jq", "1.7.1", linux)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGCSweepsOldStaging(t *testing.T) {
	s := openStore(t, LinkSymlink)
	old, err := s.Stage("node")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(old, "partial"), []byte("xx"), 0o644))

	now := time.Now()
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = time.Now })

	report, err := s.GC(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Staging)
	assert.DirExists(t, old)

	now = now.Add(StagingMaxAge + time.Hour)
	report, err = s.GC(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Staging)
	assert.NoDirExists(t, old)
}

func TestSharedHoldKeepsGCOutUntilLinked(t *testing.T) {
	s := openStore(t, LinkSymlink)
	env, err := s.NamedEnv(DefaultEnv)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.Shared(ctx, func(ctx context.Context) error {
		art := place(t, s, "node", "20.0.0", "node")

		gcCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, gcErr := s.GC(gcCtx, GCOptions{})
		assert.ErrorIs(t, gcErr, context.DeadlineExceeded)

		_, err := s.Link(ctx, env, art)
		return err
	})
	require.NoError(t, err)

	report, err := s.GC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	require.Len(t, report.Retained, 1)
}

func TestGCInsideSharedHoldFails(t *testing.T) {
	s := openStore(t, LinkSymlink)
	err := s.Shared(context.Background(), func(ctx context.Context) error {
		_, err := s.GC(ctx, GCOptions{})
		return err
	})
	require.Error(t, err)
}

func TestGCSweepsLeftoverDownloads(t *testing.T) {
	s := openStore(t, LinkSymlink)
	dir := filepath.Join(s.Layout().DownloadsDir, "node", "20.0.0", "linux-x64")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	leftover := filepath.Join(dir, "node-v20.0.0-linux-x64.tar.xz")
	require.NoError(t, os.WriteFile(leftover, []byte("truncated"), 0o644))

	report, err := s.GC(context.Background(), GCOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads)
	assert.EqualValues(t, len("truncated"), report.Freed)
	assert.FileExists(t, leftover)

	report, err = s.GC(context.Background(), GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads)
	assert.NoFileExists(t, leftover)
	assert.NoDirExists(t, filepath.Join(s.Layout().DownloadsDir, "node"))
	assert.DirExists(t, s.Layout().DownloadsDir)
}

func TestGCForgetsDeletedProjects(t *testing.T) {
	s := openStore(t, LinkSymlink)
	ctx := context.Background()
	art := place(t, s, "node", "20.0.0", "node")
	root := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(root, 0o755))
	env, err := s.ProjectEnv(root)
	require.NoError(t, err)
	_, err = s.Link(ctx, env, art)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(root))
	report, err := s.GC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Len(t, report.Removed, 1)

	reg, err := s.loadProjects()
	require.NoError(t, err)
	assert.Empty(t, reg.Projects)
}

func TestLinkStrategies(t *testing.T) {
	for _, strategy := range []LinkStrategy{LinkSymlink, LinkHardlink, LinkCopy} {
		t.Run(string(strategy), func(t *testing.T) {
			s := openStore(t, strategy)
			art := place(t, s, "tool", "1.0.0", "payload")
			env, err := s.NamedEnv("")
			require.NoError(t, err)
			assert.Equal(t, DefaultEnv, env.Name)

			binding, err := s.Link(context.Background(), env, art)
			require.NoError(t, err)
			assert.Equal(t, art.ID, binding.Entry)
			assert.Empty(t, binding.Executable)

			linkPath := filepath.Join(env.BinDir(), "tool")
			data, err := os.ReadFile(linkPath)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))

			info, err := os.Lstat(linkPath)
			require.NoError(t, err)
			if strategy == LinkSymlink && runtime.GOOS != "windows" {
				assert.NotZero(t, info.Mode()&os.ModeSymlink)
				target, err := os.Readlink(linkPath)
				require.NoError(t, err)
				assert.False(t, filepath.IsAbs(target), "symlinks are relative")
			}
			if strategy == LinkCopy {
				assert.True(t, info.Mode().IsRegular())
			}
		})
	}
}

func TestRelinkReplacesPreviousVersion(t *testing.T) {
	s := openStore(t, LinkSymlink)
	ctx := context.Background()
	env, err := s.NamedEnv("dev")
	require.NoError(t, err)

	_, err = s.Link(ctx, env, place(t, s, "node", "18.0.0", "eighteen"))
	require.NoError(t, err)
	newer := place(t, s, "node", "20.0.0", "twenty")
	_, err = s.Link(ctx, env, newer)
	require.NoError(t, err)

	bindings, err := s.Bindings(env)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "20.0.0", bindings[0].Version)

	data, err := os.ReadFile(filepath.Join(env.BinDir(), "node"))
	require.NoError(t, err)
	assert.Equal(t, "twenty", string(data))

	report, err := s.GC(ctx, GCOptions{})
	require.NoError(t, err)
	require.Len(t, report.Removed, 1)
	assert.Equal(t, "18.0.0", report.Removed[0].Version)
}

func TestSystemArtifactBinding(t *testing.T) {
	s := openStore(t, LinkSymlink)
	exe := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(exe, []byte("sys"), 0o755))
	env, err := s.NamedEnv("dev")
	require.NoError(t, err)

	art := descriptor.InstalledArtifact{
		Tool:           "tool",
		Version:        "system",
		Platform:       linux,
		RootPath:       filepath.Dir(exe),
		ExecutablePath: exe,
		Origin:         descriptor.OriginSystemPackageManager,
	}
	binding, err := s.Link(context.Background(), env, art)
	require.NoError(t, err)
	assert.Equal(t, exe, binding.Executable)
	assert.Empty(t, binding.Entry)

	got, err := s.Which(env, "tool")
	require.NoError(t, err)
	assert.Equal(t, descriptor.OriginSystemPackageManager, got.Origin)
	assert.Equal(t, exe, got.ExecutablePath)
}

func TestUnlinkMissingBinding(t *testing.T) {
	s := openStore(t, LinkSymlink)
	env, err := s.NamedEnv("dev")
	require.NoError(t, err)
	err = s.Unlink(context.Background(), env, "node")
	assert.ErrorIs(t, err, ErrNotLinked)

	_, err = s.Which(env, "node")
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestLinkRequiresPlacedEntry(t *testing.T) {
	s := openStore(t, LinkSymlink)
	env, err := s.NamedEnv("dev")
	require.NoError(t, err)
	_, err = s.Link(context.Background(), env, descriptor.InstalledArtifact{
		ID: "missing", Tool: "node", Origin: descriptor.OriginStore, ExecutablePath: "/nowhere/node",
	})
	assert.Error(t, err)
}

func TestInvalidEnvName(t *testing.T) {
	s := openStore(t, LinkSymlink)
	_, err := s.NamedEnv("../escape")
	assert.ErrorIs(t, err, descriptor.ErrSchema)
}

func TestKeyLockSerializes(t *testing.T) {
	s := openStore(t, LinkSymlink)
	ctx := context.Background()

	unlock, err := s.Lock(ctx, "node@20")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := s.Lock(ctx, "node@20")
		if err == nil {
			close(acquired)
			second()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(100 * time.Millisecond):
	}

	other, err := s.Lock(ctx, "jq@1")
	require.NoError(t, err, "unrelated keys never block")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestKeyLockHonoursContext(t *testing.T) {
	s := openStore(t, LinkSymlink)
	unlock, err := s.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseLinkStrategy(t *testing.T) {
	got, err := ParseLinkStrategy("")
	require.NoError(t, err)
	assert.Equal(t, LinkSymlink, got)

	got, err = ParseLinkStrategy("Copy")
	require.NoError(t, err)
	assert.Equal(t, LinkCopy, got)

	_, err = ParseLinkStrategy("junction")
	var schema *descriptor.SchemaError
	require.ErrorAs(t, err, &schema)
	assert.Equal(t, LinkStrategies(), schema.Valid)
}

package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"vx/internal/netx"
	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

const (
	defaultMaxSteps   = 1_000_000
	defaultMaxFetches = 8
)

// Fetcher performs the network reads requested by providers. It is only
// ever called with URLs that passed the capability check.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Paths is the path metadata exposed to provider scripts.
type Paths struct {
	Home  string
	Store string
	Cache string
}

// Provider answers the four provisioning queries for one tool. Scripted and
// static tools are served through the same interface and the same
// capability checks.
type Provider interface {
	Tool() string
	Capabilities() descriptor.Capabilities
	// Versions lists every published version regardless of platform, so the
	// result is cached per tool. Scripts see the host platform as
	// ctx.platform here, even when a request targets another one.
	Versions(ctx context.Context) ([]descriptor.VersionRecord, error)
	// DownloadURL reports ok=false when there is no first-party artifact for p.
	DownloadURL(ctx context.Context, version string, p descriptor.Platform) (string, bool, error)
	InstallLayout(ctx context.Context, version string, p descriptor.Platform) (descriptor.InstallDescriptor, error)
	Fallbacks(ctx context.Context, p descriptor.Platform) ([]descriptor.FallbackStrategy, error)
}

type Options struct {
	Fetcher    Fetcher
	Paths      Paths
	MaxSteps   uint64
	MaxFetches int
	Cache      *ScriptCache
	Logger     zerolog.Logger
}

// Executor builds providers for tool specs. Its only state is the compiled
// script cache.
type Executor struct {
	fetcher    Fetcher
	paths      Paths
	maxSteps   uint64
	maxFetches int
	cache      *ScriptCache
	logger     zerolog.Logger
}

func New(opts Options) *Executor {
	e := &Executor{
		fetcher:    opts.Fetcher,
		paths:      opts.Paths,
		maxSteps:   opts.MaxSteps,
		maxFetches: opts.MaxFetches,
		cache:      opts.Cache,
		logger:     opts.Logger,
	}
	if e.maxSteps == 0 {
		e.maxSteps = defaultMaxSteps
	}
	if e.maxFetches <= 0 {
		e.maxFetches = defaultMaxFetches
	}
	if e.cache == nil {
		e.cache = NewScriptCache()
	}
	if e.fetcher == nil {
		e.fetcher = noFetcher{}
	}
	return e
}

// Cache returns the compiled script cache.
func (e *Executor) Cache() *ScriptCache { return e.cache }

// Provider returns the provider for spec. Scripts are compiled once per
// (tool, content) and reused.
func (e *Executor) Provider(spec *toolspec.Spec) (Provider, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil tool spec")
	}
	var inner Provider
	if spec.Scripted() {
		prog, err := e.cache.Program(spec.Name, spec.Script)
		if err != nil {
			return nil, err
		}
		inner = &scriptProvider{exec: e, spec: spec, prog: prog}
	} else {
		inner = &staticProvider{exec: e, spec: spec}
	}
	return &guardedProvider{Provider: inner}, nil
}

// guardedProvider rejects download URLs outside the declared hosts.
type guardedProvider struct {
	Provider
}

func (g *guardedProvider) DownloadURL(ctx context.Context, version string, p descriptor.Platform) (string, bool, error) {
	u, ok, err := g.Provider.DownloadURL(ctx, version, p)
	if err != nil || !ok {
		return "", ok, err
	}
	if err := checkURL(g.Tool(), g.Capabilities(), u); err != nil {
		return "", false, err
	}
	return u, true, nil
}

// checkURL enforces the host allow-list before any request is made.
func checkURL(tool string, caps descriptor.Capabilities, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return &descriptor.SchemaError{Source: tool, Field: "url", Message: fmt.Sprintf("%q is not an absolute URL", raw)}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &descriptor.PermissionDeniedError{Tool: tool, Capability: "scheme", Target: u.Scheme}
	}
	if !caps.AllowsHost(u.Hostname()) {
		return &descriptor.PermissionDeniedError{Tool: tool, Capability: "host", Target: u.Hostname()}
	}
	return nil
}

// GuardRedirects applies the host allow-list to every redirect followed by
// requests made with the returned context.
func GuardRedirects(ctx context.Context, tool string, caps descriptor.Capabilities) context.Context {
	return netx.WithRedirectPolicy(ctx, func(u *url.URL) error {
		return checkURL(tool, caps, u.String())
	})
}

type noFetcher struct{}

func (noFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	return nil, fmt.Errorf("no fetcher configured for %s", url)
}

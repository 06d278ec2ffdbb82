// Package engine turns a (tool, constraint, environment) request into an
// installed, linked executable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"vx/internal/config"
	"vx/internal/fallback"
	"vx/internal/install"
	"vx/internal/netx"
	"vx/internal/registry"
	"vx/internal/resolver"
	"vx/internal/runner"
	"vx/internal/sandbox"
	"vx/internal/store"
	"vx/internal/telemetry"
	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

// Fetcher reads provider data and downloads artifacts. *netx.Client
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Download(ctx context.Context, url, dest, checksum string) (netx.DownloadResult, error)
}

type Options struct {
	Config   config.Config
	Registry *registry.Registry
	Store    *store.Store
	Logger   zerolog.Logger
	Fetcher  Fetcher
	Runner   runner.Runner
	LookPath fallback.LookPathFunc
	// Platform is the default target platform. Zero means the host.
	Platform descriptor.Platform
}

// Request asks for one tool. Env names a global environment; Project, when
// set, selects the project environment rooted there instead.
type Request struct {
	Tool       string
	Constraint string
	Env        string
	Project    string
	Platform   descriptor.Platform
	Refresh    bool
}

func (r Request) String() string {
	if strings.TrimSpace(r.Constraint) == "" {
		return r.Tool
	}
	return r.Tool + "@" + r.Constraint
}

// Result is a provisioned and linked artifact.
type Result struct {
	RequestID string                       `json:"request_id"`
	Artifact  descriptor.InstalledArtifact `json:"artifact"`
	Env       store.Env                    `json:"env"`
	Binding   store.Binding                `json:"binding"`
	// Installed reports whether the artifact was installed while serving
	// this request rather than found in the store.
	Installed bool          `json:"installed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Engine runs provisioning requests. It is safe for concurrent use.
type Engine struct {
	cfg       config.Config
	registry  *registry.Registry
	store     *store.Store
	sandbox   *sandbox.Executor
	resolver  *resolver.Resolver
	installer *install.Interpreter
	fallback  *fallback.Orchestrator
	fetcher   Fetcher
	platform  descriptor.Platform
	logger    zerolog.Logger

	downloads *semaphore.Weighted
	group     singleflight.Group

	tracer        trace.Tracer
	provisions    metric.Int64Counter
	downloadBytes metric.Int64Counter
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	layout := opts.Store.Layout()

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = netx.New(netx.Options{
			Timeout:   cfg.Network.Timeout,
			UserAgent: cfg.Network.UserAgent,
			Retries:   cfg.Network.Retries,
			Logger:    opts.Logger,
		})
	}
	run := opts.Runner
	if run == nil {
		run = runner.Exec{}
	}
	plat := opts.Platform
	if plat == (descriptor.Platform{}) {
		plat = descriptor.CurrentPlatform()
	}

	meter := telemetry.Meter("vx/engine")
	provisions, err := meter.Int64Counter("vx.provision.total", metric.WithDescription("Provisioning requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("engine: provision counter: %w", err)
	}
	downloadBytes, err := meter.Int64Counter("vx.download.bytes", metric.WithUnit("By"), metric.WithDescription("Artifact bytes downloaded"))
	if err != nil {
		return nil, fmt.Errorf("engine: download counter: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		registry: opts.Registry,
		store:    opts.Store,
		sandbox: sandbox.New(sandbox.Options{
			Fetcher:    fetcher,
			Paths:      sandbox.Paths{Home: layout.Home, Store: layout.StoreDir, Cache: layout.CacheDir},
			MaxSteps:   cfg.Sandbox.MaxSteps,
			MaxFetches: cfg.Sandbox.MaxFetches,
			Logger:     opts.Logger,
		}),
		resolver: resolver.New(resolver.Options{
			Cache:  resolver.NewCache(layout.CacheDir),
			TTL:    cfg.VersionCacheTTL,
			Logger: opts.Logger,
		}),
		installer:     install.New(install.Options{Runner: run, Logger: opts.Logger}),
		fallback:      fallback.New(fallback.Options{Runner: run, LookPath: opts.LookPath, Logger: opts.Logger}),
		fetcher:       fetcher,
		platform:      plat,
		logger:        opts.Logger,
		downloads:     semaphore.NewWeighted(int64(cfg.MaxConcurrentDownloads)),
		tracer:        telemetry.Tracer("vx/engine"),
		provisions:    provisions,
		downloadBytes: downloadBytes,
	}, nil
}

// Platform returns the default target platform.
func (e *Engine) Platform() descriptor.Platform { return e.platform }

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Registry returns the tool registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Resolver returns the version resolver and its cache.
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }

// Env resolves the environment a request targets.
func (e *Engine) Env(name, project string) (store.Env, error) {
	if strings.TrimSpace(project) != "" {
		return e.store.ProjectEnv(project)
	}
	if strings.TrimSpace(name) == "" {
		name = store.DefaultEnv
	}
	return e.store.NamedEnv(name)
}

// Provision resolves, installs and links one tool. The first unrecoverable
// error aborts the request.
func (e *Engine) Provision(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{RequestID: uuid.NewString()}
	plat := req.Platform
	if plat == (descriptor.Platform{}) {
		plat = e.platform
	}

	ctx, span := e.tracer.Start(ctx, "engine.Provision", trace.WithAttributes(
		attribute.String("vx.request_id", res.RequestID),
		attribute.String("vx.tool", req.Tool),
		attribute.String("vx.constraint", req.Constraint),
		attribute.String("vx.platform", plat.String()),
	))
	defer span.End()
	log := e.logger.With().Str("request", res.RequestID).Str("tool", req.Tool).Str("platform", plat.String()).Logger()

	res, err := e.provision(ctx, req, plat, res, log)
	res.Elapsed = time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug().Err(err).Msg("provision failed")
	} else {
		span.SetAttributes(
			attribute.String("vx.version", res.Artifact.Version),
			attribute.String("vx.origin", string(res.Artifact.Origin)),
			attribute.Bool("vx.installed", res.Installed),
		)
		log.Info().
			Str("version", res.Artifact.Version).
			Str("origin", string(res.Artifact.Origin)).
			Str("env", res.Env.String()).
			Bool("installed", res.Installed).
			Dur("elapsed", res.Elapsed).
			Msg("tool provisioned")
	}
	e.provisions.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", req.Tool), attribute.String("outcome", outcome)))
	return res, err
}

func (e *Engine) provision(ctx context.Context, req Request, plat descriptor.Platform, res Result, log zerolog.Logger) (Result, error) {
	env, err := e.Env(req.Env, req.Project)
	if err != nil {
		return res, err
	}
	res.Env = env

	spec, err := e.registry.Lookup(req.Tool)
	if err != nil {
		return res, err
	}
	prov, err := e.sandbox.Provider(spec)
	if err != nil {
		return res, err
	}
	constraint, err := descriptor.ParseConstraint(req.Constraint)
	if err != nil {
		return res, err
	}
	rec, err := e.resolver.Resolve(ctx, resolver.Query{Source: prov, Constraint: constraint, Refresh: req.Refresh})
	if err != nil {
		return res, err
	}
	log.Debug().Str("constraint", constraint.String()).Str("version", rec.Raw).Msg("version selected")

	// GC must not see the entry between obtaining and linking it.
	err = e.store.Shared(ctx, func(ctx context.Context) error {
		art, installed, err := e.obtain(ctx, spec, prov, rec.Raw, plat)
		if err != nil {
			return err
		}
		res.Artifact = art
		res.Installed = installed

		binding, err := e.store.Link(ctx, env, art)
		if err != nil {
			return fmt.Errorf("link %s into %s: %w", spec.Name, env, err)
		}
		res.Binding = binding
		return nil
	})
	return res, err
}

type obtained struct {
	artifact  descriptor.InstalledArtifact
	installed bool
}

// obtain returns the artifact for (tool, version, platform), installing it
// when the store does not hold it yet. Concurrent callers for the same key
// share one install.
func (e *Engine) obtain(ctx context.Context, spec *toolspec.Spec, prov sandbox.Provider, version string, plat descriptor.Platform) (descriptor.InstalledArtifact, bool, error) {
	for _, p := range []descriptor.Platform{plat, descriptor.Universal} {
		if art, ok, err := e.store.Lookup(spec.Name, version, p); err != nil {
			return descriptor.InstalledArtifact{}, false, err
		} else if ok {
			return art, false, nil
		}
	}

	rawURL, ok, err := prov.DownloadURL(ctx, version, plat)
	if err != nil {
		return descriptor.InstalledArtifact{}, false, err
	}
	if !ok {
		key := "fallback:" + descriptor.IdentityHash(spec.Name, fallback.SystemVersion, plat)
		return e.shared(ctx, key, func(ctx context.Context) (obtained, error) {
			return e.installFallback(ctx, spec, prov, plat)
		})
	}

	layout, err := prov.InstallLayout(ctx, version, plat)
	if err != nil {
		return descriptor.InstalledArtifact{}, false, err
	}
	keyPlat := plat
	if layout.Universal {
		keyPlat = descriptor.Universal
	}
	id := descriptor.IdentityHash(spec.Name, version, keyPlat)
	return e.shared(ctx, id, func(ctx context.Context) (obtained, error) {
		return e.installArtifact(ctx, installJob{
			spec:     spec,
			version:  version,
			platform: plat,
			keyPlat:  keyPlat,
			id:       id,
			url:      rawURL,
			layout:   layout,
		})
	})
}

// shared runs fn once per key across concurrent callers. Each caller waits
// under its own context; a caller whose leader was cancelled retries with
// its own context.
func (e *Engine) shared(ctx context.Context, key string, fn func(context.Context) (obtained, error)) (descriptor.InstalledArtifact, bool, error) {
	for {
		ch := e.group.DoChan(key, func() (any, error) {
			return fn(ctx)
		})
		select {
		case <-ctx.Done():
			return descriptor.InstalledArtifact{}, false, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				if r.Shared && isCancellation(r.Err) && ctx.Err() == nil {
					continue
				}
				return descriptor.InstalledArtifact{}, false, r.Err
			}
			got := r.Val.(obtained)
			return got.artifact, got.installed, nil
		}
	}
}

type installJob struct {
	spec     *toolspec.Spec
	version  string
	platform descriptor.Platform
	keyPlat  descriptor.Platform
	id       string
	url      string
	layout   descriptor.InstallDescriptor
}

func (e *Engine) installArtifact(ctx context.Context, job installJob) (obtained, error) {
	unlock, err := e.store.Lock(ctx, job.id)
	if err != nil {
		return obtained{}, err
	}
	defer unlock()

	// Another process may have finished while we waited for the lock.
	if art, ok, err := e.store.Lookup(job.spec.Name, job.version, job.keyPlat); err != nil {
		return obtained{}, err
	} else if ok {
		return obtained{artifact: art}, nil
	}

	name := artifactName(job.url)
	dest := filepath.Join(e.store.Layout().DownloadsDir, job.spec.Name, job.version, job.platform.String(), name)
	dl, err := e.download(sandbox.GuardRedirects(ctx, job.spec.Name, job.spec.Capabilities), job.spec.Name, job.url, dest)
	if err != nil {
		return obtained{}, err
	}

	staged, err := e.store.Stage(job.spec.Name)
	if err != nil {
		return obtained{}, err
	}
	result, err := e.installer.Interpret(ctx, install.Request{
		Tool:           job.spec.Name,
		Version:        job.version,
		Platform:       job.platform,
		Descriptor:     job.layout,
		Capabilities:   job.spec.Capabilities,
		Artifact:       dl.Path,
		ArtifactName:   name,
		ArtifactSHA256: dl.SHA256,
		Target:         staged,
	})
	if err != nil {
		_ = os.RemoveAll(staged)
		return obtained{}, err
	}

	art, err := e.store.Place(ctx, store.PlaceRequest{
		Tool:           job.spec.Name,
		Version:        job.version,
		Platform:       job.keyPlat,
		Staged:         staged,
		Executable:     result.Receipt.Executable,
		ArtifactSHA256: dl.SHA256,
	})
	if err != nil {
		_ = os.RemoveAll(staged)
		return obtained{}, err
	}
	// The artifact stays in the download cache only until it is placed.
	_ = os.Remove(dl.Path)
	return obtained{artifact: art, installed: true}, nil
}

func (e *Engine) download(ctx context.Context, tool, rawURL, dest string) (netx.DownloadResult, error) {
	if err := e.downloads.Acquire(ctx, 1); err != nil {
		return netx.DownloadResult{}, err
	}
	defer e.downloads.Release(1)

	ctx, span := e.tracer.Start(ctx, "engine.Download", trace.WithAttributes(attribute.String("vx.url", rawURL)))
	defer span.End()

	e.logger.Info().Str("tool", tool).Str("url", rawURL).Msg("downloading")
	dl, err := e.fetcher.Download(ctx, rawURL, dest, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return netx.DownloadResult{}, err
	}
	if !dl.Reused {
		e.downloadBytes.Add(ctx, dl.Bytes, metric.WithAttributes(attribute.String("tool", tool)))
	}
	span.SetAttributes(attribute.Int64("vx.bytes", dl.Bytes), attribute.Bool("vx.reused", dl.Reused))
	return dl, nil
}

func (e *Engine) installFallback(ctx context.Context, spec *toolspec.Spec, prov sandbox.Provider, plat descriptor.Platform) (obtained, error) {
	strategies, err := prov.Fallbacks(ctx, plat)
	if err != nil {
		return obtained{}, err
	}
	e.logger.Info().Str("tool", spec.Name).Str("platform", plat.String()).Int("strategies", len(strategies)).Msg("no artifact for platform, trying package managers")

	unlock, err := e.store.Lock(ctx, "fallback-"+spec.Name)
	if err != nil {
		return obtained{}, err
	}
	defer unlock()

	art, err := e.fallback.Install(ctx, fallback.Request{
		Tool:         spec.Name,
		Executable:   spec.ExecutableName(),
		Platform:     plat,
		Capabilities: spec.Capabilities,
		Strategies:   strategies,
	})
	if err != nil {
		return obtained{}, err
	}
	return obtained{artifact: art, installed: true}, nil
}

// Versions lists a tool's versions, newest first.
func (e *Engine) Versions(ctx context.Context, tool string, refresh bool) ([]descriptor.VersionRecord, error) {
	spec, err := e.registry.Lookup(tool)
	if err != nil {
		return nil, err
	}
	prov, err := e.sandbox.Provider(spec)
	if err != nil {
		return nil, err
	}
	return e.resolver.List(ctx, resolver.Query{Source: prov, Refresh: refresh})
}

// Which returns the artifact bound to tool in env.
func (e *Engine) Which(env store.Env, tool string) (descriptor.InstalledArtifact, error) {
	name, err := e.canonicalName(tool)
	if err != nil {
		return descriptor.InstalledArtifact{}, err
	}
	return e.store.Which(env, name)
}

// Unlink removes tool from env. Store contents are untouched.
func (e *Engine) Unlink(ctx context.Context, env store.Env, tool string) error {
	name, err := e.canonicalName(tool)
	if err != nil {
		return err
	}
	return e.store.Unlink(ctx, env, name)
}

// GC deletes store entries no environment references.
func (e *Engine) GC(ctx context.Context, opts store.GCOptions) (store.GCReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GC", trace.WithAttributes(attribute.Bool("vx.dry_run", opts.DryRun)))
	defer span.End()
	report, err := e.store.GC(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

// canonicalName maps aliases to tool names, keeping unknown names so
// bindings for tools whose spec was removed can still be managed.
func (e *Engine) canonicalName(tool string) (string, error) {
	spec, err := e.registry.Lookup(tool)
	if errors.Is(err, registry.ErrUnknownTool) {
		return strings.ToLower(strings.TrimSpace(tool)), nil
	}
	if err != nil {
		return "", err
	}
	return spec.Name, nil
}

func artifactName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return "artifact"
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, descriptor.ErrSchema):
		return "schema"
	case errors.Is(err, descriptor.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, descriptor.ErrNoMatchingVersion):
		return "no_matching_version"
	case errors.Is(err, descriptor.ErrNetwork):
		return "network"
	case errors.Is(err, descriptor.ErrStructuralMismatch):
		return "structural_mismatch"
	case errors.Is(err, descriptor.ErrAllFallbacksFailed):
		return "all_fallbacks_failed"
	case isCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}

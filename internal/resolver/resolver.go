package resolver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"vx/pkg/descriptor"
)

const defaultTTL = time.Hour

// VersionSource enumerates a tool's versions. Providers from the sandbox
// package satisfy it.
type VersionSource interface {
	Tool() string
	Capabilities() descriptor.Capabilities
	Versions(ctx context.Context) ([]descriptor.VersionRecord, error)
}

// Query asks for one version of a tool. Refresh bypasses the cache for this
// query only.
type Query struct {
	Source     VersionSource
	Constraint descriptor.Constraint
	Refresh    bool
}

type Options struct {
	Cache  *Cache
	TTL    time.Duration
	Logger zerolog.Logger
}

// Resolver selects versions, caching fetched lists per (tool, capability set)
// and sharing one in-flight fetch between concurrent callers of the same key.
type Resolver struct {
	cache  *Cache
	ttl    time.Duration
	group  singleflight.Group
	logger zerolog.Logger
}

func New(opts Options) *Resolver {
	r := &Resolver{cache: opts.Cache, ttl: opts.TTL, logger: opts.Logger}
	if r.cache == nil {
		r.cache = NewCache("")
	}
	if r.ttl <= 0 {
		r.ttl = defaultTTL
	}
	return r
}

// Cache returns the version list cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve fetches (or reuses) the version list and applies the constraint.
func (r *Resolver) Resolve(ctx context.Context, q Query) (descriptor.VersionRecord, error) {
	versions, err := r.List(ctx, q)
	if err != nil {
		return descriptor.VersionRecord{}, err
	}
	c := q.Constraint
	if c.IsZero() {
		c = descriptor.Latest()
	}
	rec, err := Select(q.Source.Tool(), versions, c)
	if err != nil {
		return descriptor.VersionRecord{}, err
	}
	r.logger.Debug().Str("tool", q.Source.Tool()).Str("constraint", c.String()).Str("version", rec.Raw).Msg("version resolved")
	return rec, nil
}

// List returns the tool's versions in descending order.
//
// A refreshing query performs its own fetch instead of joining one in
// flight. Its result replaces the cached entry for later callers; callers
// already waiting on a shared fetch keep that fetch's result.
func (r *Resolver) List(ctx context.Context, q Query) ([]descriptor.VersionRecord, error) {
	tool := q.Source.Tool()
	key := cacheKey(tool, q.Source.Capabilities())

	if q.Refresh {
		versions, err := r.fetch(ctx, q.Source, key)
		if err != nil {
			return nil, err
		}
		return Sorted(versions), nil
	}

	if versions, ok := r.cache.Get(key, r.ttl); ok {
		return Sorted(versions), nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		if versions, ok := r.cache.Get(key, r.ttl); ok {
			return versions, nil
		}
		return r.fetch(context.WithoutCancel(ctx), q.Source, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return Sorted(res.Val.([]descriptor.VersionRecord)), nil
	}
}

// Invalidate drops cached lists for tool, or every list when tool is empty.
func (r *Resolver) Invalidate(tool string) error {
	return r.cache.Invalidate(tool)
}

func (r *Resolver) fetch(ctx context.Context, src VersionSource, key string) ([]descriptor.VersionRecord, error) {
	start := time.Now()
	versions, err := src.Versions(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Put(key, src.Tool(), versions); err != nil {
		r.logger.Warn().Err(err).Str("tool", src.Tool()).Msg("persist version cache")
	}
	r.logger.Debug().Str("tool", src.Tool()).Int("count", len(versions)).Dur("elapsed", time.Since(start)).Msg("versions fetched")
	return versions, nil
}

package sandbox

import (
	"context"
	"errors"
	"fmt"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

// Entry point names a provider script may define.
const (
	entryVersions    = "fetch_versions"
	entryDownloadURL = "download_url"
	entryLayout      = "install_layout"
	entryFallbacks   = "fallbacks"
)

var predeclared = starlark.StringDict{
	"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	"json":   starlarkjson.Module,
}

func init() { predeclared.Freeze() }

func isPredeclared(name string) bool {
	_, ok := predeclared[name]
	return ok
}

// errPendingFetch aborts an evaluation that asked for data the host has not
// fetched yet. The host fetches it and evaluates again from scratch.
var errPendingFetch = errors.New("pending fetch")

type scriptProvider struct {
	exec *Executor
	spec *toolspec.Spec
	prog *starlark.Program
}

func (p *scriptProvider) Tool() string { return p.spec.Name }

func (p *scriptProvider) Capabilities() descriptor.Capabilities { return p.spec.Capabilities }

func (p *scriptProvider) Versions(ctx context.Context) ([]descriptor.VersionRecord, error) {
	val, err := p.call(ctx, entryVersions, descriptor.CurrentPlatform(), true)
	if err != nil {
		return nil, err
	}
	return decodeVersions(p.spec.Name, val)
}

func (p *scriptProvider) DownloadURL(ctx context.Context, version string, plat descriptor.Platform) (string, bool, error) {
	val, err := p.call(ctx, entryDownloadURL, plat, true, starlark.String(version))
	if err != nil {
		return "", false, err
	}
	switch v := val.(type) {
	case starlark.NoneType:
		return "", false, nil
	case starlark.String:
		if v.GoString() == "" {
			return "", false, nil
		}
		return v.GoString(), true, nil
	default:
		return "", false, &descriptor.SchemaError{Source: p.spec.Name, Field: entryDownloadURL, Message: fmt.Sprintf("must return a string or None, got %s", val.Type())}
	}
}

func (p *scriptProvider) InstallLayout(ctx context.Context, version string, plat descriptor.Platform) (descriptor.InstallDescriptor, error) {
	val, err := p.call(ctx, entryLayout, plat, true, starlark.String(version))
	if err != nil {
		return descriptor.InstallDescriptor{}, err
	}
	return decodeLayout(p.spec.Name, val, descriptor.VarsFor(p.spec.Name, version, plat))
}

// Fallbacks uses the script's fallbacks(ctx) when defined and the document's
// static [[fallbacks]] otherwise.
func (p *scriptProvider) Fallbacks(ctx context.Context, plat descriptor.Platform) ([]descriptor.FallbackStrategy, error) {
	val, err := p.call(ctx, entryFallbacks, plat, false)
	if err != nil {
		return nil, err
	}
	if val == starlark.None {
		return staticFallbacks(p.spec, plat), nil
	}
	return decodeFallbacks(p.spec.Name, val)
}

// call evaluates fn, replaying the evaluation whenever the script asked for a
// URL the host has not fetched yet. The script never performs I/O itself.
func (p *scriptProvider) call(ctx context.Context, fn string, plat descriptor.Platform, required bool, args ...starlark.Value) (starlark.Value, error) {
	responses := make(map[string][]byte)
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, pending, err := p.eval(fn, plat, responses, required, args)
		if err == nil {
			return val, nil
		}
		if pending == "" {
			return nil, unwrapEval(p.spec.Name, fn, err)
		}
		if round >= p.exec.maxFetches {
			return nil, &descriptor.SchemaError{Source: p.spec.Name, Field: fn, Message: fmt.Sprintf("exceeded %d fetches", p.exec.maxFetches)}
		}

		p.exec.logger.Debug().Str("tool", p.spec.Name).Str("entry", fn).Str("url", pending).Msg("provider fetch")
		body, err := p.exec.fetcher.Fetch(GuardRedirects(ctx, p.spec.Name, p.spec.Capabilities), pending)
		if err != nil {
			return nil, err
		}
		responses[pending] = body
	}
}

func (p *scriptProvider) eval(fn string, plat descriptor.Platform, responses map[string][]byte, required bool, args []starlark.Value) (starlark.Value, string, error) {
	var pending string
	fetch := starlark.NewBuiltin("fetch_json", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var url string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url); err != nil {
			return nil, err
		}
		if err := checkURL(p.spec.Name, p.spec.Capabilities, url); err != nil {
			return nil, err
		}
		body, ok := responses[url]
		if !ok {
			pending = url
			return nil, errPendingFetch
		}
		return starlark.Call(thread, starlarkjson.Module.Members["decode"], starlark.Tuple{starlark.String(body)}, nil)
	})

	thread := &starlark.Thread{Name: p.spec.Name + "." + fn}
	thread.SetMaxExecutionSteps(p.exec.maxSteps)

	globals, err := p.prog.Init(thread, predeclared)
	if err != nil {
		return nil, pending, err
	}
	callable, ok := globals[fn]
	if !ok {
		if !required {
			return starlark.None, "", nil
		}
		return nil, "", &descriptor.SchemaError{Source: p.spec.Name, Field: fn, Message: "is not defined by the provider script"}
	}

	all := append(starlark.Tuple{p.context(plat, fetch)}, args...)
	val, err := starlark.Call(thread, callable, all, nil)
	if err != nil {
		return nil, pending, err
	}
	return val, "", nil
}

func (p *scriptProvider) context(plat descriptor.Platform, fetch *starlark.Builtin) *starlarkstruct.Struct {
	platform := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"os":   starlark.String(plat.OS),
		"arch": starlark.String(plat.Arch),
		"exe":  starlark.String(plat.ExeSuffix()),
	})
	paths := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"home":  starlark.String(p.exec.paths.Home),
		"store": starlark.String(p.exec.paths.Store),
		"cache": starlark.String(p.exec.paths.Cache),
	})
	ctx := starlarkstruct.FromStringDict(starlark.String("ctx"), starlark.StringDict{
		"tool":       starlark.String(p.spec.Name),
		"platform":   platform,
		"paths":      paths,
		"fetch_json": fetch,
	})
	ctx.Freeze()
	return ctx
}

// unwrapEval surfaces typed errors raised by host builtins and reports other
// evaluation failures as schema errors against the script.
func unwrapEval(tool, fn string, err error) error {
	var denied *descriptor.PermissionDeniedError
	if errors.As(err, &denied) {
		return denied
	}
	var schema *descriptor.SchemaError
	if errors.As(err, &schema) {
		return schema
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &descriptor.SchemaError{Source: tool, Field: fn, Message: evalErr.Msg}
	}
	return &descriptor.SchemaError{Source: tool, Field: fn, Message: err.Error()}
}

// Package fallback installs tools through the host's package managers when
// no downloadable artifact exists for a platform.
package fallback

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"vx/internal/runner"
	"vx/pkg/descriptor"
)

// SystemVersion is recorded for artifacts whose version is owned by an
// external package manager.
const SystemVersion = "system"

// LookPathFunc resolves a program on PATH.
type LookPathFunc func(file string) (string, error)

type command struct {
	program string
	args    func(pkg string) []string
}

var commands = map[string]command{
	"choco":  {"choco", func(p string) []string { return []string{"install", p, "-y"} }},
	"winget": {"winget", func(p string) []string { return []string{"install", "--id", p, "-e", "--silent"} }},
	"scoop":  {"scoop", func(p string) []string { return []string{"install", p} }},
	"brew":   {"brew", func(p string) []string { return []string{"install", p} }},
	"apt":    {"apt-get", func(p string) []string { return []string{"install", "-y", p} }},
	"dnf":    {"dnf", func(p string) []string { return []string{"install", "-y", p} }},
	"yum":    {"yum", func(p string) []string { return []string{"install", "-y", p} }},
	"pacman": {"pacman", func(p string) []string { return []string{"-S", "--noconfirm", p} }},
	"zypper": {"zypper", func(p string) []string { return []string{"install", "-y", p} }},
	"npm":    {"npm", func(p string) []string { return []string{"install", "-g", p} }},
	"pip":    {"pip", func(p string) []string { return []string{"install", p} }},
	"cargo":  {"cargo", func(p string) []string { return []string{"install", p} }},
}

// Command returns the program and arguments used to install pkg with manager.
func Command(manager, pkg string) (string, []string, bool) {
	cmd, ok := commands[manager]
	if !ok {
		return "", nil, false
	}
	return cmd.program, cmd.args(pkg), true
}

type Options struct {
	Runner   runner.Runner
	LookPath LookPathFunc
	Logger   zerolog.Logger
}

type Orchestrator struct {
	runner   runner.Runner
	lookPath LookPathFunc
	logger   zerolog.Logger
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{runner: opts.Runner, lookPath: opts.LookPath, logger: opts.Logger}
	if o.runner == nil {
		o.runner = runner.Exec{}
	}
	if o.lookPath == nil {
		o.lookPath = exec.LookPath
	}
	return o
}

// Request carries the strategies returned by a tool provider for one
// platform. Executable is the program expected on PATH afterwards.
type Request struct {
	Tool         string
	Executable   string
	Platform     descriptor.Platform
	Capabilities descriptor.Capabilities
	Strategies   []descriptor.FallbackStrategy
}

// Order returns strategies by descending priority, keeping declaration order
// for ties.
func Order(strategies []descriptor.FallbackStrategy) []descriptor.FallbackStrategy {
	out := append([]descriptor.FallbackStrategy(nil), strategies...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Install attempts each strategy until one leaves the executable on PATH.
// Absent managers are skipped; a manager missing from the exec capability
// aborts the request.
func (o *Orchestrator) Install(ctx context.Context, req Request) (descriptor.InstalledArtifact, error) {
	var failures []descriptor.FallbackFailure
	fail := func(s descriptor.FallbackStrategy, reason string) {
		failures = append(failures, descriptor.FallbackFailure{Manager: s.Manager, Package: s.Package, Reason: reason})
	}

	for _, strategy := range Order(req.Strategies) {
		if err := ctx.Err(); err != nil {
			return descriptor.InstalledArtifact{}, err
		}
		program, args, ok := Command(strategy.Manager, strategy.Package)
		if !ok {
			fail(strategy, "unknown package manager")
			continue
		}
		if !req.Capabilities.AllowsExec(strategy.Manager) && !req.Capabilities.AllowsExec(program) {
			return descriptor.InstalledArtifact{}, &descriptor.PermissionDeniedError{Tool: req.Tool, Capability: "exec", Target: strategy.Manager}
		}
		resolved, err := o.lookPath(program)
		if err != nil {
			fail(strategy, "not installed")
			o.logger.Debug().Str("tool", req.Tool).Str("manager", strategy.Manager).Msg("package manager not present")
			continue
		}

		start := time.Now()
		o.logger.Info().Str("tool", req.Tool).Str("manager", strategy.Manager).Str("package", strategy.Package).Msg("installing via package manager")
		res, err := o.runner.Run(ctx, resolved, args, runner.Options{})
		if ctx.Err() != nil {
			return descriptor.InstalledArtifact{}, ctx.Err()
		}
		if err != nil || res.ExitCode != 0 {
			fail(strategy, runner.Describe(res, err))
			continue
		}

		exe, err := o.lookPath(req.Executable)
		if err != nil {
			fail(strategy, fmt.Sprintf("%s not found on PATH after install", req.Executable))
			continue
		}
		if abs, err := filepath.Abs(exe); err == nil {
			exe = abs
		}
		o.logger.Info().
			Str("tool", req.Tool).
			Str("manager", strategy.Manager).
			Str("executable", exe).
			Dur("elapsed", time.Since(start)).
			Msg("package manager install complete")
		return descriptor.InstalledArtifact{
			ID:             descriptor.IdentityHash(req.Tool, SystemVersion, req.Platform),
			Tool:           req.Tool,
			Version:        SystemVersion,
			Platform:       req.Platform,
			RootPath:       filepath.Dir(exe),
			ExecutablePath: exe,
			Origin:         descriptor.OriginSystemPackageManager,
		}, nil
	}
	return descriptor.InstalledArtifact{}, &descriptor.AllFallbacksFailedError{Tool: req.Tool, Failures: failures}
}

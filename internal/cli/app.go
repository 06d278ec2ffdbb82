package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vx/internal/config"
	"vx/internal/engine"
	"vx/internal/logx"
	"vx/internal/paths"
	"vx/internal/project"
	"vx/internal/registry"
	"vx/internal/store"
	"vx/pkg/descriptor"
)

// app is the wiring every command shares: home layout, configuration,
// logger and the provisioning engine built on top of them.
type app struct {
	layout   paths.Layout
	cfg      config.Config
	logger   zerolog.Logger
	platform descriptor.Platform
	store    *store.Store
	registry *registry.Registry
	engine   *engine.Engine

	closers []io.Closer
}

func openApp(cmd *cobra.Command) (*app, error) {
	layout, err := paths.Resolve(homeDir)
	if err != nil {
		return nil, err
	}

	cfgFile := strings.TrimSpace(configPath)
	if cfgFile == "" {
		cfgFile = layout.ConfigFile
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	// An explicit config file may relocate the home unless --home or
	// VX_HOME already chose one.
	if configPath != "" && homeDir == "" && os.Getenv(paths.HomeEnv) == "" && strings.TrimSpace(cfg.Home) != "" {
		home, err := filepath.Abs(cfg.Home)
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		layout = paths.New(home)
	}

	a := &app{layout: layout, cfg: cfg}
	results := cfg.Validate()
	if err := config.Err(results); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}

	level := cfg.Log.Level
	if strings.TrimSpace(logLevel) != "" {
		level = logLevel
	}
	var logOut io.Writer = cmd.ErrOrStderr()
	if cfg.Log.File {
		f, err := logx.OpenFile(layout.LogsDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, f)
		logOut = zerolog.MultiLevelWriter(logOut, f)
	}
	a.logger = logx.New(logx.Options{Level: level, JSON: cfg.Log.JSON, Writer: logOut})
	for _, r := range results {
		a.logger.Warn().Str("field", r.Field).Msg(r.Message)
	}

	a.platform = descriptor.CurrentPlatform()
	if strings.TrimSpace(platformFlag) != "" {
		p, err := descriptor.ParsePlatform(platformFlag)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.platform = p
	}

	strategy, err := store.ParseLinkStrategy(cfg.Link.Strategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store, err = store.Open(layout, store.Options{Strategy: strategy, Logger: a.logger})
	if err != nil {
		a.Close()
		return nil, err
	}

	dirs := make([]string, 0, len(cfg.ToolsDirs)+1)
	for _, dir := range cfg.ToolsDirs {
		dirs = append(dirs, paths.ResolvePath(layout.Home, dir))
	}
	dirs = append(dirs, layout.ToolsDir)
	a.registry = registry.New(registry.Options{Dirs: dirs, Logger: a.logger})

	a.engine, err = engine.New(engine.Options{
		Config:   cfg,
		Registry: a.registry,
		Store:    a.store,
		Logger:   a.logger,
		Platform: a.platform,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

// projectRoot returns the directory holding the nearest vx.toml, or the
// working directory when there is none.
func projectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	manifest, err := project.Find(cwd)
	if errors.Is(err, project.ErrNoManifest) {
		return cwd, nil
	}
	if err != nil {
		return "", err
	}
	return filepath.Dir(manifest), nil
}

type envFlags struct {
	name    string
	project bool
}

func (f *envFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "env", "", "Named environment (default \"default\")")
	cmd.Flags().BoolVar(&f.project, "project", false, "Use the project environment of the nearest vx.toml")
	cmd.MarkFlagsMutuallyExclusive("env", "project")
}

// resolve returns the selected environment and, for project environments,
// the project root.
func (f *envFlags) resolve(a *app) (store.Env, string, error) {
	if !f.project {
		env, err := a.engine.Env(f.name, "")
		return env, "", err
	}
	root, err := projectRoot()
	if err != nil {
		return store.Env{}, "", err
	}
	env, err := a.engine.Env("", root)
	return env, root, err
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

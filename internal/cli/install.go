package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"vx/internal/engine"
	"vx/internal/project"
	"vx/internal/store"
	"vx/internal/tui"
	"vx/pkg/descriptor"
)

var (
	installEnv        envFlags
	installRefresh    bool
	installNoProgress bool
	installSave       bool

	syncRefresh    bool
	syncNoProgress bool
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install tool[@constraint]...",
		Short: "Install tools and link them into an environment",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runInstall,
	}

	installEnv.register(cmd)
	cmd.Flags().BoolVar(&installRefresh, "refresh", false, "Ignore cached version lists")
	cmd.Flags().BoolVar(&installNoProgress, "no-progress", false, "Disable interactive progress output")
	cmd.Flags().BoolVar(&installSave, "save", false, "With --project, pin the tools in vx.toml")

	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Install every tool pinned in vx.toml into the project environment",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}

	cmd.Flags().BoolVar(&syncRefresh, "refresh", false, "Ignore cached version lists")
	cmd.Flags().BoolVar(&syncNoProgress, "no-progress", false, "Disable interactive progress output")

	return cmd
}

func runInstall(cmd *cobra.Command, args []string) error {
	if installSave && !installEnv.project {
		return fmt.Errorf("--save requires --project")
	}

	pins := make([]project.Pin, 0, len(args))
	for _, arg := range args {
		pin, err := project.ParsePin(arg)
		if err != nil {
			return err
		}
		pins = append(pins, pin)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	env, root, err := installEnv.resolve(a)
	if err != nil {
		return err
	}

	reqs := make([]engine.Request, 0, len(pins))
	for _, pin := range pins {
		reqs = append(reqs, engine.Request{
			Tool:       pin.Tool,
			Constraint: pin.Constraint,
			Env:        env.Name,
			Project:    root,
			Platform:   a.platform,
			Refresh:    installRefresh,
		})
	}

	outcomes, err := runBatch(cmd, a, "install into "+env.String(), reqs, installNoProgress)
	if installSave {
		if saveErr := savePins(root, outcomes); saveErr != nil {
			a.logger.Error().Err(saveErr).Msg("update " + project.ManifestName)
		}
	}
	if err != nil {
		return err
	}
	if !outputJSON {
		printPathHint(cmd.ErrOrStderr(), env)
	}
	return nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	manifest, err := project.Discover(cwd)
	if err != nil {
		return err
	}
	pins := manifest.Pins()

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	env, err := a.engine.Env("", manifest.Root)
	if err != nil {
		return err
	}
	if len(pins) == 0 {
		a.logger.Info().Str("manifest", manifest.Path).Msg("no tools pinned")
		return nil
	}

	reqs := make([]engine.Request, 0, len(pins))
	for _, pin := range pins {
		reqs = append(reqs, engine.Request{
			Tool:       pin.Tool,
			Constraint: pin.Constraint,
			Project:    manifest.Root,
			Platform:   a.platform,
			Refresh:    syncRefresh,
		})
	}

	if _, err := runBatch(cmd, a, "sync "+manifest.Root, reqs, syncNoProgress); err != nil {
		return err
	}
	if !outputJSON {
		printPathHint(cmd.ErrOrStderr(), env)
	}
	return nil
}

type installOutcome struct {
	Request string         `json:"request"`
	Result  *engine.Result `json:"result,omitempty"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
}

// runBatch provisions reqs, rendering progress for the detected output mode.
func runBatch(cmd *cobra.Command, a *app, title string, reqs []engine.Request, noProgress bool) ([]engine.Outcome, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	mode := tui.DetectMode(out, noProgress, outputJSON)
	a.logger.Debug().Str("mode", mode.String()).Int("requests", len(reqs)).Msg("provisioning")

	var (
		outcomes []engine.Outcome
		batchErr error
	)
	switch mode {
	case tui.ModeTUI:
		model := tui.NewProvisionModel(title, reqs)
		err := tui.RunWithWork(ctx, out, model, func(ctx context.Context, send func(tea.Msg)) error {
			outcomes, batchErr = a.engine.ProvisionAll(ctx, reqs, tui.NewProvisionReporter(send))
			return batchErr
		})
		if err != nil && batchErr == nil {
			return outcomes, err
		}
	case tui.ModeJSON:
		outcomes, batchErr = a.engine.ProvisionAll(ctx, reqs, nil)
		rows := make([]installOutcome, 0, len(outcomes))
		for _, o := range outcomes {
			row := installOutcome{Request: o.Request.String(), Status: tui.StatusFor(o.Result, o.Err)}
			if o.Err != nil {
				row.Error = o.Err.Error()
			} else {
				res := o.Result
				row.Result = &res
			}
			rows = append(rows, row)
		}
		if err := writeJSON(cmd, rows); err != nil {
			return outcomes, err
		}
	default:
		outcomes, batchErr = a.engine.ProvisionAll(ctx, reqs, tui.NewLineReporter(out))
	}
	return outcomes, batchErr
}

// savePins records successful requests in the project's vx.toml, creating
// it if needed. A request without a constraint is pinned to the installed
// store version; package-manager installs stay unconstrained.
func savePins(root string, outcomes []engine.Outcome) error {
	path := filepath.Join(root, project.ManifestName)
	manifest, err := project.Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return err
		}
		manifest = &project.Manifest{Path: path, Root: root}
	}
	changed := false
	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		constraint := o.Request.Constraint
		if strings.TrimSpace(constraint) == "" && o.Result.Artifact.Origin == descriptor.OriginStore {
			constraint = o.Result.Artifact.Version
		}
		manifest.Set(project.Pin{Tool: o.Result.Artifact.Tool, Constraint: constraint})
		changed = true
	}
	if !changed {
		return nil
	}
	return manifest.Save()
}

func printPathHint(w io.Writer, env store.Env) {
	bin := env.BinDir()
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if filepath.Clean(dir) == filepath.Clean(bin) {
			return
		}
	}
	fmt.Fprintf(w, "Add %s to PATH to use the linked tools.\n", bin)
}

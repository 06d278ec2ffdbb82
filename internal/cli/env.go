package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"vx/internal/project"
	"vx/internal/registry"
	"vx/internal/resolver"
	"vx/internal/store"
	"vx/internal/tui"
	"vx/pkg/descriptor"
)

var (
	envShowFlags   envFlags
	envLinkFlags   envFlags
	envUnlinkFlags envFlags
)

func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Inspect and edit environments",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "List the tools an environment exposes",
		Args:  cobra.NoArgs,
		RunE:  runEnvShow,
	}
	envShowFlags.register(show)

	link := &cobra.Command{
		Use:   "link tool[@constraint]",
		Short: "Link an already installed version into an environment",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnvLink,
	}
	envLinkFlags.register(link)

	unlink := &cobra.Command{
		Use:   "unlink tool",
		Short: "Remove a tool from an environment",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnvUnlink,
	}
	envUnlinkFlags.register(unlink)

	list := &cobra.Command{
		Use:   "list",
		Short: "List known environments",
		Args:  cobra.NoArgs,
		RunE:  runEnvList,
	}

	cmd.AddCommand(show, link, unlink, list)
	return cmd
}

func runEnvShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	env, _, err := envShowFlags.resolve(a)
	if err != nil {
		return err
	}
	bindings, err := a.store.Bindings(env)
	if err != nil {
		return err
	}

	if outputJSON {
		return writeJSON(cmd, struct {
			Env      store.Env       `json:"env"`
			Bin      string          `json:"bin"`
			Bindings []store.Binding `json:"bindings"`
		}{env, env.BinDir(), bindings})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Environment: %s\nBin: %s\n", env, env.BinDir())
	if len(bindings) == 0 {
		fmt.Fprintln(out, "No tools linked.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tVERSION\tPLATFORM\tORIGIN\tEXECUTABLE")
	for _, b := range bindings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.Tool, b.Version, b.Platform, b.Origin, tui.NonEmptyOrDash(b.Executable))
	}
	return w.Flush()
}

func runEnvLink(cmd *cobra.Command, args []string) error {
	pin, err := project.ParsePin(args[0])
	if err != nil {
		return err
	}
	constraint, err := descriptor.ParseConstraint(pin.Constraint)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	tool := pin.Tool
	if spec, err := a.registry.Lookup(tool); err == nil {
		tool = spec.Name
	} else if !errors.Is(err, registry.ErrUnknownTool) {
		return err
	}

	env, _, err := envLinkFlags.resolve(a)
	if err != nil {
		return err
	}
	art, err := a.installedMatch(tool, constraint)
	if err != nil {
		return err
	}
	binding, err := a.store.Link(cmd.Context(), env, art)
	if err != nil {
		return err
	}

	if outputJSON {
		return writeJSON(cmd, binding)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Linked %s %s into %s\n", binding.Tool, binding.Version, env)
	return nil
}

// installedMatch picks the best installed version of tool satisfying c,
// without consulting the network.
func (a *app) installedMatch(tool string, c descriptor.Constraint) (descriptor.InstalledArtifact, error) {
	entries, err := a.store.Entries()
	if err != nil {
		return descriptor.InstalledArtifact{}, err
	}
	byVersion := make(map[string]string)
	var records []descriptor.VersionRecord
	for _, e := range entries {
		if e.Tool != tool {
			continue
		}
		if e.Platform != a.platform.String() && e.Platform != descriptor.Universal.String() {
			continue
		}
		if _, seen := byVersion[e.Version]; !seen || e.Platform == a.platform.String() {
			if !seen {
				records = append(records, descriptor.ParseVersion(e.Version, false, time.Time{}))
			}
			byVersion[e.Version] = e.ID
		}
	}

	rec, err := resolver.Select(tool, records, c)
	if err != nil {
		return descriptor.InstalledArtifact{}, err
	}
	art, ok, err := a.store.Artifact(byVersion[rec.Raw])
	if err != nil {
		return descriptor.InstalledArtifact{}, err
	}
	if !ok {
		return descriptor.InstalledArtifact{}, fmt.Errorf("%s %s vanished from the store", tool, rec.Raw)
	}
	return art, nil
}

func runEnvUnlink(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	env, _, err := envUnlinkFlags.resolve(a)
	if err != nil {
		return err
	}
	if err := a.engine.Unlink(cmd.Context(), env, args[0]); err != nil {
		return err
	}
	if !outputJSON {
		fmt.Fprintf(cmd.OutOrStdout(), "Unlinked %s from %s\n", args[0], env)
	}
	return nil
}

func runEnvList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	envs, err := a.store.Environments()
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd, envs)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ENV\tKIND\tBIN")
	for _, env := range envs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", env, env.Kind, env.BinDir())
	}
	return w.Flush()
}

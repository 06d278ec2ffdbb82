package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vx/pkg/descriptor"
)

var (
	whichEnv envFlags

	versionsRefresh    bool
	versionsPrerelease bool
)

func newWhichCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "which tool",
		Short: "Print the executable an environment exposes for a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runWhich,
	}
	whichEnv.register(cmd)
	return cmd
}

func runWhich(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	env, _, err := whichEnv.resolve(a)
	if err != nil {
		return err
	}
	art, err := a.engine.Which(env, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd, art)
	}
	fmt.Fprintln(cmd.OutOrStdout(), art.ExecutablePath)
	return nil
}

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions tool",
		Short: "List the versions a tool's provider offers",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersions,
	}
	cmd.Flags().BoolVar(&versionsRefresh, "refresh", false, "Ignore the cached version list")
	cmd.Flags().BoolVar(&versionsPrerelease, "prerelease", false, "Include prereleases")
	return cmd
}

type versionRow struct {
	descriptor.VersionRecord
	Installed bool `json:"installed"`
}

func runVersions(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := a.registry.Lookup(args[0])
	if err != nil {
		return err
	}
	records, err := a.engine.Versions(cmd.Context(), spec.Name, versionsRefresh)
	if err != nil {
		return err
	}

	rows := make([]versionRow, 0, len(records))
	for _, rec := range records {
		if rec.Prerelease && !versionsPrerelease {
			continue
		}
		installed, err := a.installed(spec.Name, rec.Raw)
		if err != nil {
			return err
		}
		rows = append(rows, versionRow{VersionRecord: rec, Installed: installed})
	}

	if outputJSON {
		return writeJSON(cmd, rows)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tRELEASED\tINSTALLED")
	for _, row := range rows {
		released := "-"
		if !row.ReleasedAt.IsZero() {
			released = row.ReleasedAt.Format("2006-01-02")
		}
		mark := ""
		if row.Installed {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.Raw, released, mark)
	}
	return w.Flush()
}

// installed reports whether the store holds version for the app's platform.
func (a *app) installed(tool, version string) (bool, error) {
	for _, p := range []descriptor.Platform{a.platform, descriptor.Universal} {
		_, ok, err := a.store.Lookup(tool, version, p)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vx/internal/store"
)

var gcDryRun bool

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed store entries and how many environments use them",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

type listRow struct {
	store.Entry
	References int `json:"references"`
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.Entries()
	if err != nil {
		return err
	}
	refs, err := a.store.References()
	if err != nil {
		return err
	}
	rows := make([]listRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, listRow{Entry: e, References: refs[e.ID]})
	}

	if outputJSON {
		return writeJSON(cmd, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Store is empty.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tVERSION\tPLATFORM\tREFS\tPLACED\tID")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Tool, r.Version, r.Platform, r.References, r.PlacedAt.Format("2006-01-02"), r.ID)
	}
	return w.Flush()
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove store entries no environment references",
		Args:  cobra.NoArgs,
		RunE:  runGC,
	}
	cmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report what would be removed without deleting")
	return cmd
}

func runGC(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.GC(cmd.Context(), store.GCOptions{DryRun: gcDryRun})
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd, report)
	}

	out := cmd.OutOrStdout()
	verb := "Removed"
	if report.DryRun {
		verb = "Would remove"
	}
	for _, e := range report.Removed {
		fmt.Fprintf(out, "%s %s %s (%s)\n", verb, e.Tool, e.Version, e.Platform)
	}
	fmt.Fprintf(out, "%s %d entries, %d staging dirs, %d downloads, %s; %d entries retained\n",
		verb, len(report.Removed), report.Staging, report.Downloads, formatBytes(report.Freed), len(report.Retained))
	return nil
}

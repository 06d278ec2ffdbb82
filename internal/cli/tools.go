package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vx/internal/tui"
	"vx/pkg/descriptor"
	"vx/pkg/toolspec"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool specs vx knows about",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known tools",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show tool",
		Short: "Print a tool spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsShow,
	})

	return cmd
}

type toolInfo struct {
	Name         string                  `json:"name"`
	Aliases      []string                `json:"aliases,omitempty"`
	Ecosystem    string                  `json:"ecosystem,omitempty"`
	Description  string                  `json:"description,omitempty"`
	Homepage     string                  `json:"homepage,omitempty"`
	Provider     string                  `json:"provider"`
	Source       string                  `json:"source"`
	Capabilities descriptor.Capabilities `json:"capabilities"`
}

func newToolInfo(spec *toolspec.Spec) toolInfo {
	provider := "static"
	if spec.Scripted() {
		provider = "script"
	}
	return toolInfo{
		Name:         spec.Name,
		Aliases:      spec.Aliases,
		Ecosystem:    spec.Ecosystem,
		Description:  spec.Description,
		Homepage:     spec.Homepage,
		Provider:     provider,
		Source:       spec.Source,
		Capabilities: spec.Capabilities,
	}
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	specs, err := a.registry.Specs()
	if err != nil {
		return err
	}
	infos := make([]toolInfo, 0, len(specs))
	for _, spec := range specs {
		infos = append(infos, newToolInfo(spec))
	}

	if outputJSON {
		return writeJSON(cmd, infos)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tALIASES\tECOSYSTEM\tPROVIDER\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.Name,
			tui.NonEmptyOrDash(strings.Join(info.Aliases, ", ")),
			tui.NonEmptyOrDash(info.Ecosystem),
			info.Provider,
			tui.TruncateWithEllipsis(info.Description, 60),
		)
	}
	return w.Flush()
}

func runToolsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := a.registry.Lookup(args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd, newToolInfo(spec))
	}

	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# source: %s\n", spec.Source)
	fmt.Fprint(out, string(data))
	return nil
}

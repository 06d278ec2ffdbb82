package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vx/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect vx configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration in YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})
	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if outputJSON {
		return writeJSON(cmd, struct {
			Home     string                    `json:"home"`
			Config   config.Config             `json:"config"`
			Findings []config.ValidationResult `json:"findings,omitempty"`
		}{a.layout.Home, a.cfg, a.cfg.Validate()})
	}

	data, err := a.cfg.Marshal()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# home: %s\n", a.layout.Home)
	fmt.Fprint(out, string(data))
	if len(data) == 0 || data[len(data)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}

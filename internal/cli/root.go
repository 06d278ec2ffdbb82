package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"vx/internal/telemetry"
)

var (
	homeDir      string
	configPath   string
	outputJSON   bool
	logLevel     string
	platformFlag string
)

// Execute runs the root cobra command.
func Execute(version string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := telemetry.Init(ctx, "vx", version); err != nil {
		fmt.Fprintf(os.Stderr, "warning: telemetry disabled: %v\n", err)
	}

	cmd := newRootCmd()
	cmd.Version = version
	err := cmd.ExecuteContext(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	telemetry.Shutdown(shutdownCtx)
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vx",
		Short:         "Install and pin developer tools per project",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&homeDir, "home", "", "vx home directory (default $VX_HOME or the per-OS data dir)")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default <home>/config.yaml)")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&platformFlag, "platform", "", "Target platform as os-arch (default: this machine)")

	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWhichCmd())
	cmd.AddCommand(newVersionsCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newEnvCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

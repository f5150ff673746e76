// Package cli implements the calcrt command line.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/calcrt/internal/config"
	"github.com/dshills/calcrt/internal/host"
)

// BuildInfo is reported by the version command.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type app struct {
	cfgFile  string
	logLevel string
	build    BuildInfo

	out io.Writer
	err io.Writer

	// extra runtime options, used by tests
	runtimeOpts []host.Option
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calcrt",
		Short: "calcrt hosts clinical calculator plugins",
		Long: "calcrt loads clinical calculator plugins from compiled-in modules, " +
			"declarative documents and allow-listed URLs, and runs calculations on them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(a.out)
	cmd.SetErr(a.err)

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (TOML)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newDiscoverCmd(a))
	cmd.AddCommand(newCheckCmd(a))
	cmd.AddCommand(newVersionCmd(a))
	return cmd
}

// loadConfig reads --config and applies --log-level over it.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	return cfg, nil
}

// newRuntime builds a runtime logging to stderr. The caller shuts it down.
func (a *app) newRuntime(cfg config.Config) (*host.Runtime, error) {
	opts := append([]host.Option{host.WithLogOutput(a.err)}, a.runtimeOpts...)
	return host.New(cfg, opts...)
}

// Execute runs the root command with os.Args.
func Execute(ctx context.Context, build BuildInfo) error {
	a := &app{build: build, out: os.Stdout, err: os.Stderr}
	return newRootCmd(a).ExecuteContext(ctx)
}

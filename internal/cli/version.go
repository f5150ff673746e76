package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dshills/calcrt/internal/plugin/api"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of calcrt",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "calcrt %s (commit %s, built %s, %s, script api v%d)\n",
				a.build.Version, a.build.Commit, a.build.Date, runtime.Version(), api.Version)
		},
	}
}

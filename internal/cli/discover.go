package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the plugin sources calcrt can load",
		Long:  "Lists compiled-in calculators and the plugin sources found in loader.plugin_dirs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			rt, err := a.newRuntime(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Shutdown(cmd.Context()) }()

			found, err := rt.Discoverer().Discover()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tSOURCE")
			for _, id := range rt.Builtins() {
				fmt.Fprintf(w, "%s\tbuiltin\t%s\n", id, id)
			}
			for _, c := range found {
				fmt.Fprintf(w, "%s\tfile\t%s\n", c.Name, c.Source)
			}
			return w.Flush()
		},
	}
}

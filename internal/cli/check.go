package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/calcrt/internal/plugin/security"
)

type checkReport struct {
	Plugin          string                 `json:"plugin"`
	Version         string                 `json:"version"`
	Type            string                 `json:"type"`
	Permissions     security.PermissionSet `json:"permissions"`
	Capabilities    []capabilityReport     `json:"capabilities"`
	Allowed         bool                   `json:"allowed"`
	Risk            string                 `json:"risk"`
	Reason          string                 `json:"reason,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
}

type capabilityReport struct {
	Name        security.Capability `json:"name"`
	DisplayName string              `json:"displayName"`
	Description string              `json:"description"`
	Risk        string              `json:"risk"`
}

func describeCapabilities(caps []security.Capability) []capabilityReport {
	out := make([]capabilityReport, 0, len(caps))
	for _, c := range caps {
		info, ok := security.GetCapabilityInfo(c)
		if !ok {
			out = append(out, capabilityReport{Name: c, Risk: "unknown"})
			continue
		}
		out = append(out, capabilityReport{
			Name:        c,
			DisplayName: info.DisplayName,
			Description: info.Description,
			Risk:        info.RiskLevel.String(),
		})
	}
	return out
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <source>",
		Short: "Print the security gate's decision for a plugin source",
		Long: "Resolves source without loading it into the manager and prints the " +
			"permission decision as JSON. The exit status is non-zero when the plugin " +
			"would be denied.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			rt, err := a.newRuntime(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer func() { _ = rt.Shutdown(ctx) }()

			p, err := rt.Chain().Load(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = rt.Chain().Unload(ctx, args[0]) }()

			meta := p.Metadata()
			d := rt.Gate().CheckPermissions(meta.Permissions)
			report := checkReport{
				Plugin:          meta.FullID(),
				Version:         meta.Version,
				Type:            string(meta.Type),
				Permissions:     meta.Permissions,
				Capabilities:    describeCapabilities(meta.Permissions.Capabilities()),
				Allowed:         d.Allowed,
				Risk:            d.Risk.String(),
				Reason:          d.Reason,
				Recommendations: d.Recommendations,
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !d.Allowed {
				return fmt.Errorf("%s would be denied: %s", report.Plugin, d.Reason)
			}
			return nil
		},
	}
}

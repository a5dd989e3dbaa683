package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/request-gatekeeper/pkg/gkctl/output"
	"github.com/telekom/request-gatekeeper/pkg/version"
)

// NewVersionCommand prints build metadata. It works without --server, and
// falls back to GKCTL_OUTPUT when -o is not given.
func NewVersionCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show gkctl version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()
			w := cmd.OutOrStdout()
			if rt, err := getRuntime(cmd); err == nil {
				w = rt.Writer()
				if format == "" {
					format = rt.OutputFormat()
				}
			}

			switch f := output.Format(format); f {
			case output.FormatJSON, output.FormatYAML:
				return output.WriteObject(w, f, info)
			default:
				_, err := fmt.Fprintf(w, "gkctl %s (commit: %s, built: %s)\n", info.Version, info.GitCommit, info.BuildDate)
				return err
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

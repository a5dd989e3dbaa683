package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/request-gatekeeper/pkg/api"
	"github.com/telekom/request-gatekeeper/pkg/gkctl/client"
	"github.com/telekom/request-gatekeeper/pkg/gkctl/output"
)

func NewLimitsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "limits",
		Aliases: []string{"limit", "rl"},
		Short:   "Inspect and manage rate limits",
	}
	cmd.AddCommand(
		newLimitsListCommand(),
		newLimitsStatusCommand(),
		newLimitsBlockCommand(),
		newLimitsUnblockCommand(),
		newLimitsResetCommand(),
	)
	return cmd
}

func newLimitsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active rate limit entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			apiClient, err := buildClient(rt)
			if err != nil {
				return err
			}
			limits, err := apiClient.ListLimits(cmd.Context())
			if err != nil {
				return err
			}
			format := output.Format(rt.OutputFormat())
			switch format {
			case output.FormatJSON, output.FormatYAML:
				return output.WriteObject(rt.Writer(), format, limits)
			case output.FormatTable:
				output.WriteLimitsTable(rt.Writer(), limits)
				return nil
			default:
				return fmt.Errorf("unknown output format: %s", format)
			}
		},
	}
}

func newLimitsStatusCommand() *cobra.Command {
	var category, tier string
	cmd := &cobra.Command{
		Use:   "status KEY",
		Short: "Show the limit state of a key without counting a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			apiClient, err := buildClient(rt)
			if err != nil {
				return err
			}
			status, err := apiClient.Status(cmd.Context(), args[0], category, tier)
			if err != nil {
				return err
			}
			format := output.Format(rt.OutputFormat())
			switch format {
			case output.FormatJSON, output.FormatYAML:
				return output.WriteObject(rt.Writer(), format, status)
			case output.FormatTable:
				output.WriteStatusTable(rt.Writer(), status)
				return nil
			default:
				return fmt.Errorf("unknown output format: %s", format)
			}
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Limit category, e.g. api, search, signin; omit when KEY is a full key from 'limits list'")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier whose limits apply: free, pro, enterprise, admin (server default: free)")
	return cmd
}

// newActionCommand builds a KEY [--category] command around one state-changing call.
func newActionCommand(use, short string, run func(cmd *cobra.Command, c *client.Client, t client.Target) error) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			apiClient, err := buildClient(rt)
			if err != nil {
				return err
			}
			return run(cmd, apiClient, client.Target{Key: args[0], Category: category})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Category of KEY; omit when KEY is a full key from 'limits list'")
	return cmd
}

func writeAction(cmd *cobra.Command, res *api.ActionResult) error {
	rt, err := getRuntime(cmd)
	if err != nil {
		return err
	}
	format := output.Format(rt.OutputFormat())
	switch format {
	case output.FormatJSON, output.FormatYAML:
		return output.WriteObject(rt.Writer(), format, res)
	case output.FormatTable:
		output.WriteActionResult(rt.Writer(), res)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func newLimitsBlockCommand() *cobra.Command {
	var duration time.Duration
	cmd := newActionCommand("block KEY", "Block a key regardless of its count",
		func(cmd *cobra.Command, c *client.Client, t client.Target) error {
			if duration <= 0 {
				return fmt.Errorf("--duration must be positive, got %s", duration)
			}
			res, err := c.Block(cmd.Context(), t, duration)
			if err != nil {
				return err
			}
			return writeAction(cmd, res)
		})
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "How long the block lasts")
	return cmd
}

func newLimitsUnblockCommand() *cobra.Command {
	cmd := newActionCommand("unblock KEY", "Lift a block without touching the request count",
		func(cmd *cobra.Command, c *client.Client, t client.Target) error {
			res, err := c.Unblock(cmd.Context(), t)
			if err != nil {
				return err
			}
			return writeAction(cmd, res)
		})
	return cmd
}

func newLimitsResetCommand() *cobra.Command {
	cmd := newActionCommand("reset KEY", "Delete all limiter state for a key",
		func(cmd *cobra.Command, c *client.Client, t client.Target) error {
			res, err := c.Reset(cmd.Context(), t)
			if err != nil {
				return err
			}
			return writeAction(cmd, res)
		})
	return cmd
}

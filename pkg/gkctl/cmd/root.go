package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	EnvServer  = "GKCTL_SERVER"
	EnvAPIKey  = "GKCTL_API_KEY"
	EnvOutput  = "GKCTL_OUTPUT"
	EnvTimeout = "GKCTL_TIMEOUT"
)

type Config struct {
	OutputWriter io.Writer
}

type runtimeState struct {
	server       string
	apiKey       string
	outputFormat string
	timeout      time.Duration
	caFile       string
	insecure     bool
	writer       io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{OutputWriter: os.Stdout}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "gkctl",
		Short:         "Request gatekeeper admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.server == "" {
				rt.server = os.Getenv(EnvServer)
			}
			if rt.apiKey == "" {
				rt.apiKey = os.Getenv(EnvAPIKey)
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv(EnvOutput)
			}
			if !cmd.Flags().Changed("timeout") {
				if raw := os.Getenv(EnvTimeout); raw != "" {
					d, err := time.ParseDuration(raw)
					if err != nil {
						return errors.New("invalid " + EnvTimeout + ": " + err.Error())
					}
					rt.timeout = d
				}
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.server, "server", "", "Gatekeeper base URL (env "+EnvServer+")")
	root.PersistentFlags().StringVar(&rt.apiKey, "api-key", "", "Admin API key (env "+EnvAPIKey+")")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().DurationVar(&rt.timeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().StringVar(&rt.caFile, "ca-file", "", "PEM bundle used to verify the server certificate")
	root.PersistentFlags().BoolVar(&rt.insecure, "insecure-skip-tls-verify", false, "Skip server certificate verification")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewLimitsCommand(),
		NewCompletionCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) OutputFormat() string {
	if rt.outputFormat != "" {
		return strings.ToLower(rt.outputFormat)
	}
	return "table"
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

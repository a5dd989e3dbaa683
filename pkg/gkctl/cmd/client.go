package cmd

import (
	"errors"

	"github.com/telekom/request-gatekeeper/pkg/gkctl/client"
	"github.com/telekom/request-gatekeeper/pkg/version"
)

func buildClient(rt *runtimeState) (*client.Client, error) {
	if rt.server == "" {
		return nil, errors.New("server is required; set --server or " + EnvServer)
	}
	if rt.apiKey == "" {
		return nil, errors.New("api key is required; set --api-key or " + EnvAPIKey)
	}
	options := []client.Option{
		client.WithServer(rt.server),
		client.WithAPIKey(rt.apiKey),
		client.WithUserAgent(version.UserAgent("gkctl")),
		client.WithTLSConfig(rt.caFile, rt.insecure),
	}
	if rt.timeout > 0 {
		options = append(options, client.WithTimeout(rt.timeout))
	}
	return client.New(options...)
}

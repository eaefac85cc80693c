// Package engine binds a domain.Host's connection settings to a live Docker
// client, grounded on shared/docker.CreateLocalClient/CreateRemoteClient —
// the same connection helpers the agent and stats-service already use for
// local-socket vs. TLS-remote engines. It implements the narrow factory
// interfaces C9 (update.DockerClientFactory) and C10
// (deploy.ComposeServiceFactory) declare for themselves, so neither
// executor package needs to know how a client gets constructed.
package engine

import (
	"fmt"

	dockerclient "github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	shareddocker "github.com/darthnorse/dockmon-shared/docker"
	sharedcompose "github.com/darthnorse/dockmon-shared/compose"

	"github.com/dockmon/server/internal/domain"
)

// Factory constructs docker clients and compose services for directly
// connected (local/remote) hosts. It must never be asked for an
// agent-backed host — the executors branch on connection type before
// calling it.
type Factory struct {
	log *logrus.Logger
}

// New constructs a Factory.
func New(log *logrus.Logger) *Factory {
	return &Factory{log: log}
}

// ClientFor implements update.DockerClientFactory.
func (f *Factory) ClientFor(host *domain.Host) (*dockerclient.Client, error) {
	switch host.ConnectionType {
	case domain.ConnectionLocal:
		return shareddocker.CreateLocalClient()
	case domain.ConnectionRemote:
		if host.TLSMaterial != nil && host.TLSMaterial.CACert != "" {
			return shareddocker.CreateTLSClient(host.URL, host.TLSMaterial.CACert, host.TLSMaterial.Cert, host.TLSMaterial.Key)
		}
		return shareddocker.CreateRemoteClient(host.URL, "", "", "")
	default:
		return nil, fmt.Errorf("engine: host %s is agent-backed, not directly connected", host.ID)
	}
}

// ServiceFor implements deploy.ComposeServiceFactory: it resolves a docker
// client for the host exactly as ClientFor does, then wraps it in a
// shared/compose.Service configured to report progress through onProgress.
func (f *Factory) ServiceFor(host *domain.Host, onProgress sharedcompose.ProgressCallback) (*sharedcompose.Service, error) {
	cli, err := f.ClientFor(host)
	if err != nil {
		return nil, err
	}
	var opts []sharedcompose.Option
	if onProgress != nil {
		opts = append(opts, sharedcompose.WithProgressCallback(onProgress))
	}
	return sharedcompose.NewService(cli, f.log, opts...), nil
}

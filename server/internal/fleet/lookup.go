// Package fleet resolves the live container inventory batch actions (C11)
// check for idempotency, grounded on shared/update's own cli.ContainerList
// calls and stats-service/cache.go's composite "hostID:containerID" keying
// convention.
package fleet

import (
	"context"
	"strings"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/docker/docker/api/types/container"

	"github.com/dockmon/server/internal/batch"
	"github.com/dockmon/server/internal/domain"
)

// HostLister resolves every known host.
type HostLister interface {
	ListHosts() ([]*domain.Host, error)
}

// DockerClientFactory returns a docker client for a directly connected
// host, per engine.Factory.
type DockerClientFactory interface {
	ClientFor(host *domain.Host) (*dockerclient.Client, error)
}

const listTimeout = 10 * time.Second

// Lookup implements batch.ContainerLookup by querying each directly
// connected host's engine on demand. Agent-backed hosts are not queried
// and contribute no containers to the result.
type Lookup struct {
	hosts    HostLister
	dockerFn DockerClientFactory
	log      *logrus.Logger
}

func NewLookup(hosts HostLister, dockerFn DockerClientFactory, log *logrus.Logger) *Lookup {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Lookup{hosts: hosts, dockerFn: dockerFn, log: log}
}

var _ batch.ContainerLookup = (*Lookup)(nil)

func (l *Lookup) AllContainers() ([]batch.ContainerView, error) {
	hosts, err := l.hosts.ListHosts()
	if err != nil {
		return nil, err
	}
	var all []batch.ContainerView
	for _, h := range hosts {
		views, err := l.containersForHost(h)
		if err != nil {
			l.log.WithError(err).WithField("host_id", h.ID).Warn("fleet: listing containers")
			continue
		}
		all = append(all, views...)
	}
	return all, nil
}

func (l *Lookup) Containers(hostID string) ([]batch.ContainerView, error) {
	hosts, err := l.hosts.ListHosts()
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.ID == hostID {
			return l.containersForHost(h)
		}
	}
	return nil, nil
}

func (l *Lookup) containersForHost(h *domain.Host) ([]batch.ContainerView, error) {
	if h.ConnectionType == domain.ConnectionAgent {
		// Agent-backed hosts push their container inventory over the
		// coordinator channel; there is no synchronous list call.
		return nil, nil
	}
	cli, err := l.dockerFn.ClientFor(h)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}
	views := make([]batch.ContainerView, 0, len(containers))
	for _, c := range containers {
		views = append(views, batch.ContainerView{
			HostID:   h.ID,
			HostName: h.Name,
			ShortID:  shortID(c.ID),
			Name:     containerName(c.Names),
			State:    c.State,
		})
	}
	return views, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

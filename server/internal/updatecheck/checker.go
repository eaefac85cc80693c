// Package updatecheck is the periodic update-check sweep (C12's first job):
// it walks every tracked container-update row, resolves the floating tag
// the row's mode names through the registry adapter (C3), compares the
// resulting manifest digest to what the container currently runs, and
// flags rows whose registry image has moved on. A second job checks the
// agent release registry so outdated agents surface the same way.
package updatecheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
	"github.com/dockmon/server/internal/registry"
)

// Store is the persistence surface the sweep needs.
type Store interface {
	ListContainerUpdates(hostID string) ([]*domain.ContainerUpdate, error)
	UpsertContainerUpdate(u *domain.ContainerUpdate) error
	GetGlobalSettings() (*domain.GlobalSettings, error)
}

// AgentStore resolves hosts and their agents for the release check.
type AgentStore interface {
	ListHosts() ([]*domain.Host, error)
	GetAgentByHostID(hostID string) (*domain.Agent, error)
}

// TagResolver is the slice of C3 the sweep drives, narrowed so tests can
// substitute a fake instead of a live registry.
type TagResolver interface {
	ResolveTag(ctx context.Context, ref registry.Reference, mode domain.FloatingTagMode) (string, error)
	Digest(ctx context.Context, ref registry.Reference) (string, error)
}

// Emitter publishes update_available events onto C6.
type Emitter interface {
	Emit(eventbus.Event)
}

// AdapterResolver adapts *registry.Adapter to TagResolver.
type AdapterResolver struct {
	Adapter *registry.Adapter
}

func (r AdapterResolver) ResolveTag(ctx context.Context, ref registry.Reference, mode domain.FloatingTagMode) (string, error) {
	return registry.FloatingTag(ctx, r.Adapter, ref, mode)
}

func (r AdapterResolver) Digest(ctx context.Context, ref registry.Reference) (string, error) {
	return r.Adapter.Digest(ctx, ref)
}

// Checker runs the two scheduled sweeps.
type Checker struct {
	store    Store
	agents   AgentStore
	resolver TagResolver
	emitter  Emitter
	log      *logrus.Logger

	agentReleaseURL string
	httpClient      *http.Client
}

// New constructs a Checker. agentReleaseURL may be empty, which disables
// the agent release check.
func New(store Store, agents AgentStore, resolver TagResolver, emitter Emitter, agentReleaseURL string, log *logrus.Logger) *Checker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Checker{
		store: store, agents: agents, resolver: resolver, emitter: emitter, log: log,
		agentReleaseURL: agentReleaseURL,
		httpClient:      &http.Client{Timeout: 15 * time.Second},
	}
}

// CheckAll sweeps every tracked row. Per-row failures are logged and the
// sweep continues; the returned count is how many rows newly gained an
// available update this pass.
func (c *Checker) CheckAll(ctx context.Context) int {
	settings, err := c.store.GetGlobalSettings()
	if err != nil {
		c.log.WithError(err).Warn("updatecheck: reading global settings, compose skip disabled")
		settings = &domain.GlobalSettings{}
	}

	rows, err := c.store.ListContainerUpdates("")
	if err != nil {
		c.log.WithError(err).Error("updatecheck: listing tracked containers")
		return 0
	}

	newlyAvailable := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return newlyAvailable
		}
		if settings.SkipComposeContainers && row.ComposeProject != "" {
			continue
		}
		if c.checkOne(ctx, row) {
			newlyAvailable++
		}
	}
	return newlyAvailable
}

// checkOne resolves row's floating tag and digest and persists the result.
// Returns true when the row transitioned to update_available this pass.
func (c *Checker) checkOne(ctx context.Context, row *domain.ContainerUpdate) bool {
	ref := registry.ParseReference(row.CurrentImage)

	tag, err := c.resolver.ResolveTag(ctx, ref, row.FloatingTagMode)
	if err != nil {
		c.log.WithError(err).WithField("container_id", row.ContainerID).Warn("updatecheck: resolving floating tag")
		return false
	}

	target := ref
	target.Tag = tag
	digest, err := c.resolver.Digest(ctx, target)
	if err != nil {
		c.log.WithError(err).WithField("container_id", row.ContainerID).Warn("updatecheck: resolving digest")
		return false
	}

	wasAvailable := row.UpdateAvailable
	row.LatestImage = imageString(target)
	row.LatestDigest = digest
	row.UpdateAvailable = digest != "" && row.CurrentDigest != "" && digest != row.CurrentDigest
	row.LastCheckedAt = time.Now().UTC()

	if err := c.store.UpsertContainerUpdate(row); err != nil {
		c.log.WithError(err).WithField("container_id", row.ContainerID).Error("updatecheck: persisting check result")
		return false
	}

	if row.UpdateAvailable && !wasAvailable {
		c.emitter.Emit(eventbus.Event{
			Type: eventbus.UpdateAvailable, ScopeType: eventbus.ScopeContainer,
			ScopeID: row.ContainerID, HostID: row.HostID,
			Data: map[string]interface{}{
				"container_id": row.ContainerID, "current_image": row.CurrentImage,
				"latest_image": row.LatestImage, "latest_digest": row.LatestDigest,
			},
		})
		return true
	}
	return false
}

func imageString(ref registry.Reference) string {
	repo := ref.Repository
	if ref.Registry != "docker.io" {
		repo = ref.Registry + "/" + repo
	} else {
		repo = strings.TrimPrefix(repo, "library/")
	}
	return fmt.Sprintf("%s:%s", repo, ref.Tag)
}

// CheckAgentReleases fetches the latest published agent version (a plain
// text version string, the same flat format the self-update checksum
// endpoint serves) and emits update_available for every agent whose version
// string differs from it (versions are compared for equality, not order).
// Best-effort: any failure is logged and skipped.
func (c *Checker) CheckAgentReleases(ctx context.Context) {
	if c.agentReleaseURL == "" || c.agents == nil {
		return
	}
	latest, err := c.fetchLatestAgentVersion(ctx)
	if err != nil {
		c.log.WithError(err).Warn("updatecheck: fetching latest agent release")
		return
	}

	hosts, err := c.agents.ListHosts()
	if err != nil {
		c.log.WithError(err).Error("updatecheck: listing hosts for agent release check")
		return
	}
	for _, h := range hosts {
		if h.ConnectionType != domain.ConnectionAgent {
			continue
		}
		agent, err := c.agents.GetAgentByHostID(h.ID)
		if err != nil || agent == nil {
			continue
		}
		if agent.Version == latest {
			continue
		}
		c.emitter.Emit(eventbus.Event{
			Type: eventbus.UpdateAvailable, ScopeType: eventbus.ScopeHost,
			ScopeID: h.ID, HostID: h.ID, HostName: h.Name,
			Data: map[string]interface{}{
				"agent_id": agent.ID, "current_version": agent.Version, "latest_version": latest,
			},
		})
	}
}

func (c *Checker) fetchLatestAgentVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.agentReleaseURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("updatecheck: release endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(string(body))
	if version == "" {
		return "", fmt.Errorf("updatecheck: release endpoint returned an empty body")
	}
	return version, nil
}

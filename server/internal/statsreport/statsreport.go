// Package statsreport is the one place the per-container resource samples
// collected by the stats sidecar (see server/internal/statsclient) reach
// the alert engine's metric-driven rules (C7's docker_cpu_workload_pct and
// docker_mem_workload_pct, validated in alerts/validate.go's
// percentageMetrics). It is the server-side counterpart of the agent's own
// stats push, restricted to directly connected hosts - agent-backed hosts
// report resource usage over the coordinator channel instead.
package statsreport

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/alerts"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/statsclient"
)

const (
	metricCPUPercent = "docker_cpu_workload_pct"
	metricMemPercent = "docker_mem_workload_pct"
)

// HostLister resolves every known host, the same interface fleet.Lookup
// depends on.
type HostLister interface {
	ListHosts() ([]*domain.Host, error)
}

// MetricEvaluator is the subset of alerts.Engine a poll tick drives.
type MetricEvaluator interface {
	EvaluateMetric(metric string, value float64, ctx alerts.EvalContext) []domain.Alert
}

// StatsSource is the subset of statsclient.Client a poll tick needs -
// narrowed to ease testing with a fake.
type StatsSource interface {
	ContainerStatsAll(ctx context.Context) (map[string]statsclient.ContainerStats, error)
}

// Broadcaster pushes the polled snapshot to UI clients as a
// container_stats envelope. Optional; nil means no UI fan-out.
type Broadcaster interface {
	Broadcast(msgType string, data interface{})
}

// Reporter polls the stats sidecar and feeds each directly connected host's
// container samples into the alert engine.
type Reporter struct {
	hosts     HostLister
	stats     StatsSource
	engine    MetricEvaluator
	broadcast Broadcaster
	log       *logrus.Logger
}

func New(hosts HostLister, stats StatsSource, engine MetricEvaluator, log *logrus.Logger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reporter{hosts: hosts, stats: stats, engine: engine, log: log}
}

// SetBroadcaster wires the UI hub after construction, the same late-wiring
// pattern eventbus.SetAlertEvaluator uses for startup-order cycles.
func (r *Reporter) SetBroadcaster(b Broadcaster) {
	r.broadcast = b
}

// Poll fetches the sidecar's current container snapshot and evaluates
// docker_cpu_workload_pct/docker_mem_workload_pct for every sample whose
// host is directly connected (local or remote). Agent-backed hosts are
// skipped silently - their samples arrive through a different path.
func (r *Reporter) Poll(ctx context.Context) error {
	hosts, err := r.hosts.ListHosts()
	if err != nil {
		return err
	}
	direct := make(map[string]*domain.Host, len(hosts))
	for _, h := range hosts {
		if h.ConnectionType != domain.ConnectionAgent {
			direct[h.ID] = h
		}
	}
	if len(direct) == 0 {
		return nil
	}

	samples, err := r.stats.ContainerStatsAll(ctx)
	if err != nil {
		r.log.WithError(err).Warn("statsreport: fetching container stats")
		return err
	}

	for _, s := range samples {
		host, ok := direct[s.HostID]
		if !ok {
			continue
		}
		evalCtx := alerts.EvalContext{
			ScopeType: "container",
			ScopeID:   s.ContainerID,
			HostID:    host.ID,
			Name:      s.ContainerName,
		}
		r.engine.EvaluateMetric(metricCPUPercent, s.CPUPercent, evalCtx)
		r.engine.EvaluateMetric(metricMemPercent, s.MemoryPercent, evalCtx)
	}

	if r.broadcast != nil && len(samples) > 0 {
		r.broadcast.Broadcast("container_stats", map[string]interface{}{"containers": samples})
	}
	return nil
}

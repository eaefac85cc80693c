package statsreport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/alerts"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/statsclient"
)

type fakeHostLister struct {
	hosts []*domain.Host
}

func (f *fakeHostLister) ListHosts() ([]*domain.Host, error) { return f.hosts, nil }

type recordedEval struct {
	metric string
	value  float64
	ctx    alerts.EvalContext
}

type fakeEvaluator struct {
	calls []recordedEval
}

func (f *fakeEvaluator) EvaluateMetric(metric string, value float64, ctx alerts.EvalContext) []domain.Alert {
	f.calls = append(f.calls, recordedEval{metric: metric, value: value, ctx: ctx})
	return nil
}

// newFakeSidecar stands in for stats-service's /api/stats/containers route.
func newFakeSidecar(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats/containers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]statsclient.ContainerStats{
			"host-direct:c1": {
				ContainerID:   "c1",
				ContainerName: "web",
				HostID:        "host-direct",
				CPUPercent:    72.5,
				MemoryPercent: 30.0,
			},
			"host-agent:c2": {
				ContainerID:   "c2",
				ContainerName: "worker",
				HostID:        "host-agent",
				CPUPercent:    99.9,
				MemoryPercent: 80.0,
			},
		})
	})
	return httptest.NewServer(mux)
}

func TestReporterPollEvaluatesOnlyDirectHosts(t *testing.T) {
	srv := newFakeSidecar(t)
	defer srv.Close()

	hosts := &fakeHostLister{hosts: []*domain.Host{
		{ID: "host-direct", ConnectionType: domain.ConnectionLocal},
		{ID: "host-agent", ConnectionType: domain.ConnectionAgent},
	}}
	client := statsclient.New(srv.URL, "", nil)
	eval := &fakeEvaluator{}

	r := New(hosts, client, eval, nil)
	require.NoError(t, r.Poll(t.Context()))

	require.Len(t, eval.calls, 2, "one cpu + one mem call for the single directly connected container")
	for _, c := range eval.calls {
		require.Equal(t, "host-direct", c.ctx.HostID)
		require.Equal(t, "c1", c.ctx.ScopeID)
		require.Contains(t, []string{metricCPUPercent, metricMemPercent}, c.metric)
	}
}

func TestReporterPollSkipsWhenNoDirectHosts(t *testing.T) {
	srv := newFakeSidecar(t)
	defer srv.Close()

	hosts := &fakeHostLister{hosts: []*domain.Host{
		{ID: "host-agent", ConnectionType: domain.ConnectionAgent},
	}}
	client := statsclient.New(srv.URL, "", nil)
	eval := &fakeEvaluator{}

	r := New(hosts, client, eval, nil)
	require.NoError(t, r.Poll(t.Context()))
	require.Empty(t, eval.calls)
}

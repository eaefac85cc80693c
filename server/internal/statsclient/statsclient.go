// Package statsclient is the client contract for the stats sidecar
// (stats-service/main.go): per spec.md's Non-goals, the sidecar binary
// itself is an external collaborator and out of scope, but this repository
// is responsible for the interface to it. The endpoint paths, request
// shapes, and bearer-token auth convention here are grounded directly on
// stats-service/main.go's mux.HandleFunc registrations and cache.go's
// HostStats/ContainerStats wire structs.
package statsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HostStats mirrors stats-service/cache.go's HostStats wire shape.
type HostStats struct {
	HostID           string    `json:"host_id"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	MemoryUsedBytes  uint64    `json:"memory_used_bytes"`
	MemoryLimitBytes uint64    `json:"memory_limit_bytes"`
	NetworkRxBytes   uint64    `json:"network_rx_bytes"`
	NetworkTxBytes   uint64    `json:"network_tx_bytes"`
	ContainerCount   int       `json:"container_count"`
	LastUpdate       time.Time `json:"last_update"`
}

// ContainerStats mirrors stats-service/cache.go's ContainerStats wire shape.
type ContainerStats struct {
	ContainerID    string    `json:"container_id"`
	ContainerName  string    `json:"container_name"`
	HostID         string    `json:"host_id"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryUsage    uint64    `json:"memory_usage"`
	MemoryLimit    uint64    `json:"memory_limit"`
	MemoryPercent  float64   `json:"memory_percent"`
	NetworkRx      uint64    `json:"network_rx"`
	NetworkTx      uint64    `json:"network_tx"`
	NetBytesPerSec float64   `json:"net_bytes_per_sec"`
	DiskRead       uint64    `json:"disk_read"`
	DiskWrite      uint64    `json:"disk_write"`
	LastUpdate     time.Time `json:"last_update"`
}

// AddHostRequest mirrors the /api/hosts/add and /api/events/hosts/add body.
type AddHostRequest struct {
	HostID      string `json:"host_id"`
	HostName    string `json:"host_name"`
	HostAddress string `json:"host_address"`
	TLSCACert   string `json:"tls_ca_cert,omitempty"`
	TLSCert     string `json:"tls_cert,omitempty"`
	TLSKey      string `json:"tls_key,omitempty"`
}

// StreamRequest mirrors /api/streams/start and /api/streams/stop.
type StreamRequest struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name,omitempty"`
	HostID        string `json:"host_id"`
}

// Client is an HTTP client bound to one stats-service instance, matching
// its bearer-token auth middleware (authMiddleware in main.go).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a Client. httpClient defaults to http.DefaultClient when nil.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

// HostStatsAll calls GET /api/stats/hosts.
func (c *Client) HostStatsAll(ctx context.Context) (map[string]HostStats, error) {
	var out map[string]HostStats
	if err := c.do(ctx, http.MethodGet, "/api/stats/hosts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HostStatsOne calls GET /api/stats/host/{hostID}.
func (c *Client) HostStatsOne(ctx context.Context, hostID string) (*HostStats, error) {
	var out HostStats
	if err := c.do(ctx, http.MethodGet, "/api/stats/host/"+hostID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ContainerStatsAll calls GET /api/stats/containers.
func (c *Client) ContainerStatsAll(ctx context.Context) (map[string]ContainerStats, error) {
	var out map[string]ContainerStats
	if err := c.do(ctx, http.MethodGet, "/api/stats/containers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartStream calls POST /api/streams/start, requested whenever the UI
// subscribes to a container's live stats (spec.md §4's container_stats
// WebSocket event is ultimately sourced from this stream).
func (c *Client) StartStream(ctx context.Context, req StreamRequest) error {
	return c.do(ctx, http.MethodPost, "/api/streams/start", req, nil)
}

// StopStream calls POST /api/streams/stop.
func (c *Client) StopStream(ctx context.Context, req StreamRequest) error {
	return c.do(ctx, http.MethodPost, "/api/streams/stop", req, nil)
}

// AddHost calls POST /api/hosts/add, mirroring a new directly-connected
// host into the sidecar's stats collection.
func (c *Client) AddHost(ctx context.Context, req AddHostRequest) error {
	return c.do(ctx, http.MethodPost, "/api/hosts/add", req, nil)
}

// RemoveHost calls POST /api/hosts/remove.
func (c *Client) RemoveHost(ctx context.Context, hostID string) error {
	return c.do(ctx, http.MethodPost, "/api/hosts/remove", map[string]string{"host_id": hostID}, nil)
}

// EventsHostAdd calls POST /api/events/hosts/add.
func (c *Client) EventsHostAdd(ctx context.Context, req AddHostRequest) error {
	return c.do(ctx, http.MethodPost, "/api/events/hosts/add", req, nil)
}

// EventsHostRemove calls POST /api/events/hosts/remove.
func (c *Client) EventsHostRemove(ctx context.Context, hostID string) error {
	return c.do(ctx, http.MethodPost, "/api/events/hosts/remove", map[string]string{"host_id": hostID}, nil)
}

// Healthy calls GET /health and reports whether the sidecar responded ok.
func (c *Client) Healthy(ctx context.Context) bool {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return false
	}
	return out.Status == "ok"
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("statsclient: encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("statsclient: building request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("statsclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("statsclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

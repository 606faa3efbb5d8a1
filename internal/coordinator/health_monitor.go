package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/shardwatch/internal/agency"
	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
)

// NodeHealth tracks the supervision state of a single server.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time        // Timestamp of the last health check attempt
	LastHealthy      time.Time        // Timestamp of the last successful health check
	Server           cluster.ServerID // Server being supervised
	Status           string           // agency.HealthGood, HealthBad or HealthFailed; "" before the first check
	ConsecutiveFails int              // Number of consecutive failed health checks

	// published is the status last written to the agency.
	published string
}

// CheckFunc probes the server listening at addr.
type CheckFunc func(ctx context.Context, addr string) error

// FailedFunc is called once each time a server turns FAILED.
type FailedFunc func(ctx context.Context, server cluster.ServerID)

// HealthMonitor performs periodic health checks on every registered server
// and publishes the outcome as the server's supervision record in the
// agency, where the recovery manager reads it.
//
// A failed probe makes a server BAD; maxFailures consecutive failures make
// it FAILED and trigger the failed callback. A successful probe makes it
// GOOD again. Records are only written when the status changes, or when an
// earlier write did not go through.
type HealthMonitor struct {
	agency      agency.Agency
	nodes       map[cluster.ServerID]*NodeHealth
	httpClient  *http.Client
	checkFunc   CheckFunc
	onFailed    FailedFunc
	logger      *logger.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check server health
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking FAILED
}

// NewHealthMonitor creates a monitor that checks every server each interval
// and publishes supervision records through ag.
//
// Parameters:
//   - ag: Agency receiving the supervision records
//   - interval: How often to perform health checks (recommended: 5s)
//   - maxFailures: Consecutive failures before a server is FAILED (min 1)
//   - log: Structured logger
//
// Example:
//
//	monitor := NewHealthMonitor(store, 5*time.Second, 3, log)
//	monitor.SetOnFailed(publisher.FailoverFunc(manager))
//	go monitor.Start(ctx, srv.nodes)
func NewHealthMonitor(ag agency.Agency, interval time.Duration, maxFailures int, log *logger.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures < 1 {
		maxFailures = 1
	}

	h := &HealthMonitor{
		agency:      ag,
		interval:    interval,
		maxFailures: maxFailures,
		nodes:       make(map[cluster.ServerID]*NodeHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger: log.With("component", "health_monitor"),
		ctx:    ctx,
		cancel: cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnFailed sets the callback invoked when a server becomes FAILED. It is
// called synchronously from the monitoring loop, outside the monitor's lock.
func (h *HealthMonitor) SetOnFailed(callback FailedFunc) {
	h.onFailed = callback
}

// SetCheckFunction overrides the HTTP probe, typically in tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc CheckFunc) {
	h.checkFunc = checkFunc
}

// Start runs the monitoring loop in the current goroutine until ctx is
// cancelled or Stop is called. The first round runs immediately.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info(ctx, "health monitor started", "interval", h.interval, "max_failures", h.maxFailures)

	h.CheckAll(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info(ctx, "health monitor stopping", "reason", ctx.Err())
			return
		case <-h.ctx.Done():
			h.logger.Info(ctx, "health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll runs one supervision round over nodes and forgets servers that
// are no longer listed. Their last agency record is left in place.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[cluster.ServerID]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Info(ctx, "removed server from health monitoring", "server", id)
		}
	}
	h.mu.Unlock()
}

// checkNode probes one server, updates its record and publishes a changed
// status.
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{Server: node.ID, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, node.Addr)

	h.mu.Lock()
	previous := health.Status
	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		if health.ConsecutiveFails >= h.maxFailures {
			health.Status = agency.HealthFailed
		} else {
			health.Status = agency.HealthBad
		}
	} else {
		health.Status = agency.HealthGood
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	status, fails := health.Status, health.ConsecutiveFails
	stale := health.published != status
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn(ctx, "health check failed",
			"server", node.ID,
			"attempt", fails,
			"max_failures", h.maxFailures,
			"error", err,
		)
	}
	if status != previous {
		h.logger.Info(ctx, "server health changed", "server", node.ID, "from", previous, "to", status)
	}

	if stale {
		h.publish(ctx, health, status)
	}
	if status == agency.HealthFailed && previous != agency.HealthFailed && h.onFailed != nil {
		h.onFailed(ctx, node.ID)
	}
}

func (h *HealthMonitor) publish(ctx context.Context, health *NodeHealth, status string) {
	value, err := agency.EncodeHealth(agency.ServerHealth{Status: status})
	if err == nil {
		err = h.agency.Write(ctx, agency.HealthPath(health.Server), value)
	}
	if err != nil {
		h.logger.Error(ctx, "failed to publish server health", "server", health.Server, "status", status, "error", err)
		return
	}

	h.mu.Lock()
	health.published = status
	h.mu.Unlock()
}

// defaultHealthCheck GETs the server's /health endpoint and expects 200.
// addr may be a full URL or host:port.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building health check request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the record of server, or nil when the
// server is not being monitored.
func (h *HealthMonitor) GetNodeHealth(server cluster.ServerID) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[server]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every record, keyed by server.
func (h *HealthMonitor) GetAllNodeHealth() map[cluster.ServerID]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[cluster.ServerID]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether server passed its latest check.
func (h *HealthMonitor) IsHealthy(server cluster.ServerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[server]
	return exists && health.Status == agency.HealthGood
}

// Package health periodically probes every configured shard with a bounded
// worker pool and tracks a consecutive-failure counter per shard. Each
// probe runs a real "SELECT 1" over a connection borrowed from the
// shard's own pool rather than opening a separate diagnostic connection.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pgcrab/internal/backend"
	"pgcrab/internal/metrics"
	"pgcrab/internal/registry"
	"pgcrab/internal/shardpool"
	"pgcrab/internal/wire"
)

// Status is a shard's current health status.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ShardHealth holds health information for one shard.
type ShardHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on every registered shard.
type Checker struct {
	mu     sync.RWMutex
	shards map[string]*ShardHealth

	reg     *registry.Registry
	pools   *shardpool.Manager
	metrics *metrics.Collector
	logger  *slog.Logger

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker over reg's shard list, borrowing
// connections from pools to run the probe.
func NewChecker(reg *registry.Registry, pools *shardpool.Manager, mx *metrics.Collector, logger *slog.Logger, interval time.Duration, failureThreshold int, connectionTimeout time.Duration) *Checker {
	return &Checker{
		shards:            make(map[string]*ShardHealth),
		reg:               reg,
		pools:             pools,
		metrics:           mx,
		logger:            logger,
		interval:          interval,
		failureThreshold:  failureThreshold,
		connectionTimeout: connectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking in the background.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	c.logger.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	shards := c.reg.Shards()

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, sh := range shards {
		sh := sh
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			healthy := c.pingShard(sh)
			c.updateStatus(sh.Name, healthy)
		}()
	}
	wg.Wait()
}

// pingShard runs SELECT 1 over a connection borrowed from the shard's
// pool, creating the pool first if it does not exist yet.
func (c *Checker) pingShard(sh registry.ShardRecord) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	pool := c.pools.GetOrCreate(ctx, sh)
	b, err := pool.Acquire(ctx)
	if err != nil {
		c.setLastError(sh.Name, "acquire for health check: "+err.Error())
		return false
	}

	healthy := c.pingConn(sh.Name, b.Conn)
	if healthy {
		b.Release()
	} else {
		b.Discard()
	}
	return healthy
}

func (c *Checker) pingConn(shardName string, conn *backend.Connection) bool {
	w := wire.NewWriter().WriteString("SELECT 1;")
	if err := conn.WriteFrame(w.Frame(wire.MsgQuery)); err != nil {
		c.setLastError(shardName, "health check write: "+err.Error())
		return false
	}
	failed := false
	for {
		tag, body, err := conn.ReadFrame()
		if err != nil {
			c.setLastError(shardName, "health check read: "+err.Error())
			return false
		}
		switch tag {
		case wire.MsgErrorResponse:
			code, message := wire.ErrorFields(body)
			c.setLastError(shardName, "health check query failed "+code+": "+message)
			failed = true
		case wire.MsgReadyForQuery:
			return !failed
		}
	}
}

func (c *Checker) setLastError(shardName, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh := c.getOrCreate(shardName)
	if errMsg != "" {
		sh.LastError = errMsg
	}
}

func (c *Checker) updateStatus(shardName string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh := c.getOrCreate(shardName)
	sh.LastCheck = time.Now()

	if healthy {
		if sh.ConsecutiveFailures > 0 {
			c.logger.Info("shard recovered", "shard", shardName, "failures", sh.ConsecutiveFailures)
		}
		sh.Status = StatusHealthy
		sh.ConsecutiveFailures = 0
		sh.LastError = ""
	} else {
		sh.ConsecutiveFailures++
		if sh.ConsecutiveFailures >= c.failureThreshold {
			if sh.Status != StatusUnhealthy {
				c.logger.Warn("shard marked unhealthy", "shard", shardName, "failures", sh.ConsecutiveFailures, "error", sh.LastError)
			}
			sh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetShardHealth(shardName, sh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(shardName string) *ShardHealth {
	sh, ok := c.shards[shardName]
	if !ok {
		sh = &ShardHealth{Status: StatusUnknown}
		c.shards[shardName] = sh
	}
	return sh
}

// IsHealthy returns whether a shard is healthy, or true if never checked.
func (c *Checker) IsHealthy(shardName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sh, ok := c.shards[shardName]
	if !ok {
		return true
	}
	return sh.Status != StatusUnhealthy
}

// GetStatus returns the health status for a shard.
func (c *Checker) GetStatus(shardName string) ShardHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sh, ok := c.shards[shardName]
	if !ok {
		return ShardHealth{Status: StatusUnknown}
	}
	return *sh
}

// GetAllStatuses returns health statuses for all known shards.
func (c *Checker) GetAllStatuses() map[string]ShardHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]ShardHealth, len(c.shards))
	for id, sh := range c.shards {
		result[id] = *sh
	}
	return result
}

// OverallHealthy returns true if every known shard is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sh := range c.shards {
		if sh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveShard removes health state for a shard dropped by a config reload.
func (c *Checker) RemoveShard(shardName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shards, shardName)
	if c.metrics != nil {
		c.metrics.RemoveShard(shardName)
	}
	c.logger.Info("removed health state", "shard", shardName)
}

// Package shardpool holds a pool of backend connections per configured
// shard: an idle deque bounded by a counting semaphore, warmed to
// min_connections on boot and reset-on-return.
package shardpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pgcrab/internal/backend"
	"pgcrab/internal/registry"
)

// Pool is the set of idle and in-flight backend connections for one
// shard.
type Pool struct {
	shard registry.ShardRecord

	mu      sync.Mutex
	idle    []*backend.Connection
	inUse   int
	permits chan struct{}

	logger *slog.Logger
}

// New constructs a pool for shard. Call Warm to pre-open min_connections.
func New(shard registry.ShardRecord, logger *slog.Logger) *Pool {
	max := shard.MaxConnections
	if max <= 0 {
		max = 10
	}
	p := &Pool{
		shard:   shard,
		permits: make(chan struct{}, max),
		logger:  logger,
	}
	for i := 0; i < max; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Warm opens connections until idle reaches shard.MinConnections. Open
// failures are logged and left for the next Acquire to retry.
// maxConcurrentOpens bounds the number of simultaneous dials to avoid a
// thundering herd at boot.
func (p *Pool) Warm(ctx context.Context) {
	target := p.shard.MinConnections
	if target <= 0 {
		return
	}
	const maxConcurrentOpens = 4
	sem := make(chan struct{}, maxConcurrentOpens)
	var wg sync.WaitGroup
	for i := 0; i < target; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			select {
			case <-p.permits:
			case <-ctx.Done():
				return
			}
			conn, err := backend.Dial(ctx, p.shard)
			if err != nil {
				p.logger.Warn("shardpool: warm-up dial failed", "shard", p.shard.Name, "error", err)
				p.permits <- struct{}{}
				return
			}
			p.mu.Lock()
			p.idle = append(p.idle, conn)
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

// Borrowed is a checked-out connection; Release must be called exactly
// once to return it to its pool (or discard it on a dirty error).
type Borrowed struct {
	pool *Pool
	Conn *backend.Connection
}

// Acquire waits for a permit (FIFO via Go's runtime-fair channel
// semantics), then pops the most recently idle connection (LIFO, warm
// connections preferred) or opens a fresh one.
func (p *Pool) Acquire(ctx context.Context) (*Borrowed, error) {
	select {
	case <-p.permits:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	var conn *backend.Connection
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.inUse++
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = backend.Dial(ctx, p.shard)
		if err != nil {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
			p.permits <- struct{}{}
			return nil, fmt.Errorf("shardpool: acquire %s: %w", p.shard.Name, err)
		}
	}
	return &Borrowed{pool: p, Conn: conn}, nil
}

// Release resets the connection and returns it to idle. If
// ResetSession fails, the connection is discarded instead, and the
// permit is still released — the pool never leaks permits on a dirty
// disconnect.
func (b *Borrowed) Release() {
	p := b.pool
	if err := b.Conn.ResetSession(); err != nil {
		p.logger.Warn("shardpool: discarding dirty connection", "shard", p.shard.Name, "error", err)
		b.Conn.Close()
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.permits <- struct{}{}
		return
	}
	p.mu.Lock()
	p.inUse--
	p.idle = append(p.idle, b.Conn)
	p.mu.Unlock()
	p.permits <- struct{}{}
}

// Discard closes the connection without returning it to idle — used
// when a backend protocol error leaves the connection unsafe to reuse.
func (b *Borrowed) Discard() {
	p := b.pool
	b.Conn.Close()
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	p.permits <- struct{}{}
}

// Stats reports idle/in-use counts for the admin API and metrics.
type Stats struct {
	Idle  int
	InUse int
	Max   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), InUse: p.inUse, Max: cap(p.permits)}
}

// Drain closes every idle connection. Connections currently on loan are
// not closed: Release returns them to idle as usual. Used at shutdown and
// by the admin API's drain endpoint.
func (p *Pool) Drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}

// StatsCallback is invoked periodically by StartStatsLoop with the
// current stats of one shard's pool.
type StatsCallback func(shard string, s Stats)

// Manager owns one Pool per configured shard.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	logger *slog.Logger

	statsStopCh chan struct{}
	statsOnce   sync.Once
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		pools:       make(map[string]*Pool),
		logger:      logger,
		statsStopCh: make(chan struct{}),
	}
}

// StartStatsLoop runs cb for every live shard pool on a fixed interval,
// until Close is called. Intended to drive metrics.Collector.UpdatePoolStats.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for name, p := range m.All() {
					cb(name, p.Stats())
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the pool for shard, creating and warming it on
// first use via double-checked locking.
func (m *Manager) GetOrCreate(ctx context.Context, shard registry.ShardRecord) *Pool {
	m.mu.RLock()
	p, ok := m.pools[shard.Name]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[shard.Name]; ok {
		return p
	}
	p = New(shard, m.logger)
	m.pools[shard.Name] = p
	go p.Warm(ctx)
	return p
}

// All returns every live pool, for stats/health/drain fan-out.
func (m *Manager) All() map[string]*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Pool, len(m.pools))
	for k, v := range m.pools {
		out[k] = v
	}
	return out
}

// Close stops the stats loop (if running) and drains every pool.
func (m *Manager) Close() {
	m.statsOnce.Do(func() { close(m.statsStopCh) })
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pools {
		p.Drain()
	}
}

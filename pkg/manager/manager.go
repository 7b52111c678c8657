// Package manager keeps the registry of buffer pools, keyed by NUMA node and
// payload size, and routes allocation requests to the best fitting pool.
package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/pktpool/pkg/arena"
	"github.com/irctrakz/pktpool/pkg/buffer"
	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
)

// Option configures a Manager.
type Option func(*Manager)

// WithPoolOptions applies opts to every pool the manager builds.
func WithPoolOptions(opts ...buffer.Option) Option {
	return func(m *Manager) {
		m.poolOpts = append(m.poolOpts, opts...)
	}
}

// WithAllocator makes every pool obtain its arena from a.
func WithAllocator(a arena.Allocator) Option {
	return WithPoolOptions(buffer.WithAllocator(a))
}

// Manager maps NUMA node -> payload size -> pool. Pools are only ever added,
// so a *buffer.Pool obtained from the manager stays valid until Close.
type Manager struct {
	mu       sync.RWMutex
	nodes    map[int]*nodePools
	closed   bool
	poolOpts []buffer.Option
	log      *logrus.Entry
}

// nodePools holds one node's pools sorted by ascending payload size.
type nodePools struct {
	pools []*buffer.Pool
}

func (n *nodePools) search(size int) int {
	return sort.Search(len(n.pools), func(i int) bool {
		return n.pools[i].PayloadSize() >= size
	})
}

// fit returns the smallest pool whose payload size is at least size.
func (n *nodePools) fit(size int) *buffer.Pool {
	if n == nil {
		return nil
	}
	if i := n.search(size); i < len(n.pools) {
		return n.pools[i]
	}
	return nil
}

func (n *nodePools) exact(size int) *buffer.Pool {
	if p := n.fit(size); p != nil && p.PayloadSize() == size {
		return p
	}
	return nil
}

func (n *nodePools) insert(p *buffer.Pool) {
	i := n.search(p.PayloadSize())
	n.pools = append(n.pools, nil)
	copy(n.pools[i+1:], n.pools[i:])
	n.pools[i] = p
}

// New returns an empty registry.
func New(opts ...Option) *Manager {
	m := &Manager{
		nodes: make(map[int]*nodePools),
		log:   logging.Component("manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide registry, built on first use with heap
// arenas. Code that wants its own registry should call New and pass it along.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultMgr = New()
	})
	return defaultMgr
}

// ConfigurePoolsForNode builds a pool for every configuration on node.
// Configurations whose payload size already has a pool on that node are
// skipped. The first construction failure aborts the batch; pools built
// before it stay registered.
func (m *Manager) ConfigurePoolsForNode(node int, configs []core.PoolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrPoolClosed
	}

	// A node is registered with its first pool, so Nodes never lists a node
	// that has none.
	np, ok := m.nodes[node]
	if !ok {
		np = &nodePools{}
	}

	for _, cfg := range configs {
		fields := logrus.Fields{"node": node, "payload": cfg.PayloadSize}
		if np.exact(cfg.PayloadSize) != nil {
			m.log.WithFields(fields).Info("pool already configured, skipping")
			continue
		}
		p, err := buffer.NewPool(cfg, node, m.poolOpts...)
		if err != nil {
			m.log.WithFields(fields).WithError(err).Error("pool construction failed")
			return fmt.Errorf("configure node %d: %w", node, err)
		}
		np.insert(p)
		m.nodes[node] = np
		m.log.WithFields(fields).WithField("count", cfg.InitialCount).Info("pool configured")
	}
	return nil
}

// AddPool configures a single pool on node.
func (m *Manager) AddPool(node int, cfg core.PoolConfig) error {
	return m.ConfigurePoolsForNode(node, []core.PoolConfig{cfg})
}

// findPool picks the smallest pool of at least size bytes on node, then on
// the global node. Callers hold m.mu.
func (m *Manager) findPool(size, node int) *buffer.Pool {
	if p := m.nodes[node].fit(size); p != nil {
		return p
	}
	if node != core.NodeGlobal {
		return m.nodes[core.NodeGlobal].fit(size)
	}
	return nil
}

// TryAllocate returns a buffer with at least size bytes of payload, preferring
// pools on node. The error wraps core.ErrNoPool when no pool can hold size and
// core.ErrPoolExhausted when the selected pool is empty. An exhausted pool is
// not retried on another node.
func (m *Manager) TryAllocate(size, node int) (*buffer.PacketBuffer, error) {
	m.mu.RLock()
	closed := m.closed
	p := m.findPool(size, node)
	m.mu.RUnlock()

	if closed {
		return nil, core.ErrPoolClosed
	}
	if p == nil {
		m.log.WithFields(logrus.Fields{"size": size, "node": node}).Warn("no pool matches request")
		return nil, fmt.Errorf("%w: %d bytes on node %d", core.ErrNoPool, size, node)
	}
	b := p.Allocate()
	if b == nil {
		m.log.WithFields(logrus.Fields{
			"size":      size,
			"node":      node,
			"pool_node": p.NUMANode(),
			"payload":   p.PayloadSize(),
		}).Warn("pool exhausted")
		return nil, fmt.Errorf("%w: %d byte pool on node %d", core.ErrPoolExhausted, p.PayloadSize(), p.NUMANode())
	}
	if logging.IsDebug() {
		m.log.WithFields(logrus.Fields{
			"size":      size,
			"node":      node,
			"pool_node": p.NUMANode(),
			"payload":   p.PayloadSize(),
		}).Debug("buffer allocated")
	}
	return b, nil
}

// Allocate is TryAllocate without the error: nil means no buffer is available
// right now and the caller should drop or retry later.
func (m *Manager) Allocate(size, node int) *buffer.PacketBuffer {
	b, _ := m.TryAllocate(size, node)
	return b
}

// Deallocate drops the caller's reference. It is the same as b.Release().
func (m *Manager) Deallocate(b *buffer.PacketBuffer) {
	if b == nil {
		return
	}
	b.Release()
}

// Pool returns the pool configured for exactly size on node, or nil.
func (m *Manager) Pool(node, size int) *buffer.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[node].exact(size)
}

// Nodes returns the configured node ids in ascending order.
func (m *Manager) Nodes() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]int, 0, len(m.nodes))
	for n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	return nodes
}

// Pools returns every pool ordered by node, then payload size.
func (m *Manager) Pools() []*buffer.Pool {
	nodes := m.Nodes()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*buffer.Pool
	for _, n := range nodes {
		if np, ok := m.nodes[n]; ok {
			out = append(out, np.pools...)
		}
	}
	return out
}

// Snapshot returns the counters of every pool in Pools order.
func (m *Manager) Snapshot() []buffer.Stats {
	pools := m.Pools()
	out := make([]buffer.Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// Close stops further allocation and releases every pool arena. Pools that
// still have referenced buffers stay open and are reported in the returned
// error; calling Close again retries them.
func (m *Manager) Close() error {
	pools := m.Pools()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

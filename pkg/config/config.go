// Package config provides configuration handling for the packet buffer pools.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/pktpool/pkg/arena"
	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
	"github.com/irctrakz/pktpool/pkg/manager"
)

// Config represents the complete pool configuration.
type Config struct {
	// Arena selects where pool memory comes from.
	Arena ArenaConfig `json:"arena" yaml:"arena"`

	// Nodes lists the pools to build, grouped by NUMA node.
	Nodes []NodeConfig `json:"nodes" yaml:"nodes"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ArenaConfig contains configuration for arena memory.
type ArenaConfig struct {
	// Backend is "heap" or "mmap".
	Backend string `json:"backend" yaml:"backend"`

	// HugePages asks the mmap backend for 2MB pages, falling back to
	// normal pages when the host has none reserved.
	HugePages bool `json:"hugePages" yaml:"hugePages"`

	// Populate pre-faults mmap arenas.
	Populate bool `json:"populate" yaml:"populate"`
}

// NodeConfig is the set of pools for one NUMA node. Node -1 is global.
type NodeConfig struct {
	Node  int               `json:"node" yaml:"node"`
	Pools []core.PoolConfig `json:"pools" yaml:"pools"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration: a small set of global
// pools sized for typical MTUs on the heap.
func DefaultConfig() *Config {
	return &Config{
		Arena: ArenaConfig{
			Backend: arena.BackendHeap,
		},
		Nodes: []NodeConfig{
			{
				Node: core.NodeGlobal,
				Pools: []core.PoolConfig{
					core.NewPoolConfig(256, 1024),
					core.NewPoolConfig(2048, 1024),
					core.NewPoolConfig(9216, 128),
				},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. A malformed
// PKTPOOL_POOLS is an error; other malformed numbers are ignored.
func LoadFromEnv(config *Config) error {
	// Arena config
	if val := os.Getenv("PKTPOOL_ARENA"); val != "" {
		config.Arena.Backend = val
	}
	if val := os.Getenv("PKTPOOL_HUGEPAGES"); val != "" {
		config.Arena.HugePages = val == "true" || val == "1"
	}
	if val := os.Getenv("PKTPOOL_POOLS"); val != "" {
		nodes, err := ParsePoolSpec(val)
		if err != nil {
			return fmt.Errorf("PKTPOOL_POOLS: %w", err)
		}
		config.Nodes = nodes
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
	return nil
}

// ParsePoolSpec parses a compact pool list such as
// "-1:2048x1024;0:512x256:32:16". Each entry is
// node:SIZExCOUNT[:headroom[:tailroom]]. Entries for the same node are merged
// in order of appearance.
func ParsePoolSpec(list string) ([]NodeConfig, error) {
	var nodes []NodeConfig
	index := make(map[int]int)

	for _, entry := range strings.Split(list, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) < 2 || len(fields) > 4 {
			return nil, fmt.Errorf("%w: pool entry %q", core.ErrInvalidConfig, entry)
		}
		node, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: node in %q: %v", core.ErrInvalidConfig, entry, err)
		}
		sizeStr, countStr, ok := strings.Cut(fields[1], "x")
		if !ok {
			return nil, fmt.Errorf("%w: expected SIZExCOUNT in %q", core.ErrInvalidConfig, entry)
		}

		pc := core.NewPoolConfig(0, 0)
		dsts := []*int{&pc.PayloadSize, &pc.InitialCount, &pc.Headroom, &pc.Tailroom}
		vals := append([]string{sizeStr, countStr}, fields[2:]...)
		for i, v := range vals {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%w: %q in %q", core.ErrInvalidConfig, v, entry)
			}
			*dsts[i] = n
		}

		i, seen := index[node]
		if !seen {
			i = len(nodes)
			index[node] = i
			nodes = append(nodes, NodeConfig{Node: node})
		}
		nodes[i].Pools = append(nodes[i].Pools, pc)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty pool list", core.ErrInvalidConfig)
	}
	return nodes, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Arena config
	switch c.Arena.Backend {
	case "", arena.BackendHeap, arena.BackendMmap:
	default:
		return fmt.Errorf("%w: invalid arena backend: %s", core.ErrInvalidConfig, c.Arena.Backend)
	}
	if c.Arena.HugePages && c.Arena.Backend != arena.BackendMmap {
		return fmt.Errorf("%w: hugePages requires the mmap backend", core.ErrInvalidConfig)
	}

	// Validate pools
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: no pools configured", core.ErrInvalidConfig)
	}
	for _, n := range c.Nodes {
		if n.Node < core.NodeGlobal {
			return fmt.Errorf("%w: invalid NUMA node %d", core.ErrInvalidConfig, n.Node)
		}
		for _, p := range n.Pools {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("node %d: %w", n.Node, err)
			}
		}
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// NodeIDs returns the configured node ids in file order.
func (c *Config) NodeIDs() []int {
	ids := make([]int, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		ids = append(ids, n.Node)
	}
	return ids
}

// Allocator returns the arena allocator selected by the configuration.
func (c *Config) Allocator() (arena.Allocator, error) {
	return arena.New(c.Arena.Backend, arena.Options{
		HugePages: c.Arena.HugePages,
		Populate:  c.Arena.Populate,
	})
}

// ConfigurePools builds every configured pool in m, node by node. It stops at
// the first node that fails; pools built before the failure are kept.
func (c *Config) ConfigurePools(m *manager.Manager) error {
	for _, n := range c.Nodes {
		if err := m.ConfigurePoolsForNode(n.Node, n.Pools); err != nil {
			return err
		}
	}
	return nil
}

// NewManager builds a registry on the configured arena backend and fills it.
func (c *Config) NewManager() (*manager.Manager, error) {
	alloc, err := c.Allocator()
	if err != nil {
		return nil, err
	}
	m := manager.New(manager.WithAllocator(alloc))
	if err := c.ConfigurePools(m); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir, filename := filepath.Split(c.Logging.File)
		if dir == "" {
			dir = "."
		}
		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

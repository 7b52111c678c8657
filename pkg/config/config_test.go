package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/pktpool/pkg/arena"
	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
	"github.com/irctrakz/pktpool/pkg/manager"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, arena.BackendHeap, cfg.Arena.Backend)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, core.NodeGlobal, cfg.Nodes[0].Node)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
arena:
  backend: mmap
  hugePages: true
nodes:
  - node: -1
    pools:
      - payloadSize: 2048
        initialCount: 64
  - node: 0
    pools:
      - payloadSize: 512
        initialCount: 32
        headroom: 0
        tailroom: 16
logging:
  level: debug
`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ArenaConfig{Backend: arena.BackendMmap, HugePages: true}, cfg.Arena)
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, core.PoolConfig{PayloadSize: 2048, InitialCount: 64, Headroom: 64}, cfg.Nodes[0].Pools[0])
	assert.Equal(t, core.PoolConfig{PayloadSize: 512, InitialCount: 32, Headroom: 0, Tailroom: 16}, cfg.Nodes[1].Pools[0])
	assert.Equal(t, []int{-1, 0}, cfg.NodeIDs())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 10, cfg.Logging.MaxSize)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "nodes": [{"node": 1, "pools": [{"payload_size": 256, "initial_count": 8, "tailroom": 4}]}]
}`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, 1, cfg.Nodes[0].Node)
	assert.Equal(t, core.PoolConfig{PayloadSize: 256, InitialCount: 8, Headroom: 64, Tailroom: 4}, cfg.Nodes[0].Pools[0])
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	assert.Error(t, LoadFromFile(filepath.Join(dir, "missing.yaml"), cfg))

	txt := filepath.Join(dir, "pools.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	assert.Error(t, LoadFromFile(txt, cfg))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	assert.Error(t, LoadFromFile(bad, cfg))
}

func TestSaveAndReload(t *testing.T) {
	for _, ext := range []string{".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "pools"+ext)
			cfg := DefaultConfig()
			cfg.Nodes = append(cfg.Nodes, NodeConfig{
				Node:  0,
				Pools: []core.PoolConfig{{PayloadSize: 128, InitialCount: 2, Headroom: 0}},
			})
			require.NoError(t, cfg.SaveToFile(path))

			loaded := &Config{}
			require.NoError(t, LoadFromFile(path, loaded))
			assert.Equal(t, cfg, loaded)
		})
	}

	assert.Error(t, DefaultConfig().SaveToFile(filepath.Join(t.TempDir(), "pools.ini")))
}

func TestParsePoolSpec(t *testing.T) {
	nodes, err := ParsePoolSpec("-1:2048x1024; 0:512x256:32:16 ;-1:256x8:0")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, core.NodeGlobal, nodes[0].Node)
	assert.Equal(t, []core.PoolConfig{
		{PayloadSize: 2048, InitialCount: 1024, Headroom: 64},
		{PayloadSize: 256, InitialCount: 8, Headroom: 0},
	}, nodes[0].Pools)

	assert.Equal(t, 0, nodes[1].Node)
	assert.Equal(t, []core.PoolConfig{
		{PayloadSize: 512, InitialCount: 256, Headroom: 32, Tailroom: 16},
	}, nodes[1].Pools)
}

func TestParsePoolSpecErrors(t *testing.T) {
	for _, list := range []string{
		"",
		";",
		"2048x1024",
		"a:2048x1024",
		"0:2048",
		"0:2048xz",
		"0:2048x4:1:2:3",
		"0:2048x4:h",
	} {
		_, err := ParsePoolSpec(list)
		assert.ErrorIs(t, err, core.ErrInvalidConfig, "list %q", list)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PKTPOOL_ARENA", "mmap")
	t.Setenv("PKTPOOL_HUGEPAGES", "1")
	t.Setenv("PKTPOOL_POOLS", "0:1500x16")
	t.Setenv("LOGGING_LEVEL", "warn")
	t.Setenv("LOGGING_MAX_SIZE", "50")
	t.Setenv("LOGGING_MAX_AGE", "not-a-number")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, arena.BackendMmap, cfg.Arena.Backend)
	assert.True(t, cfg.Arena.HugePages)
	assert.Equal(t, []NodeConfig{{Node: 0, Pools: []core.PoolConfig{core.NewPoolConfig(1500, 16)}}}, cfg.Nodes)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Logging.MaxSize)
	assert.Equal(t, 7, cfg.Logging.MaxAge)
}

func TestLoadFromEnvBadPools(t *testing.T) {
	t.Setenv("PKTPOOL_POOLS", "nope")
	cfg := DefaultConfig()
	assert.ErrorIs(t, LoadFromEnv(cfg), core.ErrInvalidConfig)
	assert.Len(t, cfg.Nodes, 1, "node list is untouched on error")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Arena.Backend = "shm" }},
		{"hugepages on heap", func(c *Config) { c.Arena.HugePages = true }},
		{"no nodes", func(c *Config) { c.Nodes = nil }},
		{"bad node", func(c *Config) { c.Nodes[0].Node = -2 }},
		{"bad pool", func(c *Config) { c.Nodes[0].Pools[0].InitialCount = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigurePools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{
		{Node: core.NodeGlobal, Pools: []core.PoolConfig{core.NewPoolConfig(2048, 4)}},
		{Node: 0, Pools: []core.PoolConfig{core.NewPoolConfig(256, 4), core.NewPoolConfig(512, 4)}},
	}

	m := manager.New()
	require.NoError(t, cfg.ConfigurePools(m))
	assert.Len(t, m.Pools(), 3)

	b := m.Allocate(300, 0)
	require.NotNil(t, b)
	assert.Equal(t, 512, b.Capacity())
	b.Release()

	b = m.Allocate(1000, 0)
	require.NotNil(t, b)
	assert.Equal(t, core.NodeGlobal, b.NUMANode())
	b.Release()

	require.NoError(t, m.Close())
}

func TestNewManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{{Node: 0, Pools: []core.PoolConfig{core.NewPoolConfig(128, 2)}}}

	m, err := cfg.NewManager()
	require.NoError(t, err)
	stats := m.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, arena.BackendHeap, stats[0].Backend)
	require.NoError(t, m.Close())

	cfg.Arena.Backend = "shm"
	_, err = cfg.NewManager()
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestApplyLogging(t *testing.T) {
	prev := logging.GetLevel()
	t.Cleanup(func() { logging.SetLevel(prev) })

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.ApplyLogging())
	assert.Equal(t, logging.ErrorLevel, logging.GetLevel())

	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.ApplyLogging())
}

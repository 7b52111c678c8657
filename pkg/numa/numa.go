// Package numa reads the host NUMA layout from sysfs. The pools only use NUMA
// ids as routing tags, so the probe is advisory: it lets tools warn about
// configured nodes the host does not have.
package numa

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/irctrakz/pktpool/pkg/core"
)

const sysfsNodePath = "/sys/devices/system/node"

// ErrUnavailable is returned when the host exposes no NUMA information.
var ErrUnavailable = errors.New("numa topology not available")

// Topology maps node ids to their CPUs.
type Topology struct {
	nodes    []int
	nodeCPUs map[int][]int
}

// NewTopology builds a topology from a known node -> CPUs layout.
func NewTopology(nodeCPUs map[int][]int) *Topology {
	t := &Topology{nodeCPUs: make(map[int][]int, len(nodeCPUs))}
	for n, cpus := range nodeCPUs {
		t.nodes = append(t.nodes, n)
		t.nodeCPUs[n] = cpus
	}
	sort.Ints(t.nodes)
	return t
}

// Detect reads the topology of the running host.
func Detect() (*Topology, error) {
	return detectFrom(sysfsNodePath)
}

func detectFrom(root string) (*Topology, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	t := &Topology{
		nodeCPUs: make(map[int][]int),
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node"))
		if err != nil || id < 0 {
			continue
		}
		t.nodes = append(t.nodes, id)

		data, err := os.ReadFile(filepath.Join(root, e.Name(), "cpulist"))
		if err != nil {
			continue
		}
		cpus, err := parseCPUList(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		t.nodeCPUs[id] = cpus
	}
	if len(t.nodes) == 0 {
		return nil, ErrUnavailable
	}
	sort.Ints(t.nodes)
	return t, nil
}

// parseCPUList parses the kernel list format, e.g. "0-3,8,10-11".
func parseCPUList(s string) ([]int, error) {
	var cpus []int
	if s == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
			}
		}
		if start < 0 || end < start {
			return nil, fmt.Errorf("bad cpu range %q", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// Nodes returns the node ids in ascending order.
func (t *Topology) Nodes() []int {
	return append([]int(nil), t.nodes...)
}

// NumNodes returns the number of nodes.
func (t *Topology) NumNodes() int { return len(t.nodes) }

// CPUs returns the CPUs of node.
func (t *Topology) CPUs(node int) []int { return t.nodeCPUs[node] }

// HasNode reports whether node exists. core.NodeGlobal is always valid.
func (t *Topology) HasNode(node int) bool {
	if node == core.NodeGlobal {
		return true
	}
	i := sort.SearchInts(t.nodes, node)
	return i < len(t.nodes) && t.nodes[i] == node
}

// Missing returns the ids in nodes that the topology does not know,
// preserving their order.
func (t *Topology) Missing(nodes []int) []int {
	var out []int
	for _, n := range nodes {
		if !t.HasNode(n) {
			out = append(out, n)
		}
	}
	return out
}

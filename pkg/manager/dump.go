package manager

import (
	"fmt"
	"io"
	"strings"

	"github.com/irctrakz/pktpool/pkg/core"
)

func nodeLabel(node int) string {
	if node == core.NodeGlobal {
		return fmt.Sprintf("%d (Global/Unspecified)", node)
	}
	return fmt.Sprintf("%d", node)
}

// Dump writes a human readable report of every pool to w, grouped by node.
func (m *Manager) Dump(w io.Writer) error {
	stats := m.Snapshot()

	var sb strings.Builder
	sb.WriteString("==== packet buffer pools ====\n")
	if len(stats) == 0 {
		sb.WriteString("no pools configured\n")
	}
	prev, first := 0, true
	for _, s := range stats {
		if first || s.NUMANode != prev {
			fmt.Fprintf(&sb, "NUMA Node: %s\n", nodeLabel(s.NUMANode))
			prev, first = s.NUMANode, false
		}
		fmt.Fprintf(&sb, "  pool payload=%dB initial=%d headroom=%dB tailroom=%dB backend=%s\n",
			s.PayloadSize, s.InitialCount, s.Headroom, s.Tailroom, s.Backend)
		fmt.Fprintf(&sb, "    free=%d in_use=%d high_water=%d alloc=%d dealloc=%d",
			s.Free, s.InUse, s.HighWaterMark, s.AllocCount, s.DeallocCount)
		if s.Closed {
			sb.WriteString(" closed")
		}
		sb.WriteByte('\n')
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// Command pktpool-stress hammers a pool registry with the zero-copy fan-out
// pattern: producers fill a buffer, prepend a header into its headroom and
// hand one shared reference to every egress port. It fails if any buffer is
// lost or corrupted.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/irctrakz/pktpool/pkg/config"
	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
)

func main() {
	var (
		workers = flag.Int("workers", 8, "number of producer goroutines")
		perWork = flag.Int("per", 5000, "packets per producer")
		size    = flag.Int("size", 512, "ICMP echo data size (bytes)")
		ports   = flag.Int("ports", 4, "egress ports each packet is fanned out to")
		node    = flag.Int("node", core.NodeGlobal, "NUMA node to allocate from")
		retries = flag.Int("retries", 64, "allocation retries before a packet is dropped")
		pools   = flag.String("pools", "-1:2048x256", "pool list, node:SIZExCOUNT[:headroom[:tailroom]];...")
		arenaB  = flag.String("arena", "heap", "arena backend (heap or mmap)")
	)
	flag.Parse()

	// Quieter logs by default
	logging.SetLevel(logging.WarnLevel)

	cfg := config.DefaultConfig()
	cfg.Arena.Backend = *arenaB
	nodes, err := config.ParsePoolSpec(*pools)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pools: %v\n", err)
		os.Exit(2)
	}
	cfg.Nodes = nodes
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *ports < 1 {
		*ports = 1
	}

	m, err := cfg.NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pools: %v\n", err)
		os.Exit(1)
	}

	res := run(m, options{
		workers: *workers,
		perWork: *perWork,
		size:    *size,
		ports:   *ports,
		node:    *node,
		retries: *retries,
	})

	// Print summary
	fmt.Printf("Duration: %v\n", res.duration)
	fmt.Printf("Packets: sent=%d delivered=%d (x%d ports) dropped=%d corrupt=%d\n",
		res.sent, res.delivered, *ports, res.dropped, res.corrupt)
	m.Dump(os.Stdout)

	failed := false
	if res.corrupt > 0 {
		fmt.Println("ERROR: corrupted packets observed")
		failed = true
	}
	if res.delivered != res.sent*uint64(*ports) {
		fmt.Println("ERROR: delivered count does not match sent x ports")
		failed = true
	}
	for _, s := range res.leaked() {
		fmt.Printf("ERROR: pool node=%d payload=%d leaked: free=%d/%d alloc=%d dealloc=%d\n",
			s.NUMANode, s.PayloadSize, s.Free, s.InitialCount, s.AllocCount, s.DeallocCount)
		failed = true
	}
	if res.dropped > 0 {
		fmt.Println("WARN: packets dropped on exhaustion; raise the pool count or retries")
	}
	if err := m.Close(); err != nil {
		fmt.Printf("ERROR: close: %v\n", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}

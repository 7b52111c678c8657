package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/irctrakz/pktpool/pkg/buffer"
	"github.com/irctrakz/pktpool/pkg/logging"
	"github.com/irctrakz/pktpool/pkg/manager"
)

const defaultReportInterval = 30 * time.Second

type reportSnapshot struct {
	Timestamp string            `json:"ts"`
	Pools     []buffer.Stats    `json:"pools"`
	Total     map[string]uint64 `json:"total"`
	RT        map[string]uint64 `json:"rt"`
}

// reporterSettings reads METRICS_INTERVAL and METRICS_FORMAT.
func reporterSettings() (time.Duration, string) {
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	d, err := time.ParseDuration(iv)
	if iv == "" || err != nil || d <= 0 {
		d = defaultReportInterval
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if format != "json" {
		format = "text"
	}
	return d, format
}

func runReporter(ctx context.Context, m *manager.Manager, interval time.Duration, format string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		logging.Infof("metrics: %s", formatReport(buildSnapshot(m.Snapshot()), format))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func buildSnapshot(pools []buffer.Stats) reportSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	total := map[string]uint64{}
	for _, p := range pools {
		total["pools"]++
		total["buffers"] += uint64(p.InitialCount)
		total["free"] += uint64(p.Free)
		total["in_use"] += uint64(p.InUse)
		total["alloc"] += p.AllocCount
		total["dealloc"] += p.DeallocCount
		total["arena_bytes"] += uint64(p.ArenaBytes)
	}

	return reportSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Pools:     pools,
		Total:     total,
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
}

func formatReport(snap reportSnapshot, format string) string {
	if format == "json" {
		b, err := json.Marshal(snap)
		if err != nil {
			return fmt.Sprintf("marshal failed: %v", err)
		}
		return string(b)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ts=%s total: pools=%d buffers=%d free=%d in_use=%d alloc=%d dealloc=%d arena=%dKi",
		snap.Timestamp,
		snap.Total["pools"], snap.Total["buffers"], snap.Total["free"], snap.Total["in_use"],
		snap.Total["alloc"], snap.Total["dealloc"], snap.Total["arena_bytes"]/1024)
	for _, p := range snap.Pools {
		fmt.Fprintf(&sb, " | n%d/%d: free=%d/%d hw=%d", p.NUMANode, p.PayloadSize, p.Free, p.InitialCount, p.HighWaterMark)
	}
	fmt.Fprintf(&sb, " | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"])
	return sb.String()
}

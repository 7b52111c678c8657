// Command pktpoold builds the packet buffer pools described by its
// configuration, reports their counters periodically and dumps them on
// SIGUSR1. It is the reference host for embedding the pools in a service.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/pktpool/pkg/config"
	"github.com/irctrakz/pktpool/pkg/logging"
	"github.com/irctrakz/pktpool/pkg/manager"
	"github.com/irctrakz/pktpool/pkg/numa"
)

func truthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkTopology warns about configured nodes the host does not have. Such
// pools still work; their node id is only a routing tag.
func checkTopology(cfg *config.Config) {
	topo, err := numa.Detect()
	if err != nil {
		logging.Warnf("numa: %v; node ids are used as tags only", err)
		return
	}
	reportTopology(topo, cfg.NodeIDs())
}

// reportTopology logs the host layout and returns the configured nodes it
// lacks.
func reportTopology(topo *numa.Topology, configured []int) []int {
	cpus := 0
	for _, n := range topo.Nodes() {
		cpus += len(topo.CPUs(n))
	}
	logging.InfoWithFields(logrus.Fields{"nodes": topo.NumNodes(), "cpus": cpus}, "numa: host topology")

	missing := topo.Missing(configured)
	if len(missing) > 0 {
		logging.WarnWithFields(logrus.Fields{"missing": missing, "host_nodes": topo.Nodes()},
			"numa: configured nodes not present on this host")
	}
	return missing
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG"), "path to a .yaml/.yml/.json pool configuration")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("logging: %v", err)
	}
	// Debug logging toggle via DEBUG env
	if truthy(os.Getenv("DEBUG")) {
		logging.SetLevel(logging.DebugLevel)
		logging.Infof("DEBUG enabled: verbose logging")
	}
	metricsEnabled := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != "" || truthy(os.Getenv("METRICS_LOG"))
	// Metrics dumps are info lines; make sure they are visible.
	if metricsEnabled && logging.GetLevel() < logging.InfoLevel {
		logging.SetLevel(logging.InfoLevel)
	}

	checkTopology(cfg)

	m, err := cfg.NewManager()
	if err != nil {
		logging.Fatalf("pools: %v", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logging.ErrorWithFields(logrus.Fields{"pools": len(m.Pools())}, "close: %v", err)
		}
	}()
	if err := m.Dump(os.Stdout); err != nil {
		logging.Errorf("dump: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional periodic metrics reporter
	if metricsEnabled {
		interval, format := reporterSettings()
		go runReporter(ctx, m, interval, format)
	}

	// Health check endpoint
	if addr := strings.TrimSpace(os.Getenv("HEALTH_ADDR")); addr != "" {
		go serveHealth(addr, m)
	}

	waitForShutdown(m)
}

func serveHealth(addr string, m *manager.Manager) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		m.Dump(w)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Errorf("health endpoint: %v", err)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, dumping pool state on
// every dumpSignals signal.
func waitForShutdown(m *manager.Manager) {
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, dumpSignals...)...)
	defer signal.Stop(sigc)
	for sig := range sigc {
		if sig != syscall.SIGINT && sig != syscall.SIGTERM {
			m.Dump(os.Stdout)
			continue
		}
		logging.Infof("received %v, shutting down", sig)
		return
	}
}

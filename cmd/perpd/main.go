// perpd is the reference daemon: it wires the accounting engine to a
// simulated execution pool, JSON-RPC and WebSocket servers, Prometheus
// metrics, snapshot persistence and an optional NATS event bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/events"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
	"github.com/luxfi/perp/pkg/store"
	"github.com/luxfi/perp/pkg/websocket"
)

const (
	defaultDataDir     = ".perpd"
	defaultRPCPort     = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	DataDir  string
	LogLevel string

	RPCPort     int
	WSPort      int
	MetricsPort int

	NATSUrl string

	// SimLiquidity seeds the simulated pool venue backing every market
	// this daemon provisions, in liquidity units.
	SimLiquidity int64

	SnapshotInterval time.Duration
	SolvencyInterval time.Duration

	EnableMetrics bool
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:          defaultDataDir,
		LogLevel:         "info",
		RPCPort:          defaultRPCPort,
		WSPort:           defaultWSPort,
		MetricsPort:      defaultMetricsPort,
		SimLiquidity:     1_000_000_000_000_000,
		SnapshotInterval: 30 * time.Second,
		SolvencyInterval: time.Minute,
		EnableMetrics:    true,
	}
}

// simProvisioner backs each new market with a simulated pool, a pinned
// index beacon at the pool's starting price and an in-memory vault.
type simProvisioner struct {
	liquidity *big.Int
	clock     func() int64
}

func (p *simProvisioner) Provision(marketID string, initialSqrtPriceX96 *big.Int) (perp.ExecutionVenue, perp.Beacon, perp.Vault, error) {
	if initialSqrtPriceX96 == nil || initialSqrtPriceX96.Sign() <= 0 {
		return nil, nil, nil, fmt.Errorf("market %s: invalid initial price", marketID)
	}
	venue := perp.NewPoolVenue(initialSqrtPriceX96, p.liquidity)
	indexX96 := new(big.Int).Mul(initialSqrtPriceX96, initialSqrtPriceX96)
	indexX96.Rsh(indexX96, 96)
	beacon := perp.NewStaticBeacon(p.clock, indexX96)
	return venue, beacon, perp.NewMemVault(), nil
}

func openDatabase(dataDir string, logger log.Logger) (database.Database, error) {
	dataPath := filepath.Join(os.Getenv("HOME"), dataDir)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("BadgerDB unavailable, falling back to in-memory database", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
		return db, nil
	}
	logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	return db, nil
}

func run(config *Config, logger log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(config.DataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := store.New(db, log.Root().New("module", "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("Store opened", "journalSeq", st.LastSeq())

	wsServer := websocket.NewServer(log.Root().New("module", "websocket"))
	sinks := perp.MultiSink{wsServer, store.NewJournalSink(st, nil)}

	var perpMetrics *metrics.PerpMetrics
	if config.EnableMetrics {
		perpMetrics, err = metrics.NewPerpMetrics("perp")
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		sinks = append(sinks, perpMetrics)
	}

	if config.NATSUrl != "" {
		natsSink, err := events.NewNATSSink(config.NATSUrl, log.Root().New("module", "events"))
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	engine := perp.NewEngine(
		log.Root().New("module", "perp"),
		perp.WithEventSink(sinks),
	)

	provisioner := &simProvisioner{
		liquidity: big.NewInt(config.SimLiquidity),
		clock:     func() int64 { return time.Now().Unix() },
	}
	rpcServer := api.NewJSONRPCServer(engine, provisioner, log.Root().New("module", "api"))

	errCh := make(chan error, 3)
	go func() {
		if err := api.StartJSONRPCServer(ctx, config.RPCPort, rpcServer, logger); err != nil {
			errCh <- fmt.Errorf("JSON-RPC server: %w", err)
		}
	}()
	go func() {
		if err := wsServer.Start(config.WSPort); err != nil {
			errCh <- fmt.Errorf("WebSocket server: %w", err)
		}
	}()
	defer wsServer.Stop()

	if perpMetrics != nil {
		if err := perpMetrics.StartServer(fmt.Sprintf("%d", config.MetricsPort)); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		go perpMetrics.CollectSystemMetrics(ctx)
	}

	go snapshotLoop(ctx, engine, st, config.SnapshotInterval, logger)
	go solvencyLoop(ctx, engine, config.SolvencyInterval, logger)

	logger.Info("perpd started",
		"rpcPort", config.RPCPort,
		"wsPort", config.WSPort,
		"metricsPort", config.MetricsPort,
		"dataDir", config.DataDir,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		cancel()
		return err
	}
	cancel()

	// Final snapshot so a restart resumes from current aggregates.
	snapshotAll(engine, st, logger)
	return nil
}

func snapshotLoop(ctx context.Context, engine *perp.Engine, st *store.Store, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshotAll(engine, st, logger)
		}
	}
}

func snapshotAll(engine *perp.Engine, st *store.Store, logger log.Logger) {
	now := time.Now().Unix()
	for _, id := range engine.MarketIDs() {
		m := engine.Market(id)
		if m == nil {
			continue
		}
		if err := st.SnapshotMarket(m, now); err != nil {
			logger.Error("market snapshot failed", "market", id, "error", err)
		}
	}
}

func solvencyLoop(ctx context.Context, engine *perp.Engine, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range engine.MarketIDs() {
				report, err := engine.CheckSolvency(id)
				if err != nil {
					logger.Error("solvency check failed", "market", id, "error", err)
					continue
				}
				if !report.Solvent {
					logger.Error("market not solvent",
						"market", id,
						"vault", report.VaultBalance,
						"obligations", report.Obligations,
						"indeterminate", len(report.Indeterminate),
					)
				}
			}
		}
	}
}

func main() {
	config := DefaultConfig()

	flag.StringVar(&config.DataDir, "data-dir", config.DataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	flag.IntVar(&config.RPCPort, "rpc-port", config.RPCPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", config.WSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", config.MetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats-url", config.NATSUrl, "NATS URL for event publishing (empty disables)")
	flag.Int64Var(&config.SimLiquidity, "sim-liquidity", config.SimLiquidity, "Base liquidity of the simulated pool venue")
	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", config.SnapshotInterval, "Interval between state snapshots")
	flag.DurationVar(&config.SolvencyInterval, "solvency-interval", config.SolvencyInterval, "Interval between solvency checks")
	flag.BoolVar(&config.EnableMetrics, "enable-metrics", config.EnableMetrics, "Enable Prometheus metrics")
	flag.Parse()

	logger := log.Root().New("module", "perpd")

	if err := run(config, logger); err != nil {
		logger.Error("perpd exited with error", "error", err)
		os.Exit(1)
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goDAGBFT/internal/config"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/csf"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
	"github.com/LeJamon/goDAGBFT/internal/feed"
	"github.com/LeJamon/goDAGBFT/internal/monitor"
	"github.com/LeJamon/goDAGBFT/internal/node"
	"github.com/LeJamon/goDAGBFT/internal/storage/auditlog"
	pebbledb "github.com/LeJamon/goDAGBFT/internal/storage/database/pebble"
	"github.com/LeJamon/goDAGBFT/internal/storage/vertexstore"
)

var (
	devnetValidators int
	devnetInterval   time.Duration
	devnetSeed       uint64
	devnetDelay      time.Duration
)

var devnetCmd = &cobra.Command{
	Use:   "devnet",
	Short: "Run a local validator network",
	Long: `Run an in-process network of honest validators connected by an in-memory
transport. The first validator uses the configured storage backend, exposes
Prometheus metrics and streams finality records over WebSocket when those
listeners are enabled. A vertex is proposed every --propose-interval.`,
	RunE: runDevnet,
}

func init() {
	rootCmd.AddCommand(devnetCmd)

	devnetCmd.Flags().IntVar(&devnetValidators, "validators", 4, "number of validators")
	devnetCmd.Flags().DurationVar(&devnetInterval, "propose-interval", time.Second, "time between proposals, 0 disables proposing")
	devnetCmd.Flags().Uint64Var(&devnetSeed, "seed", 1, "key derivation seed")
	devnetCmd.Flags().DurationVar(&devnetDelay, "delay", 0, "simulated link latency")
}

func runDevnet(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	nodeCfg, err := cfg.ToNode()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &devnet{cfg: cfg, logger: logger}
	defer d.close()

	sim, err := csf.New(csf.Config{
		Honest:      devnetValidators,
		Scheme:      cfg.Node.Scheme,
		Stake:       100,
		Delay:       devnetDelay,
		Buffer:      cfg.Node.InboundQueue,
		Seed:        devnetSeed,
		Node:        nodeCfg,
		Registry:    cfg.Reputation.ToValidators(),
		ConflictKey: cfg.Consensus.ConflictKey(),
		Customize:   d.customize,
	}, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	lead := sim.Nodes()[0]
	if d.audit != nil {
		lead.Bus().Subscribe(d.audit)
	}
	logger.Info("Devnet starting",
		zap.Int("validators", sim.Size()),
		zap.Stringer("lead", lead.ID()),
		zap.String("storage", cfg.Storage.Backend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.Run(gctx) })
	if d.mon != nil {
		d.serve(gctx, g, "metrics", cfg.Metrics.Address, d.mon.Handler())
	}
	if cfg.Feed.Enabled {
		fs := feed.NewServer(0, logger)
		records := lead.SubscribeFinality(cfg.Finality.RecordBuffer)
		mux := http.NewServeMux()
		mux.Handle("/ws", fs)
		d.serve(gctx, g, "feed", cfg.Feed.Address, mux)
		g.Go(func() error {
			defer fs.Close()
			return fs.Run(gctx, records)
		})
	}
	if devnetInterval > 0 {
		g.Go(func() error { return proposeLoop(gctx, sim, devnetInterval, logger) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Devnet stopped", zap.Int("finalized", sim.Decisions.FinalizedCount(lead.ID())))
	return err
}

// devnet holds the resources attached to the lead validator
type devnet struct {
	cfg    *config.Config
	logger *zap.Logger

	store   vertexstore.Store
	manager *pebbledb.Manager
	audit   *auditlog.Log
	mon     *monitor.Monitor
}

func (d *devnet) customize(i int, deps *node.Deps) error {
	if i != 0 {
		return nil
	}
	dataDir := d.cfg.Node.DataDir
	store, err := vertexstore.Open(d.cfg.Storage.ToVertexStore(dataDir), crypto.SHA3Hasher{})
	if err != nil {
		return fmt.Errorf("failed to open vertex store: %w", err)
	}
	d.store = store
	deps.Store = store

	if d.cfg.Storage.AuditLog {
		d.manager = pebbledb.NewManager(filepath.Join(dataDir, "audit"), pebbledb.WithSync(d.cfg.Storage.Sync))
		db, err := d.manager.OpenDB("audit")
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit, err = auditlog.Open(context.Background(), db, d.logger)
		if err != nil {
			return err
		}
	}
	if d.cfg.Metrics.Enabled {
		d.mon = monitor.New(0)
		deps.Monitor = d.mon
	}
	return nil
}

// serve runs an HTTP listener inside g and shuts it down with ctx
func (d *devnet) serve(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		d.logger.Info("Listener started", zap.String("listener", name), zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (d *devnet) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("Vertex store close failed", zap.Error(err))
		}
	}
	if d.manager != nil {
		if err := d.manager.Close(); err != nil {
			d.logger.Warn("Audit log close failed", zap.Error(err))
		}
	}
}

func proposeLoop(ctx context.Context, sim *csf.Sim, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		payload := []byte(fmt.Sprintf("devnet-%d-%d", time.Now().UnixNano(), i))
		v, err := sim.Propose(ctx, i%len(sim.Nodes()), payload)
		if err != nil {
			logger.Warn("Proposal failed", zap.Error(err))
			continue
		}
		logger.Debug("Proposed vertex", zap.Stringer("vertex", v.ID), zap.Uint64("height", v.Height))
	}
}

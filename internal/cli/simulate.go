package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/csf"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
	"github.com/LeJamon/goDAGBFT/internal/node"
)

var simulateOpts struct {
	honest       int
	byzantine    int
	behavior     string
	vertices     int
	k            int
	alpha        float64
	beta         int
	roundTimeout time.Duration
	timeout      time.Duration
	seed         uint64
	scheme       string
	delay        time.Duration
	separator    string
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a consensus simulation with Byzantine validators",
	Long: `Run an in-memory network of honest validators alongside Byzantine actors,
propose a batch of vertices and wait until every honest validator finalizes
them. Prints per-validator finality, evidence and isolation counts.

Byzantine behaviors:
  equivocate  answer every query twice with conflicting votes
  silent      never answer queries
  forge       answer with responses signed by the wrong key`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.IntVar(&simulateOpts.honest, "honest", 4, "number of honest validators")
	f.IntVar(&simulateOpts.byzantine, "byzantine", 1, "number of Byzantine actors")
	f.StringVar(&simulateOpts.behavior, "behavior", csf.Equivocate.String(), "Byzantine behavior")
	f.IntVar(&simulateOpts.vertices, "vertices", 5, "vertices to propose")
	f.IntVar(&simulateOpts.k, "k", 3, "sample size")
	f.Float64Var(&simulateOpts.alpha, "alpha", 0.6, "quorum fraction of a sample")
	f.IntVar(&simulateOpts.beta, "beta", 20, "consecutive successes required for acceptance")
	f.DurationVar(&simulateOpts.roundTimeout, "round-timeout", 200*time.Millisecond, "round timeout")
	f.DurationVar(&simulateOpts.timeout, "timeout", time.Minute, "overall deadline")
	f.Uint64Var(&simulateOpts.seed, "seed", 1, "key and sampling seed")
	f.StringVar(&simulateOpts.scheme, "scheme", crypto.SchemeEd25519, "signature scheme")
	f.DurationVar(&simulateOpts.delay, "delay", 0, "simulated link latency")
	f.StringVar(&simulateOpts.separator, "conflict-separator", "", "payload byte ending the conflict key, empty disables conflicts")
}

func simulateConfig() (csf.Config, error) {
	cfg := csf.DefaultConfig()
	cfg.Honest = simulateOpts.honest
	cfg.Byzantine = simulateOpts.byzantine
	cfg.Scheme = simulateOpts.scheme
	cfg.Seed = simulateOpts.seed
	cfg.Delay = simulateOpts.delay
	switch len(simulateOpts.separator) {
	case 0:
	case 1:
		cfg.ConflictKey = consensus.PrefixConflictKey(simulateOpts.separator[0])
	default:
		return cfg, fmt.Errorf("conflict separator must be a single byte, got %q", simulateOpts.separator)
	}
	if cfg.Byzantine > 0 {
		b, err := csf.ParseBehavior(simulateOpts.behavior)
		if err != nil {
			return cfg, err
		}
		cfg.Behavior = b
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.Consensus.SampleSize = simulateOpts.k
	nodeCfg.Consensus.Alpha = simulateOpts.alpha
	nodeCfg.Consensus.Beta = simulateOpts.beta
	nodeCfg.Consensus.RoundTimeout = simulateOpts.roundTimeout
	nodeCfg.Consensus.RetryInterval = simulateOpts.roundTimeout / 5
	nodeCfg.Forks.Interval = 100 * time.Millisecond
	nodeCfg.FinalityRetry = 50 * time.Millisecond
	nodeCfg.Byzantine.MaxMessages = 0
	cfg.Node = nodeCfg
	return cfg, cfg.Validate()
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := simulateConfig()
	if err != nil {
		return err
	}
	sim, err := csf.New(cfg, logger)
	if err != nil {
		return err
	}
	defer sim.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), simulateOpts.timeout)
	defer cancel()

	runCtx, stopRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sim.Run(gctx) })

	start := time.Now()
	waitErr := func() error {
		vertices, err := sim.ProposeBatch(gctx, simulateOpts.vertices)
		if err != nil {
			return err
		}
		ids := make([]consensus.VertexID, 0, len(vertices))
		for _, v := range vertices {
			ids = append(ids, v.ID)
		}
		return sim.WaitFinalized(gctx, ids...)
	}()
	elapsed := time.Since(start)
	stopRun()
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Simulation finished", zap.Duration("elapsed", elapsed), zap.Error(waitErr))
	printReport(cmd.OutOrStdout(), sim.Report(), elapsed)
	return waitErr
}

func printReport(out io.Writer, r csf.Report, elapsed time.Duration) {
	fmt.Fprintf(out, "Validators: %d (byzantine %d", r.Validators, r.Byzantine)
	if r.Byzantine > 0 {
		fmt.Fprintf(out, ", %s", r.Behavior)
	}
	fmt.Fprintf(out, ")\nProposed: %d\nElapsed: %s\n\n", r.Proposed, elapsed.Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tFINALIZED\tEVIDENCE\tISOLATED")
	for _, n := range r.Nodes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", short(n.ID.String()), n.Finalized, n.Evidence, len(n.Isolated))
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VALIDATOR\tREPUTATION\tUPTIME\tWEIGHT\tFAULTS\tISOLATED")
	for _, h := range r.Health {
		fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%.4f\t%d\t%t\n",
			short(h.ID.String()), h.Reputation, h.Uptime, h.Weight, h.Faults, h.Isolated)
	}
	w.Flush()
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Command fmmrun drives one FMM solve from the command line,
// wiring fmmconfig, internal/dataset, internal/orchestrator, and an optional
// Prometheus metrics endpoint. A single-purpose cobra runner rather than a
// multi-command CLI, since this engine exposes one operation.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"go.uber.org/zap"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/dataset"
	"github.com/arx-os/fmm/internal/fmmconfig"
	"github.com/arx-os/fmm/internal/kernel/laplace"
	"github.com/arx-os/fmm/internal/obslog"
	"github.com/arx-os/fmm/internal/orchestrator"
	"github.com/arx-os/fmm/internal/transport"
)

var (
	configPath  string
	seed        int64
	ranks       int
	metricsAddr string
	peerList    string
	rankFlag    int
	listenAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "fmmrun",
	Short: "Run a distributed fast multipole method solve",
	Long: `fmmrun loads a body distribution, partitions it across ranks, builds
each rank's local octree, exchanges local essential trees with its peers,
and evaluates the far and near field through a dual tree traversal.`,
	SilenceUsage: true,
	RunE:         runSolve,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a config file (toml/yaml/json)")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "dataset generator seed")
	rootCmd.Flags().IntVar(&ranks, "ranks", 1, "number of simulated ranks to run in-process (single-binary mode)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.Flags().StringVar(&peerList, "peers", "", "comma-separated host:port list for distributed gRPC mode; empty runs in-process")
	rootCmd.Flags().IntVar(&rankFlag, "rank", 0, "this process's rank, when --peers is set")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "address this rank's gRPC server listens on, when --peers is set")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := fmmconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gen, ok := dataset.ByName(cfg.Distribution)
	if !ok {
		return fmt.Errorf("unknown distribution %q", cfg.Distribution)
	}

	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	ctx := context.Background()
	if cfg.SolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SolveTimeout)
		defer cancel()
	}

	if peerList != "" {
		return runDistributed(ctx, cfg, gen)
	}
	return runInProcess(ctx, cfg, gen)
}

// runInProcess simulates ranks ranks in one binary over transport.World,
// the mode used for local development and single-machine demos.
func runInProcess(ctx context.Context, cfg *fmmconfig.Config, gen dataset.Generator) error {
	worlds := transport.NewWorld(ranks)

	type outcome struct {
		rank   int
		result orchestrator.Result
		err    error
	}
	results := make(chan outcome, ranks)

	bodies := gen.Generate(cfg.NumBodies, seed)
	perRank := splitEvenly(bodies, ranks)

	for r := 0; r < ranks; r++ {
		r := r
		go func() {
			log, err := obslog.New(r, cfg.Verbose)
			if err != nil {
				results <- outcome{rank: r, err: err}
				return
			}
			defer log.Sync()
			if cfg.TimingLog != "" {
				if err := log.SetTimingFile(fmt.Sprintf("%s.%d", cfg.TimingLog, r)); err != nil {
					results <- outcome{rank: r, err: err}
					return
				}
			}
			if metricsAddr != "" {
				_ = log.Register(prometheus.DefaultRegisterer)
			}

			solver := orchestrator.New(worlds[r], laplace.New(), log, cfg)
			var res orchestrator.Result
			for it := 0; it < cfg.Repeat; it++ {
				// Each repetition re-solves the same input from scratch;
				// TRG accumulates within one solve, so every iteration
				// starts from a fresh copy.
				res, err = solver.Solve(ctx, append([]body.Body(nil), perRank[r]...))
				if err != nil {
					break
				}
			}
			results <- outcome{rank: r, result: res, err: err}
		}()
	}

	var firstErr error
	for i := 0; i < ranks; i++ {
		o := <-results
		if o.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rank %d: %w", o.rank, o.err)
		}
		if o.err == nil {
			fmt.Printf("rank %d: solved %d bodies, %d P2P, %d M2L\n",
				o.rank, len(o.result.Bodies), o.result.NumP2P, o.result.NumM2L)
		}
	}
	return firstErr
}

// runDistributed runs this single process as one rank of a real multi-host
// deployment over the gRPC driver.
func runDistributed(ctx context.Context, cfg *fmmconfig.Config, gen dataset.Generator) error {
	peers := strings.Split(peerList, ",")
	if rankFlag < 0 || rankFlag >= len(peers) {
		return fmt.Errorf("--rank %d out of range for %d peers", rankFlag, len(peers))
	}

	driver := transport.NewGRPCDriver(rankFlag, peers)
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	server := grpc.NewServer()
	driver.Serve(server)
	go server.Serve(lis)
	defer server.GracefulStop()

	if err := driver.Dial(ctx); err != nil {
		return fmt.Errorf("dial peers: %w", err)
	}
	defer driver.Close()

	log, err := obslog.New(rankFlag, cfg.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync()
	if cfg.TimingLog != "" {
		if err := log.SetTimingFile(cfg.TimingLog); err != nil {
			return err
		}
	}
	if metricsAddr != "" {
		_ = log.Register(prometheus.DefaultRegisterer)
	}

	bodies := gen.Generate(cfg.NumBodies/len(peers), seed+int64(rankFlag))
	solver := orchestrator.New(driver, laplace.New(), log, cfg)
	var res orchestrator.Result
	for it := 0; it < cfg.Repeat; it++ {
		res, err = solver.Solve(ctx, append([]body.Body(nil), bodies...))
		if err != nil {
			return err
		}
	}

	log.Info("solve complete",
		zap.Int("bodies", len(res.Bodies)),
		zap.Int64("p2p", res.NumP2P),
		zap.Int64("m2l", res.NumM2L))
	fmt.Printf("rank %d: solved %d bodies, %d P2P, %d M2L\n", rankFlag, len(res.Bodies), res.NumP2P, res.NumM2L)
	return nil
}

func splitEvenly(bodies []body.Body, n int) [][]body.Body {
	out := make([][]body.Body, n)
	for i, b := range bodies {
		r := i % n
		out[r] = append(out[r], b)
	}
	return out
}

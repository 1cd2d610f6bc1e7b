package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/internal/consensus"
	"github.com/hybridchain/hybridchain/internal/p2p"
	"github.com/hybridchain/hybridchain/libs/log"
	tmos "github.com/hybridchain/hybridchain/libs/os"
	"github.com/hybridchain/hybridchain/types"
)

// NewRunNodeCmd returns the command that runs the consensus engine and, when
// consensus.produce is set, proposes a block at each of the node's turns.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			e, closer, err := newEngine(conf, logger)
			if err != nil {
				return err
			}
			defer closer()

			if err := e.Start(ctx); err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			defer func() {
				if e.IsRunning() {
					_ = e.Stop()
				}
			}()
			logger.Info("started node", "protocol", conf.Consensus.Protocol,
				"height", e.Best().Number(), "irreversible", e.Irreversible().Number)

			tmos.TrapSignal(logger, func() {
				cancel()
				if e.IsRunning() {
					if err := e.Stop(); err != nil {
						logger.Error("unable to stop the engine", "error", err)
					}
				}
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				select {
				case <-e.Quit():
				case <-gctx.Done():
				}
				return nil
			})
			if conf.Consensus.Produce {
				g.Go(func() error {
					return produceLoop(gctx, e, conf.Consensus.BlockInterval, logger)
				})
			}
			return g.Wait()
		},
	}
	return cmd
}

// newEngine wires the engine with its database, transport and metrics. The
// returned func releases what the engine does not own.
func newEngine(conf *config.Config, logger log.Logger) (*consensus.Engine, func(), error) {
	genDoc, err := types.GenesisDocFromFile(conf.GenesisFile())
	if err != nil {
		return nil, nil, err
	}

	var (
		opts    []consensus.EngineOption
		closers []func()
	)
	closer := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
	}

	if conf.Consensus.Produce {
		key, err := types.LoadProducerKey(conf.ProducerKeyFile())
		if err != nil {
			return nil, nil, fmt.Errorf("loading producer key: %w", err)
		}
		opts = append(opts, consensus.EngineProducerKey(key.PrivKey))
	}

	db, err := config.DefaultDBProvider(&config.DBContext{ID: "headers", Config: conf})
	if err != nil {
		return nil, nil, fmt.Errorf("opening header db: %w", err)
	}

	if conf.Instrumentation.Prometheus {
		opts = append(opts, consensus.EngineMetrics(
			consensus.PrometheusMetrics(conf.Instrumentation.Namespace, "chain_id", genDoc.ChainID)))
		srv := startPrometheusServer(conf.Instrumentation.PrometheusListenAddr, logger)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	var e *consensus.Engine
	hub := p2p.NewMemoryHub(logger.With("module", "p2p"), conf.Consensus.EventQueueSize)
	ep, err := hub.Join(p2p.NodeID(conf.Moniker), func(env p2p.Envelope) { e.Receive(env) })
	if err != nil {
		_ = db.Close()
		closer()
		return nil, nil, err
	}
	closers = append(closers, ep.Close)
	opts = append(opts, consensus.EngineTransport(ep))

	e, err = consensus.NewEngine(conf.Consensus, genDoc, db, logger.With("module", "consensus"), opts...)
	if err != nil {
		_ = db.Close()
		closer()
		return nil, nil, err
	}
	return e, closer, nil
}

func startPrometheusServer(addr string, logger log.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// produceLoop asks the engine to produce at each of the node's turns until
// ctx is done or the engine stops. Off the roster, or under BFT, it polls
// every interval.
func produceLoop(ctx context.Context, e *consensus.Engine, interval time.Duration, logger log.Logger) error {
	timer := time.NewTimer(untilTurn(e, time.Now(), interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.Quit():
			return nil
		case now := <-timer.C:
			res, err := e.Propose(ctx, now.Unix())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			switch res.Code {
			case types.CodeOK:
				logger.Info("produced block", "height", res.Header.Number, "hash", res.Header.Hash(),
					"irreversible", e.Irreversible().Number)
			case types.CodeNotDue:
				logger.Debug("not due", "ts", now.Unix(), "reason", res.Err)
			default:
				logger.Error("failed to produce", "code", res.Code, "err", res.Err)
			}
			timer.Reset(untilTurn(e, time.Now(), interval))
		}
	}
}

// untilTurn is how long to wait before the next Propose.
func untilTurn(e *consensus.Engine, now time.Time, interval time.Duration) time.Duration {
	slot, ok := e.NextTurn(now.Unix())
	if !ok {
		return interval
	}
	if d := time.Unix(slot, 0).Sub(now); d > 0 {
		return d
	}
	return 0
}

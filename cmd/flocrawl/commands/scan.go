package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flonet/flocrawl/internal/fullnode"
	"github.com/flonet/flocrawl/internal/scanner"
	"github.com/flonet/flocrawl/libs/log"
	"github.com/flonet/flocrawl/version"
)

// reorgRearmDelay is the cooldown before the CLI re-arms its reorg
// subscription; the slot is one-shot by design so one fork can't storm the
// log.
const reorgRearmDelay = 5 * time.Minute

// ScanCommand runs the crawler until interrupted.
func ScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Crawl the network and monitor chain tips",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			params, err := conf.Params()
			if err != nil {
				return err
			}

			peerLogger, err := log.NewDefaultLogger(conf.LogFormat, conf.PeerLogLevel)
			if err != nil {
				return err
			}

			node := fullnode.NewRPCNode(fullnode.Config{
				RPCHost: conf.FullNode.RPCHost,
				RPCUser: conf.FullNode.RPCUser,
				RPCPass: conf.FullNode.RPCPass,
			}, logger.With("module", "fullnode"))
			if err := node.Start(); err != nil {
				return err
			}
			defer node.Stop()

			opts := []scanner.Option{scanner.WithPeerLogger(peerLogger)}
			if conf.Instrumentation.Prometheus {
				opts = append(opts,
					scanner.WithMetrics(scanner.PrometheusMetrics(conf.Instrumentation.Namespace)))
			}

			scan := scanner.New(logger.With("module", "scanner"), scanner.Config{
				MaxPeers:            conf.Scanner.MaxPeers,
				ReorgTriggerLength:  conf.Scanner.ReorgTriggerLength,
				ReorgTipMaxAge:      conf.Scanner.ReorgTipMaxAge,
				UserAgentName:       "flocrawl",
				UserAgentVersion:    version.CrawlerSemVer,
				DisableStatusUpdate: conf.Scanner.DisableLogUpdate,
			}, params, node, opts...)

			// One-shot subscription, re-armed after a cooldown.
			var arm func()
			arm = func() {
				scan.OnReorgTrigger(func(ev scanner.ReorgTrigger) {
					logger.Error("possible reorg ahead",
						"active_height", ev.BestTip.Height,
						"fork_height", ev.ReorgTip.Height,
						"branchlen", ev.ReorgTip.BranchLen)
					time.AfterFunc(reorgRearmDelay, arm)
				})
			}
			arm()

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				if err := scan.Start(ctx); err != nil {
					return err
				}
				logger.Info("scanner started",
					"network", params.Name, "max_peers", conf.Scanner.MaxPeers)
				scan.Wait()
				return nil
			})

			if conf.Instrumentation.Prometheus {
				srv := &http.Server{
					Addr:    conf.Instrumentation.PrometheusListenAddr,
					Handler: promhttp.Handler(),
				}
				g.Go(func() error {
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					return srv.Shutdown(context.Background())
				})
			}

			return g.Wait()
		},
	}
}

// Command keyspider drives the discovery and correlation engine: crawl
// the trust graph, watch live auth logs, serve the agent ingest API,
// and dump graph projections.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/agent"
	"github.com/keyspider/go-api/keyspider/config"
	"github.com/keyspider/go-api/keyspider/graph"
	"github.com/keyspider/go-api/keyspider/postgres"
	"github.com/keyspider/go-api/keyspider/queue"
	"github.com/keyspider/go-api/keyspider/slogger"
	"github.com/keyspider/go-api/keyspider/spider"
	"github.com/keyspider/go-api/keyspider/sshpool"
	"github.com/keyspider/go-api/keyspider/store"
	"github.com/keyspider/go-api/keyspider/unreachable"
	"github.com/keyspider/go-api/keyspider/watcher"
)

func main() {
	slogger.Init()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Could not load configuration", "error", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "keyspider",
		Short: "SSH trust graph discovery and monitoring",
	}

	root.AddCommand(scanCmd(cfg))
	root.AddCommand(watchCmd(cfg))
	root.AddCommand(serveCmd(cfg))
	root.AddCommand(graphCmd(cfg))
	root.AddCommand(workerCmd(cfg))
	root.AddCommand(enrollCmd(cfg))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func connectDB(cfg *config.Config) error {
	return postgres.Connect(cfg.DBDriver, cfg.DatabaseURL)
}

// openStore connects to valkey; a failure degrades to in-process
// caching rather than aborting.
func openStore(cfg *config.Config) store.KVStore {
	kv, err := store.NewValkeyStore(cfg.ValkeyAddr)
	if err != nil {
		slog.Warn("Valkey unavailable, using in-process caches", "addr", cfg.ValkeyAddr, "error", err)
		return nil
	}
	return kv
}

func scanCmd(cfg *config.Config) *cobra.Command {
	var depth int
	var enqueueOnly bool

	cmd := &cobra.Command{
		Use:   "scan <seed-addr>",
		Short: "Crawl the trust graph from a seed server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enqueueOnly {
				return queue.PublishScanRequest(cfg.AMQPURL, queue.ScanRequest{
					JobType:  "spider",
					SeedAddr: args[0],
					MaxDepth: depth,
				})
			}
			return runScan(cfg, args[0], depth)
		},
	}

	cmd.Flags().IntVar(&depth, "depth", cfg.Spider.DefaultDepth, "maximum crawl depth")
	cmd.Flags().BoolVar(&enqueueOnly, "enqueue", false, "publish the job to the scan queue instead of running inline")
	return cmd
}

func runScan(cfg *config.Config, seedAddr string, depth int) error {
	if err := connectDB(cfg); err != nil {
		return err
	}
	db := postgres.GetDB()

	kv := openStore(cfg)
	if kv != nil {
		defer kv.Close()
	}

	pool := sshpool.New(cfg.SSH)
	defer pool.CloseAll()

	repo := spider.NewRepository(db)
	detector := unreachable.NewDetector(pool, kv, cfg.Unreachable.CacheTTL)

	job, err := spider.CreateJob(db, "spider", nil, depth)
	if err != nil {
		return err
	}

	engine := spider.New(pool, repo, detector, kv, cfg, depth, func(p keyspider.SpiderProgress) {
		slog.Info("Crawl progress",
			"scanned", p.ServersScanned,
			"queued", p.QueueSize,
			"current", p.CurrentServer,
			"events", p.EventsParsed,
			"keys", p.KeysFound,
			"unreachable", p.UnreachableFound,
		)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return spider.RunJob(ctx, db, engine, job, seedAddr)
}

func watchCmd(cfg *config.Config) *cobra.Command {
	var autoSpider bool
	var spiderDepth int

	cmd := &cobra.Command{
		Use:   "watch <server-ip>",
		Short: "Tail a server's auth log in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cfg, args[0], autoSpider, spiderDepth)
		},
	}

	cmd.Flags().BoolVar(&autoSpider, "auto-spider", false, "crawl newly seen sources")
	cmd.Flags().IntVar(&spiderDepth, "spider-depth", 3, "depth for auto-spider crawls")
	return cmd
}

func runWatch(cfg *config.Config, ip string, autoSpider bool, spiderDepth int) error {
	if err := connectDB(cfg); err != nil {
		return err
	}
	db := postgres.GetDB()

	kv := openStore(cfg)
	if kv != nil {
		defer kv.Close()
	}

	repo := spider.NewRepository(db)
	server, err := repo.UpsertServer(ip, ip, 22, "manual")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var engine *spider.Engine
	if autoSpider {
		pool := sshpool.New(cfg.SSH)
		defer pool.CloseAll()
		detector := unreachable.NewDetector(pool, kv, cfg.Unreachable.CacheTTL)
		engine = spider.New(pool, repo, detector, kv, cfg, spiderDepth, nil)
	}

	w := watcher.New(server, repo, cfg, watcher.NewSSHTailDialer(cfg.SSH),
		cfg.AMQPURL, engine, autoSpider, spiderDepth)

	if kv != nil {
		if existing, ok := store.ActiveWatchSession(ctx, kv, server.ID); ok {
			return fmt.Errorf("watch session %s already active for server %d", existing, server.ID)
		}
		if err := store.RegisterWatchSession(ctx, kv, server.ID, os.Getenv("HOSTNAME")); err != nil {
			slog.Debug("Could not register watch session", "error", err)
		}
	}

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	if err := w.Start(ctx); err != nil {
		return err
	}

	if kv != nil {
		store.DeregisterWatchSession(context.Background(), kv, server.ID)
	}
	return nil
}

func serveCmd(cfg *config.Config) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connectDB(cfg); err != nil {
				return err
			}

			kv := openStore(cfg)
			if kv != nil {
				defer kv.Close()
			}

			receiver := agent.NewReceiver(postgres.GetDB(), kv)

			r := chi.NewRouter()
			r.Mount("/api/agent", receiver.Routes())

			slog.Info("Agent receiver listening", "addr", listen)
			return http.ListenAndServe(listen, r)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "listen address")
	return cmd
}

func graphCmd(cfg *config.Config) *cobra.Command {
	var layer string
	var serverID uint
	var depth int

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print a graph projection as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connectDB(cfg); err != nil {
				return err
			}

			builder := graph.NewBuilder(postgres.GetDB())

			var out any
			var err error
			if serverID != 0 {
				out, err = builder.ServerSubgraph(serverID, depth)
			} else {
				out, err = builder.Build(layer)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&layer, "layer", graph.LayerAll, "authorization, usage, or all")
	cmd.Flags().UintVar(&serverID, "server", 0, "center the graph on a server id")
	cmd.Flags().IntVar(&depth, "subgraph-depth", 2, "hops for server-centered subgraphs")
	return cmd
}

// workerCmd consumes scan requests from the queue, so crawls can be
// dispatched from other processes.
func workerCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume scan jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connectDB(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			queue.ListenWithRetry(ctx, cfg.AMQPURL, queue.ScanQueue, func(msg string) {
				var req queue.ScanRequest
				if err := json.Unmarshal([]byte(msg), &req); err != nil {
					slog.Warn("Dropping malformed scan request", "error", err)
					return
				}
				if err := runScan(cfg, req.SeedAddr, req.MaxDepth); err != nil {
					slog.Error("Scan job failed", "seed", req.SeedAddr, "error", err)
				}
			})
			return nil
		},
	}
}

func enrollCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <server-id>",
		Short: "Issue an agent token for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := connectDB(cfg); err != nil {
				return err
			}

			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid server id %q: %w", args[0], err)
			}

			token, err := agent.EnrollAgent(postgres.GetDB(), uint(id))
			if err != nil {
				return err
			}

			// Shown once; only the hash is stored.
			fmt.Println(token)
			return nil
		},
	}
}

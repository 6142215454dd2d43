package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/albinvar/anatome.ai/broker"
	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/control"
	"github.com/albinvar/anatome.ai/db"
	"github.com/albinvar/anatome.ai/errors"
	"github.com/albinvar/anatome.ai/internal/httpclient"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/logger"
	"github.com/albinvar/anatome.ai/queue"
	"github.com/albinvar/anatome.ai/scheduler"
	"github.com/albinvar/anatome.ai/server"
	"github.com/albinvar/anatome.ai/worker"
)

// ServeCmd starts the orchestrator service
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the orchestrator service",
	Long: `Start the orchestrator: the HTTP admin surface, the queue broker,
one worker pool per queue, and the scheduler that drives delayed
promotion, stall sweeps, metrics refresh, retention and cron fires.`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveDBPath     string
	servePort       int
)

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to TOML config file")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides config)")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return errors.Wrapf(err, "invalid scheduler timezone %q", cfg.Scheduler.Timezone)
	}

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	jobs := job.NewStore(database)
	queues := queue.NewStore(database)
	entries := scheduler.NewStore(database)

	b, err := broker.New(database, log)
	if err != nil {
		return errors.Wrap(err, "failed to build broker")
	}

	// every queue gets a descriptor row; paused queues stay paused across
	// restarts
	now := time.Now().UTC()
	for _, name := range queue.Names {
		d, err := queues.Ensure(name, cfg.QueueOrDefault(name), now)
		if err != nil {
			return errors.Wrapf(err, "failed to ensure queue %s", name)
		}
		if !d.IsActive {
			if err := b.SetPaused(name, true); err != nil {
				return errors.Wrapf(err, "failed to pause queue %s", name)
			}
		}
	}

	types, err := queue.NewTypeRegistry(cfg.JobTypes)
	if err != nil {
		return errors.Wrap(err, "invalid job type registration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(ctx, jobs, queues, b, entries, cfg.Scheduler, loc, log)
	ctrl := control.New(jobs, queues, b, types, sched, cfg, nil, log)
	sched.SetSubmit(ctrl.SubmitInternal)

	srv := server.New(ctx, ctrl, jobs, cfg, log)
	ctrl.SetEmitter(srv)

	// one outbound HTTP handler per registered (queue, type) pair, sharing
	// a pooled client
	registry := worker.NewRegistry()
	client := httpclient.New()
	for _, tc := range cfg.JobTypes {
		spec, err := types.Lookup(tc.Queue, tc.Type)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve job type %s/%s", tc.Queue, tc.Type)
		}
		registry.Register(tc.Queue, tc.Type, worker.NewHTTPHandler(spec, client))
	}

	pools := make([]*worker.Pool, 0, len(queue.Names))
	for _, name := range queue.Names {
		qc := cfg.QueueOrDefault(name)
		poolCfg := worker.PoolConfig{
			Concurrency:    qc.Concurrency,
			Lease:          time.Duration(qc.LeaseSeconds) * time.Second,
			PollInterval:   time.Second,
			BackoffCeiling: cfg.Scheduler.BackoffCeiling(),
			RatePerSec:     qc.RatePerSec,
		}
		pools = append(pools, worker.NewPool(ctx, name, jobs, queues, b, registry, srv, poolCfg, log))
	}

	sched.Start()
	for _, p := range pools {
		p.Start()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	log.Infow("Orchestrator running",
		"port", cfg.Server.Port,
		"db_path", cfg.Database.Path,
		"queues", len(queue.Names),
		"job_types", len(cfg.JobTypes),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutdown signal received", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Errorw("HTTP server failed", "error", err)
		}
	}

	// shutdown order: scheduler first so no new promotions or cron fires,
	// then pools so reservations settle, then the HTTP surface
	sched.Stop()
	for _, p := range pools {
		p.Stop()
	}
	if err := srv.Stop(); err != nil {
		log.Warnw("Server stop reported an error", "error", err)
	}

	log.Infow("Orchestrator stopped")
	return nil
}

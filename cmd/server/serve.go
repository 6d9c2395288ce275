package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentcoord/internal/api"
	"agentcoord/internal/auth"
	"agentcoord/internal/config"
	"agentcoord/internal/coordination"
	"agentcoord/internal/lease"
	"agentcoord/internal/logger"
	"agentcoord/internal/pipeline"
	"agentcoord/internal/queue"
	"agentcoord/internal/review"
	"agentcoord/internal/routing"
	"agentcoord/internal/runs"
	"agentcoord/internal/scheduler"
	"agentcoord/internal/storage"
	"agentcoord/internal/websocket"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP server, job worker and maintenance schedule",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	src, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	ledger := routing.NewLedger(db, cfg.Routing.DefaultLimitWindow, log)
	router := routing.NewRouter(db, ledger, cfg.Routing.DefaultOrder, cfg.Routing.PremiumModel, log)
	leases := lease.NewManager(db, cfg.Lease.Duration, log)
	recorder := runs.NewRecorder(db, log)
	machine := pipeline.NewMachine(db, log)
	q := queue.NewQueue(db)
	hub := websocket.NewHub(log)

	transcripts, err := storage.NewTranscripts(cfg.Transcripts.Dir, cfg.Transcripts.ArchiveDir, db)
	if err != nil {
		return err
	}

	svc := coordination.New(db, coordination.Deps{
		Leases:            leases,
		Runs:              recorder,
		Pipeline:          machine,
		Router:            router,
		Queue:             q,
		Broadcast:         hub,
		Transcripts:       transcripts,
		Reviewer:          review.New(cfg.Review.URL, cfg.Review.Timeout, log),
		TranscriptTimeout: cfg.Transcripts.ReadTimeout,
	}, policyFromConfig(cfg.Pipeline), cfg.Auth.HookToken, log)

	var issuer *auth.Issuer
	if cfg.Auth.AgentSigningKey != "" {
		issuer = auth.NewIssuer(cfg.Auth.AgentSigningKey, cfg.Auth.AgentTokenTTL)
	}
	if cfg.Auth.HookToken == "" {
		log.Warn("auth.hook_token is empty, webhooks will be rejected")
	}

	apiServer := api.NewServer(api.Deps{
		DB:             db,
		Service:        svc,
		Runs:           recorder,
		Ledger:         ledger,
		Router:         router,
		Queue:          q,
		Hub:            hub,
		Issuer:         issuer,
		HookToken:      cfg.Auth.HookToken,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Log:            log,
	})

	worker := queue.NewWorker(q, queue.WorkerConfig{
		PollInterval: cfg.Jobs.PollInterval,
		Timeout:      cfg.Jobs.DiffTimeout,
	}, log)
	worker.Register(queue.JobGenerateDiff, queue.DiffHandler(cfg.Jobs.RepoDir))

	sched := scheduler.New(log, time.Minute)
	if err := sched.Add(cfg.Routing.ClearInterval, "clear_expired_limits", func(ctx context.Context) error {
		_, err := ledger.ClearExpiredLimits(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Add(cfg.Routing.ClearInterval, "reclaim_expired_leases", func(ctx context.Context) error {
		_, err := leases.ReclaimExpired(ctx)
		return err
	}); err != nil {
		return err
	}

	if src.File() != "" {
		src.Watch(func(c *config.Config) {
			router.SetPolicy(c.Routing.DefaultOrder, c.Routing.PremiumModel)
			svc.SetPolicy(policyFromConfig(c.Pipeline))
			log.Info("configuration reloaded", "file", src.File())
		}, func(err error) {
			log.Warn("configuration reload rejected", "error", err)
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		log.Info("starting HTTP server", "address", cfg.Server.Address)
		log.Info("REST API endpoint", "url", "http://"+cfg.Server.Address+"/api/v1")
		log.Info("WebSocket endpoint", "url", "ws://"+cfg.Server.Address+"/ws")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("coordinator stopped")
	return err
}

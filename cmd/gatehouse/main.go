package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gatehouse/gatehouse/internal/api"
	"github.com/gatehouse/gatehouse/internal/approval"
	"github.com/gatehouse/gatehouse/internal/common/config"
	"github.com/gatehouse/gatehouse/internal/common/logger"
	"github.com/gatehouse/gatehouse/internal/common/tracing"
	"github.com/gatehouse/gatehouse/internal/diffreview"
	"github.com/gatehouse/gatehouse/internal/events/bus"
	"github.com/gatehouse/gatehouse/internal/history"
	"github.com/gatehouse/gatehouse/internal/mcpserver"
	"github.com/gatehouse/gatehouse/internal/pathlock"
	"github.com/gatehouse/gatehouse/internal/terminal"
	"github.com/gatehouse/gatehouse/internal/terminal/ptyhost"
	"github.com/gatehouse/gatehouse/internal/tracker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Gatehouse control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (NATS when configured, in-memory otherwise)
	eventBus, err := bus.NewFromConfig(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Terminal host and execution engine
	host := ptyhost.New(ptyhost.Config{
		Cols:         cfg.Terminal.Cols,
		Rows:         cfg.Terminal.Rows,
		ShellCommand: cfg.Terminal.Shell,
	}, log)

	engineCfg := terminal.DefaultConfig()
	if cfg.Terminal.MaxBufferBytes > 0 {
		engineCfg.MaxBufferBytes = cfg.Terminal.MaxBufferBytes
	}
	if cfg.Terminal.ExitGrace > 0 {
		engineCfg.ExitGrace = cfg.Terminal.ExitGrace
	}
	terminals := terminal.NewManager(host, eventBus, log, terminal.WithConfig(engineCfg))
	defer terminals.CloseAll()

	// 5. Approval arbitration queue
	rules := approval.NewRuleSet()
	if cfg.Approval.RulesFile != "" {
		rules, err = approval.LoadRules(cfg.Approval.RulesFile)
		if err != nil {
			log.Fatal("Failed to load trusted rules", zap.Error(err), zap.String("path", cfg.Approval.RulesFile))
		}
		log.Info("Loaded trusted rules", zap.Int("count", rules.Len()))
	}
	approvals := approval.NewQueue(approval.Config{
		RecentTTL:      cfg.Approval.RecentTTL,
		CacheSweepSize: cfg.Approval.CacheSweepSize,
	}, eventBus, log, approval.WithRules(rules))
	defer approvals.Close()

	// 6. Diff review registry and path locks
	diffs := diffreview.NewRegistry(log)
	locks := pathlock.New(0)

	// 7. Tool-call tracker, with the audit log when enabled
	calls := tracker.New(tracker.Config{}, terminals, approvals, diffs, eventBus, log)
	var hist api.HistoryReader
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, log)
		if err != nil {
			log.Fatal("Failed to open call history store", zap.Error(err))
		}
		defer store.Close()
		calls.SetHistory(store)
		hist = store
		log.Info("Call history enabled", zap.String("path", cfg.History.Path))
	}

	// 8. Control API server
	apiServer := api.NewServer(approvals, terminals, calls, diffs, hist, eventBus, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 9. Agent-facing MCP server
	trustedRoot := cfg.MCP.TrustedRoot
	if trustedRoot == "" {
		trustedRoot, _ = os.Getwd()
	}
	mcpSrv := mcpserver.New(mcpserver.Config{
		Port:        cfg.MCP.Port,
		TrustedRoot: trustedRoot,
	}, mcpserver.Deps{
		Approvals: approvals,
		Terminals: terminals,
		Tracker:   calls,
		Diffs:     diffs,
		Locks:     locks,
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Control API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control API server: %w", err)
		}
		return nil
	})

	if cfg.MCP.Enabled {
		if err := mcpSrv.Start(gctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP server listening", zap.Int("port", mcpSrv.Port()))
	}

	// 10. Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}

	log.Info("Shutting down Gatehouse...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if cfg.MCP.Enabled {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Gatehouse stopped")
}

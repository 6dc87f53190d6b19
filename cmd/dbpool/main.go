// Command dbpool runs the loan desk session pool: it opens the configured database,
// checks that it answers, exports pool metrics and drains every session on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/soyvural/dbpool"
	"github.com/soyvural/dbpool/internal/audit"
	"github.com/soyvural/dbpool/internal/config"
	"github.com/soyvural/dbpool/internal/dialer"
	"github.com/soyvural/dbpool/internal/logger"
	"github.com/soyvural/dbpool/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	employeeID := flag.Int64("employee", 0, "employee id recorded in the audit log at start, 0 disables it")
	flag.Parse()

	if err := run(*configPath, *employeeID); err != nil {
		fmt.Fprintf(os.Stderr, "dbpool: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, employeeID int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()
	log.Info("configuration loaded", zap.Stringer("config", cfg))

	db, err := dialer.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewPoolCollector(cfg.Metrics.Namespace, reg, log)

	p, err := dbpool.New(cfg.PoolSettings(),
		dbpool.NewSQLFactory(db, dbpool.WithQueryTimeout(cfg.Database.QueryTimeout)),
		dbpool.WithName(cfg.Pool.Name),
		dbpool.WithLogger(log),
		dbpool.WithObserver(collector),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Stop(); err != nil {
			log.Warn("errors while closing sessions", zap.Error(err))
		}
		collector.Forget(p.Name())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := selfTest(ctx, p); err != nil {
		log.Error("database connection test failed", zap.Error(err))
		return err
	}
	log.Info("database connection test passed")

	runner := audit.NewRunner(p, 0, log)
	defer runner.Close()
	if employeeID > 0 {
		audit.NewRecorder(runner, log, audit.WithDriver(cfg.Database.Driver)).Log(ctx, employeeID, "SERVICE_START", "session pool "+p.Name()+" started")
	}

	var srv *http.Server
	if cfg.Metrics.Address != "" {
		srv = serveMetrics(cfg.Metrics.Address, reg, log)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining pool")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return nil
}

// selfTest borrows a session and runs SELECT 1 on it.
func selfTest(ctx context.Context, p dbpool.Pool) error {
	s, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.QueryContext(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return errors.New("SELECT 1 returned no rows")
	}
	return rows.Err()
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics endpoint stopped", zap.Error(err))
		}
	}()
	return srv
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/tierpool/internal/journal"
	"github.com/ChuLiYu/tierpool/internal/metrics"
	"github.com/ChuLiYu/tierpool/internal/pgsink"
	"github.com/ChuLiYu/tierpool/internal/server"
	"github.com/ChuLiYu/tierpool/internal/snapshot"
	"github.com/ChuLiYu/tierpool/internal/stream"
	"github.com/ChuLiYu/tierpool/pkg/jobpool"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

const httpShutdownTimeout = 5 * time.Second

// App is one running tierpool process: the pool plus every configured
// collaborator and listener.
type App struct {
	cfg    *Config
	logger *slog.Logger
	pool   *jobpool.Pool

	grpcSrv *server.Server
	grpcLis net.Listener

	metricsSrv *http.Server
	metricsLis net.Listener

	hub       *stream.Hub
	streamSrv *http.Server
	streamLis net.Listener

	journal  *journal.Journal
	snapshot *snapshot.Manager
	pg       *pgsink.Sink
}

// NewApp builds the pool and its collaborators and opens every listener.
// Nothing is served until Run.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	registry, err := cfg.buildRegistry()
	if err != nil {
		return nil, err
	}
	a.pool, err = jobpool.New(cfg.Pool, registry, jobpool.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.pool.AddSink(metrics.NewCollector(reg, a.pool.Stats))

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if a.metricsLis, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			return nil, fmt.Errorf("failed to listen for metrics on %s: %w", cfg.Metrics.Addr, err)
		}
	}

	if cfg.Journal.Enabled {
		if err := ensureDir(cfg.Journal.Path); err != nil {
			return nil, err
		}
		a.journal, err = journal.Open(cfg.Journal.Path, journal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
			SyncOnFlush:   cfg.Journal.Sync,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.pool.AddSink(a.journal)
	}

	if cfg.Snapshot.Enabled {
		if err := ensureDir(cfg.Snapshot.Path); err != nil {
			return nil, err
		}
		a.snapshot = snapshot.NewManager(cfg.Snapshot.Path)
		a.snapshot.SetKeepBackups(cfg.Snapshot.KeepBackups)
	}

	if cfg.Postgres.Enabled {
		var opts []pgsink.Option
		opts = append(opts, pgsink.WithLogger(logger))
		if cfg.Postgres.EvictPersisted {
			opts = append(opts, pgsink.WithEvict(a.pool.Evict))
		}
		a.pg, err = pgsink.New(ctx, cfg.Postgres.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := a.pg.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		a.pool.AddSink(a.pg)
	}

	if cfg.Stream.Enabled {
		a.hub = stream.NewHub(logger)
		a.pool.AddSink(a.hub)

		mux := http.NewServeMux()
		mux.Handle(cfg.Stream.Path, a.hub)
		a.streamSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if a.streamLis, err = net.Listen("tcp", cfg.Stream.Addr); err != nil {
			return nil, fmt.Errorf("failed to listen for stream on %s: %w", cfg.Stream.Addr, err)
		}
	}

	if cfg.GRPC.Enabled {
		a.grpcSrv = server.NewServer(a.pool, logger, cfg.GRPC.WatchBuffer)
		if a.grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
	}

	return a, nil
}

// Pool returns the running pool.
func (a *App) Pool() *jobpool.Pool { return a.pool }

// GRPCAddr returns the bound gRPC address, "" when disabled.
func (a *App) GRPCAddr() string { return addrOf(a.grpcLis) }

// MetricsAddr returns the bound metrics address, "" when disabled.
func (a *App) MetricsAddr() string { return addrOf(a.metricsLis) }

// StreamAddr returns the bound WebSocket address, "" when disabled.
func (a *App) StreamAddr() string { return addrOf(a.streamLis) }

// Run serves until ctx ends or a listener fails, then shuts down in order:
// pool first, so running jobs are failed and watchers see their final
// events, then the listeners, then the writers.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if a.grpcSrv != nil {
		g.Go(func() error {
			a.logger.Info("gRPC server listening", "addr", a.GRPCAddr())
			if err := a.grpcSrv.GRPCServer().Serve(a.grpcLis); !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	if a.metricsSrv != nil {
		g.Go(func() error {
			a.logger.Info("Metrics server listening", "addr", a.MetricsAddr(), "path", a.cfg.Metrics.Path)
			return ignoreClosed(a.metricsSrv.Serve(a.metricsLis))
		})
	}
	if a.streamSrv != nil {
		g.Go(func() error {
			a.hub.Run(bgCtx)
			return nil
		})
		g.Go(func() error {
			a.logger.Info("Event stream listening", "addr", a.StreamAddr(), "path", a.cfg.Stream.Path)
			return ignoreClosed(a.streamSrv.Serve(a.streamLis))
		})
	}
	if a.snapshot != nil {
		g.Go(func() error {
			return a.snapshot.Run(bgCtx, a.cfg.Snapshot.Interval, a.pool.Snapshot, a.logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")

		a.pool.Shutdown()
		if a.grpcSrv != nil {
			a.grpcSrv.Shutdown()
		}
		shutdownHTTP(a.metricsSrv)
		shutdownHTTP(a.streamSrv)
		stopBackground()
		return nil
	})

	a.logger.Info("System started successfully", "kinds", len(a.cfg.Handlers), "max_workers", a.cfg.Pool.MaxWorkers)
	err := g.Wait()
	if cerr := a.closeResources(); err == nil {
		err = cerr
	}
	a.logger.Info("System stopped")
	return err
}

// closeResources releases writers and anything NewApp opened.
func (a *App) closeResources() error {
	var errs []error
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	for _, lis := range []net.Listener{a.grpcLis, a.metricsLis, a.streamLis} {
		if lis != nil {
			if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns the current pool report. Used by tests and the demo.
func (a *App) Snapshot() types.PoolSnapshot { return a.pool.Snapshot() }

func shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func addrOf(lis net.Listener) string {
	if lis == nil {
		return ""
	}
	return lis.Addr().String()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"clubhub.app/internal/audit"
	"clubhub.app/internal/auth"
	"clubhub.app/internal/config"
	"clubhub.app/internal/httpapi"
	"clubhub.app/internal/migrate"
	"clubhub.app/internal/obs"
	"clubhub.app/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backend interface {
	auth.UserStore
	auth.RefreshRepository
	auth.JoinCodeStore
}

func main() {
	log := obs.Logger()
	var (
		configPath = flag.String("config", os.Getenv("CLUBHUB_CONFIG"), "Path to YAML config")
		migrateUp  = flag.Bool("migrate", false, "Apply pending migrations before serving")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Logging.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store backend
		ready httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database)
		if err != nil {
			log.WithError(err).Fatal("open db")
		}
		defer pgStore.Close()
		if *migrateUp {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := migrate.NewManager(pgStore.DB(), migrate.Migrations(), nil).Up(ctx)
			cancel()
			if err != nil {
				log.WithError(err).Fatal("apply migrations")
			}
		}
		store = pgStore
		ready = httpapi.ReadyProbe{Store: pgStore}
	} else {
		log.Warn("no database configured, using in-memory stores")
		store = auth.NewMemoryStore()
	}

	hasher, err := auth.NewHasher(cfg.Auth.Pepper)
	if err != nil {
		log.WithError(err).Fatal("init hasher")
	}
	codec, err := auth.NewTokenCodec(cfg.Auth)
	if err != nil {
		log.WithError(err).Fatal("init token codec")
	}
	refresh, err := auth.NewRefreshStore(store, hasher, cfg.Auth,
		auth.WithReuseDetection(cfg.Auth.ReuseDetection),
		auth.WithRefreshEvents(audit.Record))
	if err != nil {
		log.WithError(err).Fatal("init refresh store")
	}
	table := auth.DefaultTable()
	guard, err := auth.NewGuard(codec, store, table, cfg.Auth.IdentityPolicy,
		auth.WithDecisionObserver(obs.ObserveDecision))
	if err != nil {
		log.WithError(err).Fatal("init guard")
	}
	svc, err := auth.NewService(store, refresh, codec, hasher,
		auth.WithEvents(audit.Record),
		auth.WithPermissionTable(table),
		auth.WithJoinCodes(store, 0))
	if err != nil {
		log.WithError(err).Fatal("init auth service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := httpapi.New(cfg.HTTP, svc, guard, ready, version)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http listen")
		}
	}()

	var grpcSrv *httpapi.GRPCServer
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.WithError(err).Fatal("grpc listen")
		}
		grpcSrv = httpapi.NewGRPCServer(guard, ready, httpapi.MethodPolicy{})
		go func() {
			log.WithField("addr", cfg.GRPC.Addr).Info("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.WithError(err).Error("grpc serve")
			}
		}()
		go runHealthLoop(ctx, grpcSrv, 10*time.Second)
	}

	go runPurgeLoop(ctx, refresh, cfg.Auth.PurgeInterval)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("stopped")
}

// runPurgeLoop deletes refresh records past their expiry every interval.
func runPurgeLoop(ctx context.Context, refresh *auth.RefreshStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := refresh.PurgeExpired(ctx, now.UTC())
			if err != nil {
				obs.Logger().WithError(err).Warn("purge expired refresh records")
				continue
			}
			if n > 0 {
				obs.Logger().WithField("purged", n).Info("purged expired refresh records")
			}
		}
	}
}

func runHealthLoop(ctx context.Context, srv *httpapi.GRPCServer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := srv.RefreshHealth(checkCtx); err != nil {
			obs.Logger().WithError(err).Warn("grpc health degraded")
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"mapportal.org/internal/admin"
	"mapportal.org/internal/assistant"
	"mapportal.org/internal/auth"
	"mapportal.org/internal/config"
	"mapportal.org/internal/geodata"
	"mapportal.org/internal/httpapi"
	"mapportal.org/internal/obs"
	"mapportal.org/internal/polygon"
	"mapportal.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Insecure:       true,
	})
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	opts := httpapi.Options{
		Version:        version,
		Cadastre:       geodata.NewCadastre(geodata.WithTimeout(cfg.UpstreamTimeout)),
		CORSOrigin:     cfg.CORSOrigin,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	parties := geodata.NewDadata(cfg.DadataAPIKey, geodata.WithTimeout(cfg.UpstreamTimeout))
	opts.Parties = parties

	advisor, err := assistant.New(cfg.OpenAIAPIKey,
		assistant.WithModel(cfg.OpenAIModel),
		assistant.WithTimeout(cfg.UpstreamTimeout*4),
	)
	if err != nil {
		log.Fatalf("assistant: %v", err)
	}
	opts.Assistant = advisor

	// Without a DSN the store-backed routes answer 500 and /readyz reports
	// not ready; health, metrics and proxies keep working.
	var store *pg.Store
	if cfg.PostgresDSN != "" {
		store, err = pg.Open(cfg.PostgresDSN, pg.WithMaxOpenConns(cfg.DBMaxOpenConns))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()

		opts.Ready = httpapi.StoreReadiness{Store: store}
		opts.Polygons = polygon.NewService(store.Polygons())
		opts.Admin = admin.NewService(store.Admin(), admin.WithPartyFinder(parties))
		opts.Accounts = auth.NewAccounts(store, auth.NewTokens(cfg.AuthSecret, auth.WithTokenTTL(cfg.TokenTTL)))
	} else {
		obs.Log("warn", "database_not_configured", map[string]any{"hint": "set MAPPORTAL_PG_DSN or DATABASE_URL"})
	}

	api := httpapi.New(opts)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout*4 + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCServer(opts.Ready, version))
	}

	obs.Info("starting", map[string]any{"version": version, "http_addr": cfg.HTTPAddr, "grpc_addr": cfg.GRPCAddr, "config": cfg.Redacted()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			obs.Error("tracing_shutdown_failed", err, nil)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		obs.Error("server_failed", err, nil)
		os.Exit(1)
	}
	obs.Info("stopped", nil)
}

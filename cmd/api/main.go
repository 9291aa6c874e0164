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

	"github.com/qazna-org/access/internal/app"
	"github.com/qazna-org/access/internal/config"
	"github.com/qazna-org/access/internal/grpcapi"
	"github.com/qazna-org/access/internal/httpapi"
	"github.com/qazna-org/access/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to access.yaml")
	flag.Parse()

	log := obs.Component("api")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("bootstrap")
	}
	defer deps.Close()

	probe := httpapi.ReadyProbe{Store: deps.Store}
	if deps.Counter != nil {
		probe.Counter = deps.Counter
	}
	trusted, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("http.trusted_proxies")
	}
	api := httpapi.New(deps.Service, probe, httpapi.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		LoginPerSecond: cfg.RateLimit.LoginPerSecond,
		LoginBurst:     cfg.RateLimit.LoginBurst,
		TrustedProxies: trusted,
	}, version)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpcapi.New(deps.Service, deps.Store, nil)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}
	go grpcSrv.WatchHealth(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.WithField("addr", cfg.GRPC.Addr).Info("grpc listening")
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info("stopped")
}

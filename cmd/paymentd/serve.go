package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/payflow/internal/aggregator"
	"github.com/example/payflow/internal/api"
	"github.com/example/payflow/internal/auth"
	"github.com/example/payflow/internal/payments"
	"github.com/example/payflow/internal/security"
	"github.com/example/payflow/pkg/audit"
)

const (
	healthService       = "payflow.Payments"
	healthProbeInterval = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the payment API and gRPC health, with an embedded settlement worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the settlement worker in this process")
	return cmd
}

func serve(parent context.Context, withWorker bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.PublicKeyFile == "" {
		return errors.New("auth.public_key_file is required to serve the API")
	}
	keys, err := auth.LoadPublicKeyFile(cfg.Auth.PublicKeyFile)
	if err != nil {
		return err
	}

	h, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()

	var rateLimiter *security.RedisTokenBucket
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		rateLimiter = security.NewRedisTokenBucket(rdb, "payflow_payments", cfg.Redis.RateLimitCapacity, cfg.Redis.RateLimitRefill)
	} else {
		logger.Warn("redis not configured, payment rate limiting disabled")
	}

	trail := audit.NewTrail(audit.WithLogger(logger))
	svc := payments.NewService(payments.Deps{
		Store:      h.store,
		Aggregator: aggregator.NewClient(cfg.Aggregator.BaseURL, cfg.Aggregator.APIKey, cfg.Aggregator.Timeout),
		Auditor:    trail,
		Logger:     logger,
		Bank:       payments.BankTransferConfig{SettleDelay: cfg.Settlement.Delay},
	})
	if cfg.Aggregator.BaseURL == "" {
		logger.Warn("aggregator not configured, bank transfers will settle as simulated")
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: cfg.Auth.Issuer},
		Payments:     svc,
		Reader:       h.store,
		Health:       h.ping,
		Metrics:      promhttp.Handler(),
		Auditor:      trail,
		RateLimiter:  rateLimiter,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tlsCfg := security.TLSConfig{
		CertFile:     cfg.HTTP.TLSCertFile,
		KeyFile:      cfg.HTTP.TLSKeyFile,
		ClientCAFile: cfg.HTTP.TLSClientCAFile,
	}
	if tlsCfg.Enabled() {
		srv.TLSConfig, err = security.LoadServerTLSConfig(tlsCfg)
		if err != nil {
			return err
		}
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	errCh := make(chan error, 3)

	go func() {
		logger.Info("payment api listening", "addr", cfg.HTTP.Addr, "tls", tlsCfg.Enabled())
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}
	go func() {
		logger.Info("grpc health listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go probeHealth(ctx, healthSrv, h.ping)

	if withWorker {
		w := newWorker(h.store, payments.NewResolver(h.store), trail, cfg, logger)
		go func() {
			if err := w.Run(ctx); err != nil {
				errCh <- fmt.Errorf("settlement worker: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", "error", runErr)
		stop()
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()

	return runErr
}

// probeHealth mirrors datastore reachability into the gRPC health service.
func probeHealth(ctx context.Context, hs *health.Server, ping func(context.Context) error) {
	set := func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := ping(pctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn("datastore health probe failed", "error", err)
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(healthService, status)
	}

	set()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set()
		}
	}
}

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

	"civic-platform/backend/internal/audit"
	auditrepo "civic-platform/backend/internal/audit/repository"
	"civic-platform/backend/internal/config"
	"civic-platform/backend/internal/db"
	membershiprepo "civic-platform/backend/internal/membership/repository"
	orgrepo "civic-platform/backend/internal/organization/repository"
	"civic-platform/backend/internal/platform/rbac"
	"civic-platform/backend/internal/security"
	"civic-platform/backend/internal/server"
	"civic-platform/backend/internal/server/interceptors"
	"civic-platform/backend/internal/telemetry"
	telemetryotel "civic-platform/backend/internal/telemetry/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	orgs := orgrepo.NewPostgresRepository(conn)
	members := membershiprepo.NewPostgresRepository(conn)
	audits := auditrepo.NewPostgresRepository(conn)
	auditLogger := audit.NewLogger(audits, interceptors.ClientIP)

	sinks := []rbac.DecisionLogger{telemetryotel.NewDecisionLogger(providers.LoggerProvider)}
	var auditSink *telemetry.AsyncDecisionLogger
	if cfg.AuditPersistDenials {
		auditSink = telemetry.NewAsyncDecisionLogger(audit.NewDecisionRecorder(auditLogger, false))
		sinks = append(sinks, auditSink)
	}
	evaluator := rbac.NewEvaluator(orgs, members,
		rbac.WithDecisionLogger(rbac.MultiDecisionLogger(sinks...)),
		rbac.WithTracerProvider(providers.TracerProvider),
		rbac.WithMeterProvider(providers.MeterProvider),
	)

	deps := server.Deps{
		Authorizer:    evaluator,
		Organizations: orgs,
		Memberships:   members,
		AuditLogger:   auditLogger,
		AuditRepo:     audits,
		HealthPinger:  conn,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		AccessLog:     os.Stdout,
	}
	if cfg.AuthEnabled() {
		// The server only verifies; tokens are signed by the identity service.
		tokens, err := security.LoadTokenProvider("", cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	} else {
		log.Println("server: JWT_PUBLIC_KEY not set; every protected route will answer 401")
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv, healthSrv := server.NewGRPCServer(deps)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down servers...")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return err
	})
	err = g.Wait()

	if auditSink != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownDrainDuration)
		defer cancel()
		if werr := auditSink.Wait(drainCtx); werr != nil {
			log.Printf("server: audit drain: %v", werr)
		}
	}
	log.Println("servers stopped")
	return err
}

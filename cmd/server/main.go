package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-aid-workflow/internal/client"
	"github.com/pesio-ai/be-aid-workflow/internal/config"
	"github.com/pesio-ai/be-aid-workflow/internal/database"
	"github.com/pesio-ai/be-aid-workflow/internal/handler"
	"github.com/pesio-ai/be-aid-workflow/internal/logger"
	"github.com/pesio-ai/be-aid-workflow/internal/middleware"
	"github.com/pesio-ai/be-aid-workflow/internal/repository"
	"github.com/pesio-ai/be-aid-workflow/internal/service"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

const devJWTSecret = "development-only-secret"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("disbursement_mode", cfg.Workflow.DisbursementMode).
		Msg("Starting Aid Workflow Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var store repository.Store
	switch cfg.Database.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.Migrate {
			if err := repository.Migrate(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply schema")
			}
			log.Info().Msg("Database schema applied")
		}
		store = repository.NewPostgresStore(db)
	}

	for _, a := range cfg.Assignments {
		if err := store.SaveAssignment(ctx, &repository.Assignment{
			BeneficiaryID: a.BeneficiaryID,
			CaseworkerID:  a.CaseworkerID,
			FacilityID:    a.FacilityID,
		}); err != nil {
			log.Fatal().Err(err).Str("beneficiary_id", a.BeneficiaryID).Msg("Failed to seed assignment")
		}
	}
	if n := len(cfg.Assignments); n > 0 {
		log.Info().Int("count", n).Msg("Caseworker assignments seeded")
	}

	// Receipt storage
	var blobs client.BlobStore
	switch cfg.Blob.Driver {
	case "s3":
		s3Store, err := client.NewS3BlobStore(ctx, client.S3BlobStoreConfig{
			Bucket:   cfg.Blob.Bucket,
			Region:   cfg.Blob.Region,
			Endpoint: cfg.Blob.Endpoint,
			Prefix:   cfg.Blob.Prefix,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create S3 blob store")
		}
		blobs = s3Store
		log.Info().Str("bucket", cfg.Blob.Bucket).Msg("S3 receipt storage configured")
	default:
		blobs = client.NewMemoryBlobStore()
		log.Warn().Msg("Using in-memory receipt storage")
	}

	// Notifications
	var notifier client.NotificationSink
	if cfg.NATS.URL != "" {
		publisher, err := client.NewNATSNotificationPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Logger)
		if err != nil {
			// Notifications are best-effort; keep serving without them.
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications will be logged only")
			notifier = client.NewLogNotificationSink(log.Logger)
		} else {
			defer publisher.Close()
			notifier = publisher
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher connected")
		}
	} else {
		notifier = client.NewLogNotificationSink(log.Logger)
	}

	// Identity
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		log.Warn().Msg("JWT_SECRET not set, using the development secret")
		secret = devJWTSecret
	}
	identity := client.NewJWTIdentityResolver(secret, cfg.Auth.Issuer)

	// Initialize services
	gateway := service.NewWorkflowGateway(store, identity, blobs, notifier, service.Options{
		DisbursementMode: workflow.DisbursementMode(cfg.Workflow.DisbursementMode),
		LiquidationFiler: cfg.Workflow.LiquidationFiler,
		Currency:         cfg.Workflow.Currency,
	}, log)

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(gateway, log).RegisterRoutes(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Auth(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.LoggingInterceptor(log.Logger),
		handler.TokenInterceptor(),
	))
	handler.NewGRPCHandler(gateway, log.Logger).Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.WorkflowServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

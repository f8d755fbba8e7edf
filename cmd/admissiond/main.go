// cmd/admissiond/main.go
// Package main implements the entry point for the admission service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-admission-go/internal/anchor"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/archive"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/attendance"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/audit"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/codec"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/config"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/event"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/offline"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/reconcile"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/server"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/ticket"
	"github.com/RegistryAccord/registryaccord-admission-go/internal/validation"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	cacheBucket   = "admission-credentials"
	eventQueueLen = 1024
)

// main is the entry point for the admission service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("admission service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	if _, err := telemetry.InitTracer(telemetry.ServiceName, version, os.Stderr, cfg.Env == "dev"); err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(shutdownCtx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("initializing postgres storage: %w", err)
		}
		store = pg
	} else {
		logger.Warn("ADMIT_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()

	// NATS carries operator alerts and the shared credential cache. Without it
	// alerts are dropped and each instance caches locally.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name("admission"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Warn("NATS connection failed, continuing without broker", "url", cfg.NATSURL, "error", err)
		} else {
			nc = conn
			defer nc.Drain()
		}
	}

	queue := event.NewQueue(event.NewPublisher(nc), eventQueueLen, logger)
	defer queue.Close()
	var pub event.Publisher = queue

	var backing cache.Cache
	if nc != nil {
		kv, err := cache.NewNATS(nc, cacheBucket, cfg.CacheTTL, cfg.CacheTimeout)
		if err != nil {
			logger.Warn("shared cache unavailable, caching locally", "error", err)
		} else {
			backing = kv
		}
	}
	if backing == nil {
		backing = cache.NewMemory(cfg.CacheTTL)
	}
	credCache := cache.NewCredentials(backing, cfg.CacheTimeout, logger)

	var dir directory.Directory
	if cfg.DirectoryURL != "" {
		dir = directory.New(cfg.DirectoryURL)
	} else {
		logger.Warn("ADMIT_DIRECTORY_URL not set, using an empty static directory")
		dir = directory.NewStatic()
	}

	var snapshots archive.Archive
	if cfg.S3Bucket != "" {
		s3c, err := archive.NewS3Client(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("initializing snapshot archive: %w", err)
		}
		snapshots = s3c
	}

	credCodec, err := codec.New([]byte(cfg.EncryptionSecret), []byte(cfg.MACSecret))
	if err != nil {
		return fmt.Errorf("initializing credential codec: %w", err)
	}
	snapshotSealer, err := codec.NewSealer([]byte(cfg.EncryptionSecret), []byte(cfg.MACSecret), codec.NamespaceSnapshot)
	if err != nil {
		return fmt.Errorf("initializing snapshot sealer: %w", err)
	}

	// Anchoring is optional; the anchorer runs its own loops until shutdown.
	var anchorer *anchor.Anchorer
	if cfg.ChainRPCURL != "" {
		client, err := anchor.Dial(ctx, cfg.ChainRPCURL)
		if err != nil {
			return err
		}
		defer client.Close()
		key, err := anchor.ParseKey(cfg.ChainSignerKey)
		if err != nil {
			return err
		}
		anchorer = anchor.New(client, key, store, pub, anchor.Options{
			Network:        cfg.ChainNetwork,
			To:             common.HexToAddress(cfg.AnchorAddress),
			Confirmations:  cfg.Confirmations,
			MaxRetries:     cfg.AnchorMaxRetries,
			RetryBackoff:   cfg.RetryBackoff,
			SubmitTimeout:  cfg.SubmitTimeout,
			ConfirmTimeout: cfg.ConfirmTimeout,
			DropTimeout:    cfg.DropTimeout,
			GasBumpPercent: cfg.GasBumpPercent,
			PollInterval:   cfg.PollInterval,
			RetryInterval:  cfg.RetryInterval,
			Cache:          credCache,
		}, logger)
		go anchorer.Run(ctx)
	}

	var anchorQueue ticket.AnchorQueue
	if anchorer != nil && cfg.AnchorOnIssue {
		anchorQueue = anchorer
	}
	tickets := ticket.New(store, dir, credCodec, credCache, anchorQueue, ticket.Options{
		CredentialTTL: cfg.CredentialTTL,
		Issuer:        telemetry.ServiceName,
	}, logger)
	go tickets.RunExpirySweep(ctx, cfg.ExpirySweepInterval)

	auditLog := audit.New(store, pub, audit.Options{
		Threshold: cfg.SuspiciousThreshold,
		Window:    cfg.SuspiciousWindow,
	}, logger)

	engine := validation.New(validation.Deps{
		Store:     store,
		Directory: dir,
		Codec:     credCodec,
		Cache:     credCache,
		Audit:     auditLog,
		Publisher: pub,
	}, validation.Options{
		EarlyTolerance: cfg.EarlyTolerance,
		LateTolerance:  cfg.LateTolerance,
		Timeout:        cfg.ValidationTimeout,
		RequireAnchor:  cfg.RequireAnchor,
		RateLimit:      cfg.ScanRateLimit,
		RateBurst:      cfg.ScanRateBurst,
		BlockedActors:  cfg.BlockedActors,
	}, logger)

	offlineMgr := offline.New(offline.Deps{
		Store:     store,
		Directory: dir,
		Codec:     credCodec,
		Sealer:    snapshotSealer,
		Archive:   snapshots,
	}, offline.Options{
		TTL:            cfg.SnapshotTTL,
		EarlyTolerance: cfg.EarlyTolerance,
		LateTolerance:  cfg.LateTolerance,
	}, logger)

	reconciler := reconcile.New(store, engine, auditLog, pub, reconcile.Options{
		Policy:      cfg.PolicyFor,
		MaxAttempts: cfg.MaxSyncAttempts,
	}, logger)

	mux, err := server.NewMux(server.Deps{
		Store:              store,
		Tickets:            tickets,
		Engine:             engine,
		Offline:            offlineMgr,
		Reconciler:         reconciler,
		Attendance:         attendance.New(store, pub, logger),
		Audit:              auditLog,
		Anchors:            anchorer,
		Auth:               jwks.NewClient(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second, // Sync uploads can be large
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version, "anchoring", anchorer != nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

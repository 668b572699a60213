package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/utkarshayachit/simplified-batch/internal/admission"
	"github.com/utkarshayachit/simplified-batch/internal/audit"
	"github.com/utkarshayachit/simplified-batch/internal/batch"
	"github.com/utkarshayachit/simplified-batch/internal/catalog"
	"github.com/utkarshayachit/simplified-batch/internal/config"
	"github.com/utkarshayachit/simplified-batch/internal/metrics"
	"github.com/utkarshayachit/simplified-batch/internal/ports"
	"github.com/utkarshayachit/simplified-batch/internal/server"
	"github.com/utkarshayachit/simplified-batch/internal/session"
)

const (
	drainTimeout    = 15 * time.Second
	shutdownTimeout = time.Minute
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Visualization session gateway for Azure Batch",
		Long: `gateway starts visualization jobs on an Azure Batch pool and proxies
HTTP and WebSocket traffic to each session once its server is ready.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func credential(clientID string) (azcore.TokenCredential, error) {
	if clientID != "" {
		return azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(clientID),
		})
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

func run(ctx context.Context, cfg config.Config) error {
	logger := log.Logger
	cred, err := credential(cfg.ManagedIdentityClientID)
	if err != nil {
		return fmt.Errorf("azure credential: %w", err)
	}
	batchClient, err := batch.NewClient(cfg.BatchEndpoint, cred, logger.With().Str("component", "batch").Logger())
	if err != nil {
		return fmt.Errorf("batch client: %w", err)
	}
	pool, err := ports.NewPool(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return err
	}

	m := metrics.New()
	m.TrackPorts(pool.InUse, pool.Size())
	orchOpts := []session.Option{
		session.WithLogger(logger.With().Str("component", "session").Logger()),
		session.WithObserver(m),
	}
	var store *audit.Store
	if cfg.AuditDSN != "" {
		store, err = audit.Open(ctx, cfg.AuditDSN, logger.With().Str("component", "audit").Logger())
		if err != nil {
			return err
		}
		defer store.Close()
		orchOpts = append(orchOpts, session.WithObserver(store))
		logger.Info().Msg("session audit trail enabled")
	}
	orch := session.New(batchClient, pool, session.Config{
		PoolID:        cfg.PoolID,
		Registry:      cfg.ContainerRegistry,
		Image:         cfg.Image,
		ContainerPort: cfg.ContainerPort,
		PollInterval:  cfg.PollInterval,
		NodeTimeout:   cfg.NodeTimeout,
		ReadyTimeout:  cfg.ReadyTimeout,
		MaxSessions:   cfg.MaxSessions,
	}, orchOpts...)

	srvOpts := []server.Option{
		server.WithLogger(logger.With().Str("component", "http").Logger()),
		server.WithRecorder(m),
		server.WithAdmission(admission.NewRuleCheckerFromEnv()),
		server.WithAPIKeys(cfg.APIKeys),
		server.WithStaticDir(cfg.StaticDir),
		server.WithProxyStrict(cfg.ProxyStrict),
	}
	sources, err := catalog.LoadSources(ctx, cfg.CatalogSources, catalog.Settings{
		BlobEndpoint: cfg.BlobStorageEndpoint,
		Credential:   cred,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("dataset listing disabled")
	} else {
		srvOpts = append(srvOpts, server.WithCatalog(catalog.New(sources,
			catalog.WithTTL(cfg.CatalogTTL),
			catalog.WithLogger(logger.With().Str("component", "catalog").Logger()),
		)))
	}
	srv := server.New(orch, batchClient, srvOpts...)

	rawHTTPAddr := cfg.HTTPAddr()
	httpAddr := config.SanitizeListenAddr(rawHTTPAddr)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		grpcServer *grpc.Server
		healthSrv  *health.Server
		grpcLis    net.Listener
	)
	if cfg.GRPCBind != "" {
		addr := config.SanitizeListenAddr(cfg.GRPCBind)
		if addr != cfg.GRPCBind {
			logger.Warn().
				Str("raw", cfg.GRPCBind).
				Str("sanitized", addr).
				Msg("sanitized grpc-bind; remove inline comments from address")
		}
		grpcLis, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		grpcServer = grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthSrv)
		reflection.Register(grpcServer)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpAddr).Msg("gateway HTTP listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			logger.Info().Str("addr", grpcLis.Addr().String()).Msg("gateway gRPC health listening")
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("gateway shutting down")
		srv.SetReady(false)
		if healthSrv != nil {
			healthSrv.Shutdown()
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := httpServer.Shutdown(drainCtx); err != nil {
			logger.Warn().Err(err).Msg("http drain incomplete")
		}

		stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelStop()
		if err := orch.Shutdown(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("some sessions did not terminate cleanly")
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})
	return g.Wait()
}

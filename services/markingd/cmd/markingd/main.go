package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"qrmark/pkg/bus"
	"qrmark/pkg/telemetry"
	"qrmark/services/markingd/internal/auditor"
	"qrmark/services/markingd/internal/config"
	"qrmark/services/markingd/internal/markhttp"
	"qrmark/services/markingd/internal/marking"
	"qrmark/services/markingd/internal/portal"
	"qrmark/services/markingd/internal/tgauth"
)

const serviceName = "markingd"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "markingd",
		Short:         "Attendance mass-marking service for the qrmark mini app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the marking HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	shutdownTelemetry, httpMiddleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, log.Logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	markers := portal.DefaultMarkers()
	if cfg.PortalMarkersFile != "" {
		markers, err = portal.LoadMarkers(cfg.PortalMarkersFile)
		if err != nil {
			return fmt.Errorf("load portal markers: %w", err)
		}
	}

	roster, err := portal.LoadRoster(cfg.PortalIdentityFile)
	if err != nil {
		return fmt.Errorf("load identity roster: %w", err)
	}
	log.Info().Int("identities", roster.Len()).Msg("identity roster loaded")

	portalClient, err := portal.NewClient(cfg.PortalTimeout(), markers)
	if err != nil {
		return fmt.Errorf("create portal client: %w", err)
	}

	store, err := marking.NewStore(cfg.SessionRetention(), cfg.WaitingSessionTTL())
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	go store.Run(ctx, cfg.GCInterval())

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
	}

	orch, err := marking.New(ctx, store, portalClient, roster, eventBus, marking.Config{
		MaxTransientRetries: cfg.MaxTransientRetries,
		RetryDelay:          cfg.TransientRetryDelay(),
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	if eventBus != nil && cfg.DBDSN != "" {
		database, err := auditor.Connect(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("connect audit database: %w", err)
		}
		defer func() {
			if err := auditor.Close(database); err != nil {
				log.Error().Err(err).Msg("close audit database")
			}
		}()

		recorder, err := auditor.NewRecorder(database, eventBus)
		if err != nil {
			return fmt.Errorf("create audit recorder: %w", err)
		}
		if err := recorder.Start(ctx); err != nil {
			return fmt.Errorf("start audit recorder: %w", err)
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				log.Error().Err(err).Msg("close audit recorder")
			}
		}()
	}

	verifier, err := tgauth.NewVerifier(cfg.BotToken, cfg.InitDataMaxAge())
	if err != nil {
		return fmt.Errorf("create auth verifier: %w", err)
	}

	api, err := markhttp.New(orch, verifier, markhttp.Config{
		PollIntervalHintMS: cfg.PollIntervalHintMS,
		AllowedOrigins:     cfg.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpMiddleware(api.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("shutdown http server")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Msg("markingd listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http: %w", err)
	}
	return nil
}

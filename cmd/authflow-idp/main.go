package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/authcode"
	"github.com/alexjbarnes/authflow/internal/config"
	"github.com/alexjbarnes/authflow/internal/idp"
	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/logging"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/nonce"
	"github.com/alexjbarnes/authflow/internal/server"
	"github.com/alexjbarnes/authflow/internal/sweep"
	"github.com/alexjbarnes/authflow/internal/token"
)

var Version = "dev"

// consentTTL bounds how long a rendered consent page can be submitted.
const consentTTL = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadIdP()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	providers := idp.DefaultProviders()
	if cfg.ProvidersFile != "" {
		providers, err = idp.LoadProviders(cfg.ProvidersFile)
		if err != nil {
			return err
		}
	}

	registry := idp.NewRegistry(providers)

	logger.Info("authflow-idp starting",
		slog.String("version", Version),
		slog.String("issuer", cfg.Issuer),
		slog.Any("providers", registry.Names()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := kv.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer backend.Close()

	codeStore, err := backend.Namespace("idp_codes")
	if err != nil {
		return fmt.Errorf("opening code store: %w", err)
	}

	csrfStore, err := backend.Namespace("idp_csrf")
	if err != nil {
		return fmt.Errorf("opening csrf store: %w", err)
	}

	clk := clock.RealClock{}

	codec, err := token.NewCodec(cfg.Secret, cfg.Issuer, idp.Audience, clk)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	refreshCodec, err := token.NewCodec(cfg.RefreshSecret, cfg.Issuer, idp.RefreshAudience, clk)
	if err != nil {
		return fmt.Errorf("refresh token codec: %w", err)
	}

	m := metrics.New()
	codes := authcode.NewStore(codeStore, clk, cfg.CodeTTL)
	csrf := nonce.NewStore(csrfStore, clk, consentTTL)

	srv := idp.New(idp.Config{
		Issuer:        cfg.Issuer,
		Registry:      registry,
		Codes:         codes,
		CSRF:          csrf,
		Tokens:        codec,
		RefreshTokens: refreshCodec,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		Metrics:       m,
		Logger:        logger,
		Clock:         clk,
	})

	sweeper := sweep.New(clk, cfg.SweepInterval, logger,
		sweep.Job{Name: "codes", Run: codes.Sweep},
		sweep.Job{Name: "consent_csrf", Run: csrf.Sweep},
	)
	sweeper.Observe = m.Swept

	router := server.NewIdPRouter(server.IdPConfig{
		Server:      srv,
		Metrics:     m,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ProvidersFile != "" {
		g.Go(func() error {
			return registry.Watch(gctx, cfg.ProvidersFile, logger)
		})
	}

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.ListenAddr, router, logger)
	})

	return g.Wait()
}

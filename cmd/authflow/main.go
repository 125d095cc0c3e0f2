package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/alexjbarnes/authflow/internal/auth"
	"github.com/alexjbarnes/authflow/internal/blacklist"
	"github.com/alexjbarnes/authflow/internal/config"
	"github.com/alexjbarnes/authflow/internal/kv"
	"github.com/alexjbarnes/authflow/internal/logging"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/nonce"
	"github.com/alexjbarnes/authflow/internal/server"
	"github.com/alexjbarnes/authflow/internal/session"
	"github.com/alexjbarnes/authflow/internal/sweep"
	"github.com/alexjbarnes/authflow/internal/token"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("authflow starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.Duration("access_ttl", cfg.AccessTTL),
		slog.Duration("refresh_ttl", cfg.RefreshTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := kv.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer backend.Close()

	stores := map[string]kv.Store{}
	for _, name := range []string{"sessions", "blacklist", "nonces", "verifiers"} {
		s, err := backend.Namespace(name)
		if err != nil {
			return fmt.Errorf("opening %s store: %w", name, err)
		}

		stores[name] = s
	}

	clk := clock.RealClock{}

	accessCodec, err := token.NewCodec(cfg.AccessSecret, cfg.Issuer, cfg.Audience, clk)
	if err != nil {
		return fmt.Errorf("access token codec: %w", err)
	}

	refreshCodec, err := token.NewCodec(cfg.RefreshSecret, cfg.Issuer, cfg.Audience, clk)
	if err != nil {
		return fmt.Errorf("refresh token codec: %w", err)
	}

	creds, err := cfg.ParseUsers()
	if err != nil {
		return err
	}

	users, err := auth.NewUsers(creds)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	clients, err := cfg.ParseOAuthClients()
	if err != nil {
		return err
	}

	m := metrics.New()
	sessions := session.NewStore(stores["sessions"], clk)
	revoked := blacklist.New(stores["blacklist"], clk)
	nonces := nonce.NewStore(stores["nonces"], clk, nonce.DefaultTTL)
	limiter := auth.NewLoginLimiter(cfg.LoginRateLimit, clk)

	svc := auth.NewService(auth.ServiceConfig{
		AccessCodec:  accessCodec,
		RefreshCodec: refreshCodec,
		Sessions:     sessions,
		Blacklist:    revoked,
		Users:        users,
		AccessTTL:    cfg.AccessTTL,
		RefreshTTL:   cfg.RefreshTTL,
		Metrics:      m,
		Logger:       logger,
		Clock:        clk,
	})

	flow := auth.NewOAuthFlow(auth.OAuthConfig{
		IdPURL:    cfg.IdPURL,
		PublicURL: cfg.PublicURL,
		Clients:   clients,
		Upstream:  auth.NewHTTPIdentityProvider(cfg.IdPURL, cfg.UpstreamTimeout, logger),
		Nonces:    nonces,
		Verifiers: stores["verifiers"],
		Service:   svc,
		Logger:    logger,
		Clock:     clk,
	})

	api := auth.NewAPI(auth.APIConfig{
		Service:     svc,
		OAuth:       flow,
		Cookies:     auth.CookieConfig{Secure: cfg.IsProduction(), MaxAge: cfg.RefreshTTL},
		Limiter:     limiter,
		AdminToken:  cfg.AdminToken,
		FrontendURL: cfg.FrontendURL,
		Logger:      logger,
	})

	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, token invalidation endpoint is disabled")
	}

	sweeper := sweep.New(clk, cfg.SweepInterval, logger,
		sweep.Job{Name: "sessions", Run: sessions.Sweep},
		sweep.Job{Name: "blacklist", Run: revoked.Sweep},
		sweep.Job{Name: "nonces", Run: nonces.Sweep},
		sweep.Job{Name: "verifiers", Run: flow.SweepVerifiers},
		sweep.Job{Name: "login_limiter", Run: limiter.Prune},
	)
	sweeper.Observe = m.Swept

	router := server.NewAPIRouter(server.APIConfig{
		API:         api,
		Service:     svc,
		Metrics:     m,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.ListenAddr, router, logger)
	})

	return g.Wait()
}

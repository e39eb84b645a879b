package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/apiclient"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/auth"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/cache"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/config"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/realtime"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/router"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/session"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/internal/status"
	"github.com/ovaphlow/pitchfork/dashboard-sync-go/pkg/utilities"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// init logger
	lg, err := utilities.Init(utilities.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting dashsync", "api", cfg.API.BaseURL, "realtime", cfg.Realtime.URL)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("dashsync stopped", "error", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	tracer := otel.Tracer("github.com/ovaphlow/pitchfork/dashboard-sync-go")

	origin, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return fmt.Errorf("parse api.base_url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	hc := &http.Client{Jar: jar, Timeout: cfg.API.Timeout}

	store := session.NewStore(session.WithPresence(session.NewCookiePresence(jar, origin)))

	authSvc, err := auth.NewService(cfg.API.BaseURL, hc, store,
		auth.WithLogger(sugar.Named("auth")),
		auth.WithMetrics(m),
		auth.WithTracer(tracer),
		auth.WithTimeout(cfg.API.Timeout),
	)
	if err != nil {
		return err
	}

	client, err := apiclient.New(cfg.API.BaseURL, hc, store, authSvc.Refresher(),
		apiclient.WithLogger(sugar.Named("api")),
		apiclient.WithMetrics(m),
		apiclient.WithTracer(tracer),
		apiclient.WithRateLimiter(apiclient.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst)),
		apiclient.WithRefreshSkew(cfg.API.RefreshSkew),
	)
	if err != nil {
		return err
	}

	queries := cache.New(cfg.Status.StaleAfter, cache.WithLogger(sugar.Named("cache")), cache.WithMetrics(m))
	unwatch := queries.OnInvalidate(func(group string) {
		sugar.Infow("data changed upstream", "group", group)
	})
	defer unwatch()

	dialer := &realtime.WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: cfg.API.Timeout}}
	channel := realtime.New(cfg.Realtime.URL, store, queries, dialer,
		realtime.WithBackOff(realtime.NewReconnectBackOff(cfg.Realtime.InitialBackoff, cfg.Realtime.MaxBackoff)),
		realtime.WithIDGenerator(utilities.NewIDGenerator(cfg.Snowflake.Node)),
		realtime.WithLogger(sugar.Named("realtime")),
		realtime.WithMetrics(m),
	)
	// subscribe before hydration so the first authenticated state opens the stream
	channel.Start(ctx)
	defer channel.Close()

	if err := authSvc.Hydrate(ctx); err != nil {
		sugar.Warnw("session hydration failed; continuing signed out", "error", err)
	}
	if !store.Get().IsAuthenticated && cfg.Auth.Email != "" {
		if _, err := authSvc.Login(ctx, cfg.Auth.Email, cfg.Auth.Password); err != nil {
			sugar.Warnw("login failed", "email", cfg.Auth.Email, "error", apiclient.UserMessage(err))
		}
	}

	var sourceOpts []status.SourceOption
	if cfg.Status.File != "" {
		fallback, err := status.LoadFile(cfg.Status.File)
		if err != nil {
			return err
		}
		sourceOpts = append(sourceOpts, status.WithFallback(fallback))
	}
	source := status.NewSource(client, cfg.Status.SettingsPath, queries, sugar.Named("status"), sourceOpts...)
	statuses := status.NewService(client, source, cfg.Status.Resource, sugar.Named("status"), m)
	if store.Get().IsAuthenticated {
		logStatusTable(ctx, sugar, source, statuses)
	}

	// mount http server
	handler := router.RegisterRoutes(sugar.Named("http"), router.Deps{
		Store:    store,
		Realtime: channel.Status,
		Gatherer: reg,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// run server in background
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()
	sugar.Infow("dashsync is running; press Ctrl+C to stop", "status_addr", cfg.HTTP.Addr)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		runErr = fmt.Errorf("status server: %w", err)
	}

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel.Close()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	return runErr
}

func logStatusTable(ctx context.Context, sugar *zap.SugaredLogger, source *status.Source, statuses *status.Service) {
	g, remote, err := source.Graph(ctx)
	if err != nil {
		sugar.Warnw("status config unavailable", "error", err)
		return
	}
	for _, s := range g.Statuses() {
		normal, forced, err := statuses.Options(ctx, s)
		if err != nil {
			return
		}
		sugar.Debugw("status transitions",
			"status", g.Config().Label(s),
			"remote", remote,
			"normal", strings.Join(normal, ","),
			"forced", len(forced),
		)
	}
}

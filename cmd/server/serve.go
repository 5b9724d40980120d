package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lazyloadhandlers "Lazythumb/internal/api/handlers/lazyload"
	"Lazythumb/internal/api/middleware"
	"Lazythumb/internal/api/routes"
	"Lazythumb/internal/core/calllog"
	"Lazythumb/internal/core/lazyload"
	"Lazythumb/internal/core/providers"
	postgresRepo "Lazythumb/internal/db/postgres"
)

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP image service",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, v)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper) error {
	srvCfg := serverConfigFromViper(v)
	setupLogger(srvCfg.LogLevel, srvCfg.LogFormat)

	cfg, err := lazyload.ConfigFromViper(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Error("shutdown cleanup failed", "error", err)
		}
	}()
	a.startCleanup()

	opts := []lazyloadhandlers.HandlerOption{}

	var staticResolver *providers.StaticResolver
	if srvCfg.Allowlist {
		if staticResolver, err = providers.NewStaticResolver(srvCfg.Providers); err != nil {
			return fmt.Errorf("invalid allowlist: %w", err)
		}
	}

	if srvCfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, srvCfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return db.Close() })

		recorder := calllog.NewAsyncRecorder(postgresRepo.NewCallLogRepository(db), srvCfg.CallLog)
		a.onClose(func(ctx context.Context) error {
			err := recorder.Close(ctx)
			slog.Info("[CALL-LOG] recorder closed",
				"written", recorder.Written(),
				"dropped", recorder.Dropped(),
				"failed_batches", recorder.FailedBatches(),
			)
			return err
		})
		opts = append(opts, lazyloadhandlers.WithRecorder(recorder))

		if srvCfg.Allowlist {
			repo := postgresRepo.NewProviderRepository(db)
			if err := seedProviders(ctx, repo, srvCfg.Providers); err != nil {
				return err
			}
			opts = append(opts, lazyloadhandlers.WithResolver(
				providers.NewCachingResolver(providers.NewRepositoryResolver(repo), 1024, srvCfg.AllowlistTTL),
			))
		}
	} else {
		slog.Info("[CALL-LOG] no database configured, call log disabled")
		if srvCfg.Allowlist {
			opts = append(opts, lazyloadhandlers.WithResolver(staticResolver))
		}
	}
	if srvCfg.Allowlist {
		slog.Info("provider allowlist enabled", "static_providers", staticResolver.Len())
	}

	rewriter := lazyload.NewMarkupRewriter(lazyload.Endpoint{
		BaseURL: srvCfg.BaseURL,
		CDNURL:  srvCfg.CDNURL,
	}, a.svc.Placeholders())
	handler := lazyloadhandlers.NewHandler(a.svc, cfg.RequestParser(), rewriter, opts...)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	routes.RegisterOperationalRoutes(r, a.registry)
	r.Group(func(r chi.Router) {
		if srvCfg.RateLimitRPS > 0 {
			limiter := middleware.NewRateLimiter(int(srvCfg.RateLimitRPS*60), time.Minute, srvCfg.RateLimitBurst)
			a.onClose(func(context.Context) error { limiter.Stop(); return nil })
			r.Use(limiter.Middleware)
		}
		routes.RegisterLazyloadRoutes(r, handler, srvCfg.APIKey)
	})
	if srvCfg.APIKey == "" {
		slog.Warn("server.api_key is not set, image endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr:              srvCfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ComputeTimeout + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Lazythumb starting", "addr", srvCfg.Addr, "base_url", srvCfg.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", srvCfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// seedProviders upserts config-supplied allowlist entries into the repository.
func seedProviders(ctx context.Context, repo providers.Repository, entries []string) error {
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		p, err := providers.ParseEntry(e)
		if err != nil {
			return fmt.Errorf("invalid allowlist: %w", err)
		}
		if err := repo.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

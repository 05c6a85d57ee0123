package bootstrap

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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"affiliate-ledger-api/internal/handler"
	"affiliate-ledger-api/internal/middleware"
)

// Router builds the HTTP router with the full middleware chain.
func (rt *Runtime) Router() (http.Handler, func()) {
	window := time.Duration(rt.cfg.RateLimit.Window) * time.Second
	var limiters []*middleware.RateLimiter

	opts := handler.NewHandlerOptions{
		MaxBodySize: rt.cfg.Security.MaxRequestBodySize,
		Logger:      rt.logger,
	}
	if rt.cfg.RateLimit.Enabled && rt.cfg.RateLimit.ClickRate > 0 {
		clicks := middleware.NewRateLimiter(rt.cfg.RateLimit.ClickRate, window)
		limiters = append(limiters, clicks)
		opts.ClickGuard = middleware.RateLimitMiddleware(clicks)
	}
	h := handler.NewHandlerWithOptions(rt.service, opts)

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if rt.cfg.RateLimit.Enabled {
		global := middleware.NewRateLimiter(rt.cfg.RateLimit.Rate, window)
		limiters = append(limiters, global)
		r.Use(middleware.RateLimitMiddleware(global))
	}

	r.Use(middleware.TracingMiddleware(rt.cfg.Tracing.ServiceName))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(rt.cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Routes(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	stop := func() {
		for _, l := range limiters {
			l.Stop()
		}
	}
	return r, stop
}

// RunAPI serves HTTP until SIGINT or SIGTERM, then shuts down gracefully.
func (rt *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, stopLimiter := rt.Router()
	defer stopLimiter()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", rt.cfg.Server.Host, rt.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	useTLS := rt.cfg.Server.CertFile != "" && rt.cfg.Server.KeyFile != ""
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("starting server",
			slog.String("addr", server.Addr),
			slog.Bool("tls", useTLS),
			slog.String("database", rt.cfg.Database.Path))

		var err error
		if useTLS {
			err = server.ListenAndServeTLS(rt.cfg.Server.CertFile, rt.cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("error closing server", slog.Any("error", err))
	}
	return rt.Close(shutdownCtx)
}

func splitOrigins(csv string) []string {
	var origins []string
	for _, o := range strings.Split(csv, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

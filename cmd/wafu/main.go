package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/BespredeL/wafu/internal/config"
	"github.com/BespredeL/wafu/internal/httpadapter"
	"github.com/BespredeL/wafu/internal/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := os.Getenv("WAFU_CONFIG")
	addr := os.Getenv("WAFU_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, kernel.Options{ConfigPath: configPath, Logger: logger})
	if err != nil {
		logger.Error("failed to build waf", "config", configPath, "error", err)
		os.Exit(1)
	}
	defer k.Close()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(m map[string]any) error {
			return k.Reload(ctx, m)
		}, logger)
		go watcher.Watch(ctx)
	}
	if k.Config().RemoteRules.Enabled {
		go k.RefreshEvery(ctx, time.Minute)
	}

	upstream, err := newUpstream(os.Getenv("WAFU_UPSTREAM"))
	if err != nil {
		logger.Error("invalid upstream", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           routes(k, upstream, logger),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("wafu listening", "addr", addr, "config", configPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("wafu stopped")
}

func routes(k *kernel.Kernel, upstream http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"https://*", "http://*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			MaxAge:         300,
		}))
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Get("/_wafu/status", func(w http.ResponseWriter, _ *http.Request) {
			cfg := k.Config()
			writeJSON(w, http.StatusOK, map[string]any{
				"enabled":  cfg.Enabled,
				"mode":     k.Engine().Mode(),
				"pipeline": k.Engine().Pipeline(),
				"storage":  cfg.Storage.Driver,
				"remote":   cfg.RemoteRules.Enabled,
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(httpadapter.Middleware(k, httpadapter.Options{Logger: logger}))
		r.Handle("/*", upstream)
	})

	return r
}

// newUpstream proxies to raw, or serves a plain greeting when raw is empty.
func newUpstream(raw string) (http.Handler, error) {
	if raw == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("wafu: request allowed\n"))
		}), nil
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, errors.New("WAFU_UPSTREAM must be an absolute url")
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Morditux/sqlsession"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a demo server backed by the session table",
	Long: `Starts an HTTP server that counts visits per session. It exposes the
store metrics on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Locker == "memcached" {
			if err := memcacheReachable(cfg.MemcachedServers); err != nil {
				logger.Warn().Err(err).Msg("memcached locker unreachable")
			}
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		store, err := openStore(ctx, reg)
		if err != nil {
			return err
		}
		if err := store.CreateTable(ctx); err != nil {
			store.Close()
			return err
		}

		cleanup, _ := cmd.Flags().GetDuration("cleanup-interval")
		mgr := sqlsession.NewManager(sqlsession.ManagerConfig{
			Store:           store,
			CleanupInterval: cleanup,
		})
		defer mgr.Close()

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           newRouter(mgr, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("demo server listening")
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown did not complete")
			return srv.Close()
		}
		logger.Info().Msg("demo server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("cleanup-interval", 10*time.Minute, "periodic garbage collection, 0 to rely on probabilistic gc")
}

func newRouter(mgr *sqlsession.Manager, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		session, err := mgr.Get(r)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load session")
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		count := 0
		if val, ok := session.Get("count"); ok {
			if c, ok := val.(int); ok {
				count = c
			}
		}
		count++
		session.Set("count", count)

		if err := mgr.Save(w, r, session); err != nil {
			logger.Error().Err(err).Msg("failed to save session")
			http.Error(w, "failed to save session", http.StatusInternalServerError)
			return
		}
		if session.Expired {
			fmt.Fprint(w, "Your previous session expired. ")
		}
		fmt.Fprintf(w, "You have visited this page %d times.\n", count)
	})

	r.Post("/regenerate", func(w http.ResponseWriter, r *http.Request) {
		session, err := mgr.Get(r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if err := mgr.Regenerate(w, r, session); err != nil {
			logger.Error().Err(err).Msg("failed to regenerate session")
			http.Error(w, "failed to regenerate session", http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "Session id regenerated.")
	})

	r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		session, err := mgr.Get(r)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		if err := mgr.Destroy(w, r, session); err != nil {
			logger.Error().Err(err).Msg("failed to destroy session")
			http.Error(w, "failed to destroy session", http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "Logged out!")
	})

	return r
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/api"
	"github.com/pasogott/cortana-vision/config"
	"github.com/pasogott/cortana-vision/services"
)

// Start runs the HTTP API until ctx is cancelled. The catalog, object
// store and job queue are shared with any in-process workers.
func Start(ctx context.Context, cfg *config.AppConfig, catalog *services.Catalog, store services.ObjectStore, queue *services.Queue) error {
	searchSvc := services.NewSearchService(catalog, store)

	uploadHandler := api.NewUploadHandler(cfg, catalog, store, queue)
	videoHandler := api.NewVideoHandler(searchSvc)
	searchHandler := api.NewSearchHandler(searchSvc)

	// An index out of sync with ocr_frames self-corrects within one tick.
	reconciler := services.NewReconciler(catalog, 15*time.Second)
	go reconciler.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/upload", uploadHandler.Upload)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			api.HealthCheck(w, r, catalog)
		})

		r.Get("/summary", videoHandler.Summary)
		r.Get("/videos", videoHandler.List)
		r.Get("/videos/{video_id}", videoHandler.Get)
		r.Get("/videos/{video_id}/frames", videoHandler.Frames)

		r.Get("/search", searchHandler.Search)
	})

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting api server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

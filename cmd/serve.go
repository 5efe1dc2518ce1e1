package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for triggering and inspecting runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/api/runs", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				AnalysisID string `json:"analysis_id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.AnalysisID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "analysis_id is required"})
				return
			}
			if _, err := env.Store.GetAnalysis(req.Context(), body.AnalysisID); err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "analysis not found"})
				return
			}

			// Runs outlive the request; the server context governs them.
			go func() {
				run, err := env.Pipeline.Run(ctx, body.AnalysisID)
				if err != nil {
					zap.L().Error("triggered run failed",
						zap.String("analysis_id", body.AnalysisID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("triggered run complete",
					zap.String("run_id", run.ID),
					zap.Int("persisted", run.Summary.Persisted),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":      "accepted",
				"analysis_id": body.AnalysisID,
			})
		})

		r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
			runs, err := env.Store.ListRuns(req.Context(), store.RunFilter{
				AnalysisID: req.URL.Query().Get("analysis"),
				Status:     model.RunStatus(req.URL.Query().Get("status")),
				Limit:      50,
			})
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/api/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
			run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

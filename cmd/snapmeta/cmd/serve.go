package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snapmeta/snapmeta"
	"github.com/snapmeta/snapmeta/internal/metrics"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// maxUploadBytes bounds an uploaded object; larger requests are rejected
// before buffering.
const maxUploadBytes = 64 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload host: HTTP API plus background workers",
	Long: `serve runs the long-lived host process. It accepts uploads over HTTP,
drives pending instances with a worker pool, exposes instance state and
history for inspection, and serves Prometheus metrics.

On startup, instances left unfinished by a previous process are re-enqueued
before workers start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (default from config or :8080)")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reg := prometheus.NewRegistry()
	promObs := metrics.NewPrometheusObserver(reg)

	rt, closeDB, err := openRuntime(promObs)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recovered, err := rt.RecoverPending(ctx)
	if err != nil {
		return fmt.Errorf("recover pending instances: %w", err)
	}
	if recovered > 0 {
		logger.Info("re-enqueued unfinished instances", slog.Int("count", recovered))
	}

	if err := rt.StartWorkers(ctx, 0); err != nil {
		return err
	}
	defer rt.Stop()

	if retention := retentionFromConfig(); retention > 0 {
		go retentionLoop(ctx, rt, retention, logger)
	}

	h := &host{rt: rt, logger: logger, container: viper.GetString("container")}

	router := mux.NewRouter()
	router.HandleFunc("/upload", h.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/instances", h.handleListInstances).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}", h.handleGetInstance).Methods(http.MethodGet)
	router.HandleFunc("/instances/{id}/history", h.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/metadata", h.handleMetadata).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// retentionLoop periodically deletes terminal instances older than the
// retention window.
func retentionLoop(ctx context.Context, rt *snapmeta.Runtime, retention time.Duration, logger *slog.Logger) {
	interval := retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := rt.PurgeTerminal(ctx)
			if err != nil {
				logger.Error("retention sweep failed", slog.Any("error", err))
				continue
			}
			if purged > 0 {
				logger.Info("purged terminal instances", slog.Int("count", purged))
			}
		}
	}
}

type host struct {
	rt        *snapmeta.Runtime
	logger    *slog.Logger
	container string
}

// handleUpload accepts the image bytes as the request body. The object name
// comes from the "name" query parameter; the container defaults to the
// configured one.
func (h *host) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing 'name' query parameter")
		return
	}
	container := r.URL.Query().Get("container")
	if container == "" {
		container = h.container
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	inst, err := h.rt.IngestBytes(r.Context(), container, name, data)
	if errors.Is(err, api.ErrRejected) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("upload failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusAccepted, inst)
}

func (h *host) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  h.rt.QueueLen(),
	})
}

func (h *host) handleListInstances(w http.ResponseWriter, r *http.Request) {
	opts := snapmeta.InstanceListOptions{
		Status:    snapmeta.Status(r.URL.Query().Get("status")),
		Container: r.URL.Query().Get("container"),
	}
	insts, err := h.rt.Engine.ListInstances(r.Context(), opts)
	if err != nil {
		h.logger.Error("list instances failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, insts)
}

func (h *host) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.rt.Engine.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *host) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.rt.Engine.GetInstance(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	events, err := h.rt.Engine.History(r.Context(), id)
	if err != nil {
		h.logger.Error("history read failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *host) handleMetadata(w http.ResponseWriter, r *http.Request) {
	rows, err := h.rt.MetadataRows(r.Context())
	if err != nil {
		h.logger.Error("metadata read failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "metadata read failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

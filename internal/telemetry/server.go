// Package telemetry serves prometheus metrics, health and condition snapshots over HTTP.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultAddr     = "0.0.0.0:9464"
	shutdownTimeout = 5 * time.Second
)

// ConditionSummary describes one trigger condition and how many windows it has averaged.
type ConditionSummary struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Line   int    `json:"line"`
	Type   string `json:"type"`
	Armed  bool   `json:"armed"`
	Trials int    `json:"trials"`
}

// ConditionDetail adds the averaged traces, indexed channel then offset.
type ConditionDetail struct {
	ConditionSummary
	Mean   [][]float64 `json:"mean"`
	StdDev [][]float64 `json:"stddev"`
}

// ConditionProvider supplies the condition API.
type ConditionProvider interface {
	ConditionSummaries() []ConditionSummary
	ConditionDetail(id uint32) (ConditionDetail, bool)
}

// HealthReport is served as JSON on /healthz. Any status other than "ok" answers 503.
type HealthReport struct {
	Status  string            `json:"status"` // "ok" or a short reason
	Details map[string]string `json:"details,omitempty"`
}

// HTTPServerOptions configures StartHTTPServer. A nil Health always reports ok and a nil
// Conditions leaves the /api routes unregistered.
type HTTPServerOptions struct {
	Addr       string
	Registry   prometheus.Gatherer
	Health     func() HealthReport
	Conditions ConditionProvider
}

// NewHandler builds the routes. /api routes are only registered when a provider is set.
func NewHandler(opts HTTPServerOptions) http.Handler {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", healthHandler(opts.Health))
	if opts.Conditions != nil {
		mux.Handle("GET /api/conditions", listHandler(opts.Conditions))
		mux.Handle("GET /api/conditions/{id}", detailHandler(opts.Conditions))
	}
	return mux
}

// StartHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func StartHTTPServer(ctx context.Context, opts HTTPServerOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Observability server listening",
			zap.String("addr", server.Addr),
			zap.Bool("conditions_api", opts.Conditions != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("observability server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Observability server shutdown error", zap.Error(err))
			return err
		}
		logger.Info("Observability server stopped")
		return nil
	}
}

func healthHandler(health func() HealthReport) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{Status: "ok"}
		if health != nil {
			report = health()
		}

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})
}

func listHandler(provider ConditionProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summaries := provider.ConditionSummaries()
		if summaries == nil {
			summaries = []ConditionSummary{}
		}
		writeJSON(w, http.StatusOK, summaries)
	})
}

func detailHandler(provider ConditionProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid condition id"})
			return
		}
		detail, ok := provider.ConditionDetail(uint32(id))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown condition"})
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package main

import (
	"encoding/json"
	"net/http"

	"stockflow/internal/observability"
	"stockflow/internal/orders/saga"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func newHTTPHandler(reg *prometheus.Registry, metrics *observability.Metrics, feed http.Handler, journal saga.CompensationStore, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/metrics", observability.Handler(metrics))
	mux.Handle("/debug/compensations", compensationsHandler(journal, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if feed != nil {
		mux.Handle("/ws/stock", feed)
	}
	return mux
}

// compensationsHandler lists compensation tasks by status, failed by default.
func compensationsHandler(journal saga.CompensationStore, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := saga.CompensationStatus(r.URL.Query().Get("status"))
		switch status {
		case "":
			status = saga.StatusFailed
		case saga.StatusPending, saga.StatusCompleted, saga.StatusFailed:
		default:
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}

		tasks, err := journal.ListByStatus(r.Context(), status)
		if err != nil {
			logger.Error().Err(err).Str("status", string(status)).Msg("list compensation tasks")
			http.Error(w, "journal unavailable", http.StatusInternalServerError)
			return
		}
		if tasks == nil {
			tasks = []saga.CompensationTask{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tasks)
	})
}

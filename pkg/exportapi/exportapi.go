// Package exportapi implements the HTTP transport for the export endpoint
// (§6 component C5): POST /export decodes an ExportRequest, runs it against
// the store, and writes back the CBOR-encoded trace.
//
// Grounded on the teacher's pkg/webhook/health_check.go for its plain
// net/http handler shape (no framework, logr.Logger held on the Handler)
// generalized here from a TLS probe to a request/response codec endpoint.
package exportapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/clusterplay/tracesim/pkg/errtax"
	"github.com/clusterplay/tracesim/pkg/logging"
	"github.com/clusterplay/tracesim/pkg/store"
	"github.com/clusterplay/tracesim/pkg/telemetry"
	"github.com/clusterplay/tracesim/pkg/trace"
)

// requestBody is the JSON wire shape of POST /export (§6).
type requestBody struct {
	StartTS int64    `json:"start_ts"`
	EndTS   int64    `json:"end_ts"`
	Filters *filters `json:"filters,omitempty"`
}

type filters struct {
	ExcludedNamespaces     []string `json:"excluded_namespaces,omitempty"`
	ExcludedLabelSelectors []string `json:"excluded_label_selectors,omitempty"`
	ExcludeDaemonSets      bool     `json:"exclude_daemonsets,omitempty"`
}

// Handler serves POST /export against a single Store.
type Handler struct {
	Store *store.Store
	Log   logr.Logger

	// Metrics is optional; a nil value records against a no-op meter.
	Metrics *telemetry.Instruments
}

const contentTypeCBOR = "application/cbor"

var noopMetrics = telemetry.Noop()

func (h *Handler) metrics() *telemetry.Instruments {
	if h.Metrics == nil {
		return noopMetrics
	}
	return h.Metrics
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log.WithValues(logging.Operation, "export")
	start := time.Now()
	defer func() {
		h.metrics().ExportDuration.Record(r.Context(), time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed export request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := store.ExportRequest{StartTS: body.StartTS, EndTS: body.EndTS}
	if body.Filters != nil {
		req.Filters = store.Filters{
			ExcludedNamespaces:     body.Filters.ExcludedNamespaces,
			ExcludedLabelSelectors: body.Filters.ExcludedLabelSelectors,
			ExcludeDaemonSets:      body.Filters.ExcludeDaemonSets,
		}
	}

	t, err := h.Store.Export(req)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRange) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var taxErr *errtax.Error
		if errors.As(err, &taxErr) && taxErr.Kind == errtax.ExportUnavailable {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		log.Error(err, "export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	encoded, err := trace.Encode(t)
	if err != nil {
		log.Error(err, "trace encode failed")
		http.Error(w, "trace encode failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// Package api exposes the billing portal over HTTP/JSON.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bher20/aquabill/internal/api/swagger"
	"github.com/bher20/aquabill/internal/metrics"
	"github.com/bher20/aquabill/internal/portal"
)

type Handler struct {
	svc *portal.Service
	log *zap.SugaredLogger
}

// NewMux constructs the HTTP mux, wiring the portal service, metrics and
// health endpoints.
func NewMux(svc *portal.Service, log *zap.SugaredLogger) *http.ServeMux {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{svc: svc, log: log}
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Store().Ping(r.Context()); err != nil {
			log.Warnw("readyz: storage ping failed", "error", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("GET /docs/", http.StripPrefix("/docs", swagger.Handler("/docs/openapi.yaml")))

	h.route(mux, "POST /api/v1/bills/calculate", h.calculate)

	h.route(mux, "GET /api/v1/customers", h.listCustomers)
	h.route(mux, "POST /api/v1/customers", h.createCustomer)
	h.route(mux, "GET /api/v1/customers/{id}", h.getCustomer)
	h.route(mux, "PUT /api/v1/customers/{id}", h.updateCustomer)

	h.route(mux, "GET /api/v1/bulk-meters", h.listBulkMeters)
	h.route(mux, "POST /api/v1/bulk-meters", h.createBulkMeter)
	h.route(mux, "GET /api/v1/bulk-meters/{id}", h.getBulkMeter)
	h.route(mux, "GET /api/v1/bulk-meters/{id}/customers", h.bulkMeterCustomers)
	h.route(mux, "GET /api/v1/bulk-meters/{id}/reconciliation", h.reconcile)

	h.route(mux, "POST /api/v1/readings", h.recordReading)
	h.route(mux, "GET /api/v1/readings/pending", h.pendingReadings)

	h.route(mux, "GET /api/v1/bills", h.listBills)
	h.route(mux, "GET /api/v1/bills/{id}", h.getBill)
	h.route(mux, "POST /api/v1/bills/{id}/pay", h.payBill)
	h.route(mux, "POST /api/v1/bills/{id}/unpay", h.unpayBill)

	h.route(mux, "GET /api/v1/tariffs", h.listTariffs)
	h.route(mux, "GET /api/v1/tariffs/{class}/{year}", h.getTariff)
	h.route(mux, "PUT /api/v1/tariffs/{class}/{year}", h.putTariff)

	return mux
}

// handlerFunc returns the response body and status, or an error that
// writeError maps to a status.
type handlerFunc func(r *http.Request) (any, int, error)

// route registers fn under pattern and records request metrics labelled with
// the pattern.
func (h *Handler) route(mux *http.ServeMux, pattern string, fn handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.RequestsTotal.WithLabelValues(pattern).Inc()
		defer func() {
			metrics.RequestDurationSeconds.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
		}()

		body, status, err := fn(r)
		if err != nil {
			h.writeError(w, r, pattern, err)
			return
		}
		writeJSON(w, status, body)
	})
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// errBadRequest marks request decoding problems.
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, errBadRequest), errors.Is(err, portal.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, portal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, portal.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	status := statusFor(err)
	metrics.RequestErrorsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

	resp := errorResponse{Error: err.Error()}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "request validation failed"
		resp.Details = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Details[fe.Field()] = fe.Tag()
		}
	}
	if status == http.StatusInternalServerError {
		h.log.Errorw("api: request failed", "route", route, "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return validate.Struct(dst)
}

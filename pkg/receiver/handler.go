package receiver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/stacktraces"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Processor processes a single event in place.
type Processor interface {
	Process(ctx context.Context, ev *event.Event) (stacktraces.Outcome, error)
}

// Response is the body returned for a stored event.
type Response struct {
	Outcome string       `json:"outcome"`
	Event   *event.Event `json:"event"`
}

type handler struct {
	log         log.Logger
	rateLimiter *rate.Limiter
	args        ServerConfig
	processor   Processor
	errorsTotal *prometheus.CounterVec
	next        http.Handler
}

var _ http.Handler = (*handler)(nil)

func newHandler(l log.Logger, reg prometheus.Registerer, args ServerConfig, p Processor) *handler {
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stackproc_receiver_errors_total",
		Help: "Total number of rejected or failed store requests, by reason.",
	}, []string{"reason"})
	reg.MustRegister(errorsTotal)

	h := &handler{
		log:         l,
		args:        args,
		processor:   p,
		errorsTotal: errorsTotal,
	}
	if args.RateLimiting.Enabled {
		h.rateLimiter = rate.NewLimiter(rate.Limit(args.RateLimiting.Rate), int(args.RateLimiting.BurstSize))
	}

	h.next = http.HandlerFunc(h.serveStore)
	// Preflight requests are answered by the CORS handler.
	if len(args.CORSAllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: args.CORSAllowedOrigins,
			AllowedHeaders: []string{"x-api-key", "content-type"},
		})
		h.next = c.Handler(h.next)
	}
	return h
}

func (h *handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	h.next.ServeHTTP(rw, req)
}

func (h *handler) serveStore(rw http.ResponseWriter, req *http.Request) {
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		h.reject(rw, "rate_limited", http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
		return
	}

	// If an API key is configured, ensure the request has a matching key.
	if len(h.args.APIKey) > 0 {
		apiHeader := req.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(apiHeader), []byte(h.args.APIKey)) == 0 {
			h.reject(rw, "unauthorized", http.StatusUnauthorized, "API key not provided or incorrect")
			return
		}
	}

	projectID, err := strconv.ParseInt(mux.Vars(req)["project"], 10, 64)
	if err != nil {
		h.reject(rw, "bad_request", http.StatusBadRequest, "invalid project id")
		return
	}

	// Validate content length.
	if h.args.MaxAllowedPayloadSize > 0 && req.ContentLength > int64(h.args.MaxAllowedPayloadSize) {
		h.reject(rw, "too_large", http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
		return
	}

	body := io.Reader(req.Body)
	if h.args.MaxAllowedPayloadSize > 0 {
		// Content-Length may be missing for chunked requests.
		body = http.MaxBytesReader(rw, req.Body, int64(h.args.MaxAllowedPayloadSize))
	}

	buf, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.reject(rw, "too_large", http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
			return
		}
		h.reject(rw, "bad_request", http.StatusBadRequest, err.Error())
		return
	}

	ev, err := event.Unmarshal(buf)
	if err != nil {
		h.reject(rw, "bad_request", http.StatusBadRequest, err.Error())
		return
	}
	ev.Project = projectID

	start := time.Now()
	outcome, err := h.processor.Process(req.Context(), ev)
	switch {
	case errors.Is(err, project.ErrNotFound):
		h.reject(rw, "unknown_project", http.StatusNotFound, fmt.Sprintf("project %d not found", projectID))
		return
	case err != nil:
		level.Error(h.log).Log("msg", "failed to process event", "project", projectID, "event_id", ev.EventID, "err", err)
		h.reject(rw, "process_failed", http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	level.Debug(h.log).Log("msg", "processed event", "project", projectID, "event_id", ev.EventID, "outcome", outcome, "duration", time.Since(start))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(rw).Encode(Response{Outcome: outcome.String(), Event: ev}); err != nil {
		level.Warn(h.log).Log("msg", "failed to write response", "err", err)
	}
}

func (h *handler) reject(rw http.ResponseWriter, reason string, code int, msg string) {
	h.errorsTotal.WithLabelValues(reason).Inc()
	http.Error(rw, msg, code)
}

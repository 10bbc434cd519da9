package receiver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/instrument"
	"github.com/grafana/dskit/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverMetrics struct {
	requestDuration  *prometheus.HistogramVec
	rxMessageSize    *prometheus.HistogramVec
	txMessageSize    *prometheus.HistogramVec
	inflightRequests *prometheus.GaugeVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackproc_request_duration_seconds",
			Help:    "Time (in seconds) spent serving HTTP requests.",
			Buckets: instrument.DefBuckets,
		}, []string{"method", "route", "status_code", "ws"}),

		rxMessageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackproc_request_message_bytes",
			Help:    "Size (in bytes) of messages received in the request.",
			Buckets: middleware.BodySizeBuckets,
		}, []string{"method", "route"}),

		txMessageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackproc_response_message_bytes",
			Help:    "Size (in bytes) of messages sent in response.",
			Buckets: middleware.BodySizeBuckets,
		}, []string{"method", "route"}),

		inflightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackproc_inflight_requests",
			Help: "Current number of inflight requests.",
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requestDuration, m.rxMessageSize, m.txMessageSize, m.inflightRequests)

	return m
}

// Server is the HTTP server events are stored through. Server is not
// dynamically updatable. To update Server, shut down the old server and
// start a new one.
type Server struct {
	log      log.Logger
	args     ServerConfig
	handler  http.Handler
	gatherer prometheus.Gatherer
	metrics  *serverMetrics
}

// NewServer creates a Server which runs events through p. Metrics of the
// server are registered to reg and everything in gatherer is exposed on
// /metrics.
func NewServer(l log.Logger, args ServerConfig, reg prometheus.Registerer, gatherer prometheus.Gatherer, p Processor) *Server {
	return &Server{
		log:      log.With(l, "component", "receiver"),
		args:     args,
		handler:  newHandler(l, reg, args, p),
		gatherer: gatherer,
		metrics:  newServerMetrics(reg),
	}
}

// Handler returns the instrumented router of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/api/{project:[0-9]+}/store", s.handler).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.HandleFunc("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mw := middleware.Instrument{
		RouteMatcher:     r,
		Duration:         s.metrics.requestDuration,
		RequestBodySize:  s.metrics.rxMessageSize,
		ResponseBodySize: s.metrics.txMessageSize,
		InflightRequests: s.metrics.inflightRequests,
	}
	return mw.Wrap(r)
}

// Run serves HTTP until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.args.Host, s.args.Port))
	if err != nil {
		return fmt.Errorf("listening for store requests: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves HTTP on lis until ctx is canceled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(s.log).Log("msg", "starting server", "addr", lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		level.Info(s.log).Log("msg", "terminating server")

		if err := srv.Shutdown(ctx); err != nil {
			level.Error(s.log).Log("msg", "failed to gracefully terminate server", "err", err)
		}

	case err := <-errCh:
		return err
	}

	return nil
}

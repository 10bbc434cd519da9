// Package queue processes events consumed from NATS.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/stacktraces"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeHeader is the header carrying the outcome of processing on
// published events.
const OutcomeHeader = "Stackproc-Outcome"

// drainTimeout bounds the time spent on buffered messages at shutdown.
const drainTimeout = 10 * time.Second

// DefaultConfig holds the default queue settings. The worker is disabled
// while URL is empty.
var DefaultConfig = Config{
	InputSubject:  "stackproc.events.raw",
	OutputSubject: "stackproc.events.processed",
	QueueGroup:    "stackproc",
	Workers:       4,
}

// Config configures the NATS worker.
type Config struct {
	URL           string `yaml:"url,omitempty"`
	InputSubject  string `yaml:"input_subject,omitempty"`
	OutputSubject string `yaml:"output_subject,omitempty"`
	QueueGroup    string `yaml:"queue_group,omitempty"`
	Workers       int    `yaml:"workers,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig
	type plain Config
	return unmarshal((*plain)(c))
}

// Enabled reports whether a NATS server is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Processor processes a single event in place.
type Processor interface {
	Process(ctx context.Context, ev *event.Event) (stacktraces.Outcome, error)
}

// Worker consumes raw events from the input subject as a member of the
// queue group, processes them and publishes the result to the output
// subject. Messages with a reply subject are also answered directly.
type Worker struct {
	log       log.Logger
	cfg       Config
	processor Processor
	messages  *prometheus.CounterVec
}

// NewWorker creates a Worker.
func NewWorker(l log.Logger, cfg Config, reg prometheus.Registerer, p Processor) *Worker {
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stackproc_queue_messages_total",
		Help: "Total number of consumed queue messages, by result.",
	}, []string{"result"})
	if reg != nil {
		reg.MustRegister(messages)
	}

	return &Worker{
		log:       log.With(l, "component", "queue"),
		cfg:       cfg,
		processor: p,
		messages:  messages,
	}
}

// Run consumes messages until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	nc, err := nats.Connect(w.cfg.URL,
		nats.Name("stackproc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			level.Warn(w.log).Log("msg", "disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			level.Info(w.log).Log("msg", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", w.cfg.URL, err)
	}
	defer nc.Close()

	workers := w.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan *nats.Msg, 64*workers)
	sub, err := nc.ChanQueueSubscribe(w.cfg.InputSubject, w.cfg.QueueGroup, msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", w.cfg.InputSubject, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	level.Info(w.log).Log("msg", "consuming events", "subject", w.cfg.InputSubject, "queue_group", w.cfg.QueueGroup, "workers", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					w.handle(ctx, nc, msg)
				}
			}
		}()
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		level.Warn(w.log).Log("msg", "failed to unsubscribe", "err", err)
	}
	wg.Wait()

	// Messages delivered before unsubscribing are not redelivered by NATS.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	w.drain(drainCtx, nc, msgs)
	if err := nc.FlushTimeout(drainTimeout); err != nil {
		level.Warn(w.log).Log("msg", "failed to flush published events", "err", err)
	}
	return nil
}

// drain handles the messages left in msgs. Once ctx is done the remaining
// messages are counted as dropped.
func (w *Worker) drain(ctx context.Context, nc *nats.Conn, msgs <-chan *nats.Msg) {
	for {
		select {
		case msg := <-msgs:
			if ctx.Err() != nil {
				level.Warn(w.log).Log("msg", "dropping event on shutdown", "subject", msg.Subject)
				w.messages.WithLabelValues("dropped").Inc()
				continue
			}
			w.handle(ctx, nc, msg)
		default:
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, nc *nats.Conn, msg *nats.Msg) {
	ev, err := event.Unmarshal(msg.Data)
	if err != nil {
		level.Warn(w.log).Log("msg", "dropping invalid event", "subject", msg.Subject, "err", err)
		w.messages.WithLabelValues("invalid").Inc()
		return
	}

	outcome, err := w.processor.Process(ctx, ev)
	switch {
	case errors.Is(err, project.ErrNotFound):
		level.Warn(w.log).Log("msg", "dropping event of unknown project", "project", ev.Project, "event_id", ev.EventID)
		w.messages.WithLabelValues("unknown_project").Inc()
		return
	case err != nil:
		level.Error(w.log).Log("msg", "failed to process event", "project", ev.Project, "event_id", ev.EventID, "err", err)
		w.messages.WithLabelValues("failed").Inc()
		return
	}

	data, err := event.Marshal(ev)
	if err != nil {
		level.Error(w.log).Log("msg", "failed to encode event", "event_id", ev.EventID, "err", err)
		w.messages.WithLabelValues("failed").Inc()
		return
	}

	out := nats.NewMsg(w.cfg.OutputSubject)
	out.Header.Set(OutcomeHeader, outcome.String())
	out.Data = data
	if err := nc.PublishMsg(out); err != nil {
		level.Error(w.log).Log("msg", "failed to publish event", "subject", w.cfg.OutputSubject, "event_id", ev.EventID, "err", err)
		w.messages.WithLabelValues("failed").Inc()
		return
	}

	if msg.Reply != "" {
		reply := nats.NewMsg(msg.Reply)
		reply.Header.Set(OutcomeHeader, outcome.String())
		reply.Data = data
		if err := nc.PublishMsg(reply); err != nil {
			level.Warn(w.log).Log("msg", "failed to reply", "event_id", ev.EventID, "err", err)
		}
	}
	w.messages.WithLabelValues(outcome.String()).Inc()
}

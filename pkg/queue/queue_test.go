package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/stacktraces"
	"github.com/grafana/stackproc/pkg/util"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv.ClientURL()
}

type testProcessor struct{}

func (testProcessor) Process(_ context.Context, ev *event.Event) (stacktraces.Outcome, error) {
	switch ev.Project {
	case 1:
		ev.Release = "processed"
		return stacktraces.OutcomeMutated, nil
	case 2:
		return stacktraces.OutcomeNoChanges, nil
	case 3:
		return stacktraces.OutcomeUnprocessed, fmt.Errorf("resolving project 3: %w", project.ErrNotFound)
	default:
		return stacktraces.OutcomeUnprocessed, errors.New("boom")
	}
}

func startWorker(t *testing.T, url string) (*Worker, *nats.Conn) {
	t.Helper()

	cfg := DefaultConfig
	cfg.URL = url
	w := NewWorker(util.TestLogger(t), cfg, prometheus.NewRegistry(), testProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	// Wait for the worker to subscribe.
	require.Eventually(t, func() bool {
		_, err := nc.Request(cfg.InputSubject, []byte(`{"project":2}`), time.Second)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return w, nc
}

func TestWorker(t *testing.T) {
	_, nc := startWorker(t, startTestNATS(t))

	out, err := nc.SubscribeSync(DefaultConfig.OutputSubject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	resp, err := nc.Request(DefaultConfig.InputSubject, []byte(`{"event_id":"e1","project":1}`), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "mutated", resp.Header.Get(OutcomeHeader))

	ev, err := event.Unmarshal(resp.Data)
	require.NoError(t, err)
	require.Equal(t, "e1", ev.EventID)
	require.Equal(t, "processed", ev.Release)

	published, err := out.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "mutated", published.Header.Get(OutcomeHeader))
	require.JSONEq(t, string(resp.Data), string(published.Data))

	require.NoError(t, nc.Publish(DefaultConfig.InputSubject, []byte(`{"event_id":"e2","project":2}`)))
	published, err = out.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "no_changes", published.Header.Get(OutcomeHeader))
}

func TestWorker_Drops(t *testing.T) {
	w, nc := startWorker(t, startTestNATS(t))

	out, err := nc.SubscribeSync(DefaultConfig.OutputSubject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	for _, payload := range []string{`not json`, `{"project":3}`, `{"project":4}`} {
		require.NoError(t, nc.Publish(DefaultConfig.InputSubject, []byte(payload)))
	}
	require.NoError(t, nc.Flush())

	// Nothing is forwarded for dropped events.
	_, err = out.NextMsg(200 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)

	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(w.messages.WithLabelValues("invalid")) == 1 &&
			promtestutil.ToFloat64(w.messages.WithLabelValues("unknown_project")) == 1 &&
			promtestutil.ToFloat64(w.messages.WithLabelValues("failed")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func bufferedMessages(payloads ...string) chan *nats.Msg {
	msgs := make(chan *nats.Msg, len(payloads))
	for _, payload := range payloads {
		msgs <- &nats.Msg{Subject: DefaultConfig.InputSubject, Data: []byte(payload)}
	}
	return msgs
}

func TestWorker_DrainsBufferedMessages(t *testing.T) {
	url := startTestNATS(t)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	out, err := nc.SubscribeSync(DefaultConfig.OutputSubject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	w := NewWorker(util.TestLogger(t), DefaultConfig, nil, testProcessor{})
	msgs := bufferedMessages(`{"event_id":"e1","project":1}`, `{"event_id":"e2","project":2}`)

	w.drain(context.Background(), nc, msgs)
	require.NoError(t, nc.Flush())
	require.Empty(t, msgs)

	for _, id := range []string{"e1", "e2"} {
		published, err := out.NextMsg(5 * time.Second)
		require.NoError(t, err)
		ev, err := event.Unmarshal(published.Data)
		require.NoError(t, err)
		require.Equal(t, id, ev.EventID)
	}
	require.Equal(t, 1.0, promtestutil.ToFloat64(w.messages.WithLabelValues("mutated")))
	require.Equal(t, 1.0, promtestutil.ToFloat64(w.messages.WithLabelValues("no_changes")))
}

func TestWorker_DrainCountsDropped(t *testing.T) {
	w := NewWorker(util.TestLogger(t), DefaultConfig, nil, testProcessor{})
	msgs := bufferedMessages(`{"project":1}`, `{"project":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The connection is never used for dropped messages.
	w.drain(ctx, nil, msgs)
	require.Empty(t, msgs)
	require.Equal(t, 2.0, promtestutil.ToFloat64(w.messages.WithLabelValues("dropped")))
	require.Zero(t, promtestutil.ToFloat64(w.messages.WithLabelValues("mutated")))
}

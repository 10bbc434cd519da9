package stacktraces

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testProjects = project.NewStaticStore([]project.Project{{ID: 1, Slug: "app"}})

func newTestPipeline(t *testing.T, reg prometheus.Registerer, timer Timer, plugins ...Plugin) *Pipeline {
	t.Helper()
	r, err := NewRegistry(plugins...)
	require.NoError(t, err)
	return New(Options{
		Logger:     util.TestLogger(t),
		Registry:   r,
		Projects:   testProjects,
		Timer:      timer,
		Registerer: reg,
	})
}

func exceptionEvent(fns ...string) *event.Event {
	return &event.Event{
		Project:  1,
		Platform: "javascript",
		Exception: &event.ExceptionContainer{Values: []*event.Exception{
			{Type: "Error", Stacktrace: &event.Stacktrace{Frames: frames(fns...)}},
		}},
	}
}

func TestPipeline_NoStacktraces(t *testing.T) {
	var (
		timer = &testTimer{}
		proc  = &testProcessor{name: "p"}
		p     = newTestPipeline(t, nil, timer, &testPlugin{name: "p", processors: []*testProcessor{proc}})
	)

	outcome, err := p.Process(context.Background(), &event.Event{Project: 1})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChanges, outcome)
	require.Empty(t, timer.keys)
	require.Zero(t, proc.closed)
}

func TestPipeline_NoProcessors(t *testing.T) {
	var (
		timer = &testTimer{}
		p     = newTestPipeline(t, nil, timer, &testPlugin{name: "empty"})
		ev    = exceptionEvent("a", "b")
	)

	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChanges, outcome)
	require.Empty(t, timer.keys)
	require.Equal(t, exceptionEvent("a", "b"), ev)
}

func TestPipeline_ErrorOnlyScenario(t *testing.T) {
	var (
		timer = &testTimer{}
		proc  = &testProcessor{name: "p", fn: func(_ *event.Frame, _ *Info, reverseIndex int) (*FrameResult, error) {
			if reverseIndex != 0 {
				return nil, nil
			}
			return &FrameResult{Errors: []event.ProcessingError{{Type: "x"}}}, nil
		}}
		p  = newTestPipeline(t, nil, timer, &testPlugin{name: "p", processors: []*testProcessor{proc}})
		ev = exceptionEvent("a", "b", "c")
	)

	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)

	exc := ev.Exception.Values[0]
	require.Equal(t, []string{"a", "b", "c"}, functions(exc.Stacktrace.Frames))
	require.Nil(t, exc.RawStacktrace)
	require.Equal(t, []event.ProcessingError{{Type: "x"}}, ev.Errors)

	require.Equal(t, []string{"sourcemaps.process"}, timer.keys)
	require.Equal(t, []string{"1"}, timer.instances)
	require.Equal(t, 1, proc.closed)
}

func TestPipeline_MergesVariants(t *testing.T) {
	proc := &testProcessor{name: "p", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
		return &FrameResult{
			Processed: []event.Frame{{Function: "new-" + frame.Function}},
			Raw:       []event.Frame{{Function: "raw-" + frame.Function}},
		}, nil
	}}
	p := newTestPipeline(t, nil, nil, &testPlugin{name: "p", processors: []*testProcessor{proc}})

	ev := exceptionEvent("a")
	ev.Stacktrace = &event.Stacktrace{Frames: frames("top"), Lang: "js"}
	ev.Threads = &event.ThreadContainer{Values: []*event.Thread{
		{ID: 1, Stacktrace: &event.Stacktrace{Frames: frames("t")}},
	}}

	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)

	exc := ev.Exception.Values[0]
	require.Equal(t, []string{"new-a"}, functions(exc.Stacktrace.Frames))
	require.Equal(t, []string{"raw-a"}, functions(exc.RawStacktrace.Frames))

	// The top-level stack trace is rewritten in place but has nowhere to
	// keep a raw variant.
	require.Equal(t, []string{"new-top"}, functions(ev.Stacktrace.Frames))
	require.Equal(t, "js", ev.Stacktrace.Lang)

	thread := ev.Threads.Values[0]
	require.Equal(t, []string{"new-t"}, functions(thread.Stacktrace.Frames))
	require.Equal(t, []string{"raw-t"}, functions(thread.RawStacktrace.Frames))
}

func TestPipeline_FixedPoint(t *testing.T) {
	proc := &testProcessor{name: "p", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
		if strings.HasPrefix(frame.Function, "new-") {
			return nil, nil
		}
		return &FrameResult{Processed: []event.Frame{{Function: "new-" + frame.Function}}}, nil
	}}
	p := newTestPipeline(t, nil, nil, &testPlugin{name: "p", processors: []*testProcessor{proc}})

	ev := exceptionEvent("a", "b")
	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)

	outcome, err = p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChanges, outcome)
	require.Equal(t, []string{"new-a", "new-b"}, functions(ev.Exception.Values[0].Stacktrace.Frames))
}

func TestPipeline_PreprocessMarksMutated(t *testing.T) {
	var (
		proc = &testProcessor{name: "p", preprocess: true}
		p    = newTestPipeline(t, nil, nil, &testPlugin{name: "p", processors: []*testProcessor{proc}})
	)

	outcome, err := p.Process(context.Background(), exceptionEvent("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)
	require.Equal(t, 1, proc.closed)
}

func TestPipeline_PreprocessPanicIsIsolated(t *testing.T) {
	var (
		reg     = prometheus.NewRegistry()
		broken  = &testProcessor{name: "broken", preprocessPanic: "boom"}
		healthy = &testProcessor{name: "healthy", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			return &FrameResult{Processed: []event.Frame{{Function: "new-" + frame.Function}}}, nil
		}}
		p = newTestPipeline(t, reg, nil,
			&testPlugin{name: "broken", processors: []*testProcessor{broken}},
			&testPlugin{name: "healthy", processors: []*testProcessor{healthy}},
		)
		ev = exceptionEvent("a")
	)

	var (
		outcome Outcome
		err     error
	)
	require.NotPanics(t, func() {
		outcome, err = p.Process(context.Background(), ev)
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)
	require.Equal(t, []string{"new-a"}, functions(ev.Exception.Values[0].Stacktrace.Frames))
	require.Equal(t, 1, broken.closed)
	require.Equal(t, 1, healthy.closed)
	require.Equal(t, 1.0, promtestutil.ToFloat64(p.metrics.processorFaults.WithLabelValues("broken")))
}

func TestPipeline_PreprocessPanicIsNoChange(t *testing.T) {
	var (
		broken = &testProcessor{name: "broken", preprocessPanic: "boom"}
		p      = newTestPipeline(t, nil, nil, &testPlugin{name: "broken", processors: []*testProcessor{broken}})
	)

	outcome, err := p.Process(context.Background(), exceptionEvent("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChanges, outcome)
	require.Equal(t, 1, broken.closed)
}

func TestPipeline_ClosesOnPanic(t *testing.T) {
	var (
		proc = &testProcessor{name: "p"}
		p    = newTestPipeline(t, nil, nil, &testPlugin{name: "p", processors: []*testProcessor{proc}})
	)

	// An Info whose stack trace is nil can not be processed; the close
	// hooks must still run.
	require.Panics(t, func() {
		p.run(context.Background(), &event.Event{}, []*Info{{}}, named(proc))
	})
	require.Equal(t, 1, proc.closed)
}

func TestPipeline_FaultsAreCounted(t *testing.T) {
	var (
		reg    = prometheus.NewRegistry()
		broken = &testProcessor{name: "broken", fn: func(*event.Frame, *Info, int) (*FrameResult, error) {
			return nil, errBroken
		}}
		p = newTestPipeline(t, reg, nil, &testPlugin{name: "broken", processors: []*testProcessor{broken}})
	)

	ev := exceptionEvent("a", "b")
	ev.Threads = &event.ThreadContainer{Values: []*event.Thread{
		{Stacktrace: &event.Stacktrace{Frames: frames("c")}},
	}}

	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChanges, outcome)
	require.Equal(t, 1, broken.closed)

	expect := `
		# HELP stackproc_processor_faults_total Total number of failed or panicking processor calls.
		# TYPE stackproc_processor_faults_total counter
		stackproc_processor_faults_total{processor="broken"} 3

		# HELP stackproc_runs_total Total number of processing runs by outcome.
		# TYPE stackproc_runs_total counter
		stackproc_runs_total{outcome="no_changes"} 1
	`
	require.NoError(t, promtestutil.CollectAndCompare(reg, strings.NewReader(expect),
		"stackproc_processor_faults_total", "stackproc_runs_total"))
}

func TestPipeline_AcquisitionFaultsAreIsolated(t *testing.T) {
	var (
		reg  = prometheus.NewRegistry()
		good = &testProcessor{name: "good", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			return &FrameResult{Processed: []event.Frame{{Function: "good-" + frame.Function}}}, nil
		}}
		p = newTestPipeline(t, reg, nil,
			&testPlugin{name: "failing", err: errors.New("no processors today")},
			&testPlugin{name: "panicking", panics: true},
			&testPlugin{name: "good", processors: []*testProcessor{good}},
		)
	)

	ev := exceptionEvent("a")
	outcome, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)
	require.Equal(t, []string{"good-a"}, functions(ev.Exception.Values[0].Stacktrace.Frames))

	expect := `
		# HELP stackproc_acquisition_faults_total Total number of plugins which failed to supply or construct processors.
		# TYPE stackproc_acquisition_faults_total counter
		stackproc_acquisition_faults_total{plugin="failing"} 1
		stackproc_acquisition_faults_total{plugin="panicking"} 1
	`
	require.NoError(t, promtestutil.CollectAndCompare(reg, strings.NewReader(expect), "stackproc_acquisition_faults_total"))
}

type ctorPlugin struct {
	ctors []NewProcessorFunc
}

func (p *ctorPlugin) Name() string { return "ctors" }

func (p *ctorPlugin) StacktraceProcessors(*event.Event, []*Info, map[string]struct{}) ([]NewProcessorFunc, error) {
	return p.ctors, nil
}

func TestPipeline_ConstructorFailures(t *testing.T) {
	var (
		gotProject *project.Project
		good       = &testProcessor{name: "good", preprocess: true}
	)
	plugin := &ctorPlugin{ctors: []NewProcessorFunc{
		func(*event.Event, []*Info, *project.Project) (Processor, error) {
			return nil, errors.New("constructor failed")
		},
		func(*event.Event, []*Info, *project.Project) (Processor, error) {
			panic("constructor panicked")
		},
		func(*event.Event, []*Info, *project.Project) (Processor, error) {
			return nil, nil
		},
		func(_ *event.Event, _ []*Info, proj *project.Project) (Processor, error) {
			gotProject = proj
			return good, nil
		},
	}}
	p := newTestPipeline(t, nil, nil, plugin)

	outcome, err := p.Process(context.Background(), exceptionEvent("a"))
	require.NoError(t, err)
	require.Equal(t, OutcomeMutated, outcome)
	require.Equal(t, "app", gotProject.Slug)
	require.Equal(t, 1, good.closed)
}

func TestPipeline_UnknownProject(t *testing.T) {
	var (
		timer = &testTimer{}
		proc  = &testProcessor{name: "p"}
		p     = newTestPipeline(t, nil, timer, &testPlugin{name: "p", processors: []*testProcessor{proc}})
	)

	ev := exceptionEvent("a")
	ev.Project = 99

	outcome, err := p.Process(context.Background(), ev)
	require.ErrorIs(t, err, project.ErrNotFound)
	require.Equal(t, OutcomeUnprocessed, outcome)
	require.Empty(t, timer.keys)
}

func TestPipeline_ShouldProcess(t *testing.T) {
	p := newTestPipeline(t, nil, nil,
		&testPlugin{name: "empty"},
		&testPlugin{name: "p", processors: []*testProcessor{{name: "p"}}},
	)
	require.True(t, p.ShouldProcess(exceptionEvent("a")))

	p = newTestPipeline(t, nil, nil, &testPlugin{name: "empty"}, &testPlugin{name: "broken", panics: true})
	require.False(t, p.ShouldProcess(exceptionEvent("a")))
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "unprocessed", OutcomeUnprocessed.String())
	require.Equal(t, "no_changes", OutcomeNoChanges.String())
	require.Equal(t, "mutated", OutcomeMutated.String())
	require.Equal(t, "Outcome(7)", Outcome(7).String())
}

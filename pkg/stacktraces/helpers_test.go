package stacktraces

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
)

// call records a single ProcessFrame invocation.
type call struct {
	processor    string
	function     string
	reverseIndex int
}

type callLog struct {
	mut   sync.Mutex
	calls []call
}

func (l *callLog) add(c call) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.calls = append(l.calls, c)
}

func (l *callLog) forFunction(fn string) []string {
	l.mut.Lock()
	defer l.mut.Unlock()
	var res []string
	for _, c := range l.calls {
		if c.function == fn {
			res = append(res, c.processor)
		}
	}
	return res
}

type frameFunc func(frame *event.Frame, info *Info, reverseIndex int) (*FrameResult, error)

// testProcessor is a Processor driven by a function.
type testProcessor struct {
	name       string
	log        *callLog
	fn         frameFunc
	preprocess bool
	// preprocessPanic makes PreprocessRelatedData panic with this value.
	preprocessPanic interface{}
	closed          int
}

func (p *testProcessor) PreprocessRelatedData(context.Context) bool {
	if p.preprocessPanic != nil {
		panic(p.preprocessPanic)
	}
	return p.preprocess
}

func (p *testProcessor) ProcessFrame(_ context.Context, frame *event.Frame, info *Info, reverseIndex int) (*FrameResult, error) {
	if p.log != nil {
		p.log.add(call{processor: p.name, function: frame.Function, reverseIndex: reverseIndex})
	}
	if p.fn == nil {
		return nil, nil
	}
	return p.fn(frame, info, reverseIndex)
}

func (p *testProcessor) Close() { p.closed++ }

func named(ps ...*testProcessor) []NamedProcessor {
	res := make([]NamedProcessor, len(ps))
	for i, p := range ps {
		res[i] = NamedProcessor{Name: p.name, Processor: p}
	}
	return res
}

// testPlugin supplies a fixed set of processors.
type testPlugin struct {
	name       string
	processors []*testProcessor
	err        error
	panics     bool
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) StacktraceProcessors(*event.Event, []*Info, map[string]struct{}) ([]NewProcessorFunc, error) {
	if p.panics {
		panic("plugin exploded")
	}
	if p.err != nil {
		return nil, p.err
	}
	ctors := make([]NewProcessorFunc, len(p.processors))
	for i, proc := range p.processors {
		proc := proc
		ctors[i] = func(*event.Event, []*Info, *project.Project) (Processor, error) {
			return proc, nil
		}
	}
	return ctors, nil
}

// testTimer records observed keys.
type testTimer struct {
	mut       sync.Mutex
	keys      []string
	instances []string
}

func (t *testTimer) ObserveDuration(key, instance string, _ time.Duration) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.keys = append(t.keys, key)
	t.instances = append(t.instances, instance)
}

var errBroken = errors.New("processor is broken")

func frames(fns ...string) []event.Frame {
	res := make([]event.Frame, len(fns))
	for i, fn := range fns {
		res[i] = event.Frame{Function: fn}
	}
	return res
}

func functions(fs []event.Frame) []string {
	res := make([]string, len(fs))
	for i, f := range fs {
		res[i] = f.Function
	}
	return res
}

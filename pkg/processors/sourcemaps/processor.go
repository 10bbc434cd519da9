// Package sourcemaps rewrites minified JavaScript frames to their original
// source locations.
package sourcemaps

import (
	"context"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/stacktraces"
)

// Name is the name the plugin is registered under.
const Name = "sourcemaps"

// Platform is the platform whose frames are rewritten.
const Platform = "javascript"

// Error types reported on events.
const (
	ErrorNoSource              = "js_no_source"
	ErrorFetch                 = "js_fetch_error"
	ErrorInvalidSourcePosition = "js_invalid_source_position"
)

// DataSourceMap is the frame data key recording the source map a frame was
// mapped with.
const DataSourceMap = "sourcemap"

var defaultPlugin = &Plugin{
	log:   log.NewNopLogger(),
	store: &varStore{},
}

func init() {
	stacktraces.Register(defaultPlugin)
}

// Configure sets the store and logger used by the registered plugin. Until
// it is called the plugin does not supply any processor.
func Configure(l log.Logger, store SourceMapStore) {
	defaultPlugin.log = l
	defaultPlugin.store.(*varStore).SetInner(store)
}

// Plugin supplies source map processors for events with JavaScript frames.
type Plugin struct {
	log   log.Logger
	store SourceMapStore
}

var _ stacktraces.Plugin = (*Plugin)(nil)

// NewPlugin returns a Plugin which resolves source maps from store.
func NewPlugin(l log.Logger, store SourceMapStore) *Plugin {
	return &Plugin{log: l, store: store}
}

// Name implements stacktraces.Plugin.
func (p *Plugin) Name() string { return Name }

// StacktraceProcessors implements stacktraces.Plugin.
func (p *Plugin) StacktraceProcessors(_ *event.Event, _ []*stacktraces.Info, platforms map[string]struct{}) ([]stacktraces.NewProcessorFunc, error) {
	if _, ok := platforms[Platform]; !ok {
		return nil, nil
	}
	if vs, ok := p.store.(*varStore); ok && !vs.configured() {
		return nil, nil
	}
	return []stacktraces.NewProcessorFunc{p.newProcessor}, nil
}

func (p *Plugin) newProcessor(ev *event.Event, infos []*stacktraces.Info, proj *project.Project) (stacktraces.Processor, error) {
	return &processor{
		BaseProcessor: stacktraces.NewBaseProcessor(ev, infos, proj),
		log:           log.With(p.log, "project", proj.Slug, "release", ev.Release),
		store:         p.store,
		maps:          make(map[string]lookup),
		reported:      make(map[string]bool),
	}, nil
}

type lookup struct {
	sm  *SourceMap
	err error
}

// processor is bound to a single event. It remembers source map lookups so
// each file is only resolved once per event.
type processor struct {
	stacktraces.BaseProcessor

	log   log.Logger
	store SourceMapStore

	maps     map[string]lookup
	reported map[string]bool
}

// handles reports whether the frame can be mapped at all. Frames which were
// already mapped point at original sources and are left alone.
func (p *processor) handles(frame *event.Frame) bool {
	if _, mapped := frame.Data[DataSourceMap]; mapped {
		return false
	}
	return p.EffectivePlatform(frame) == Platform && frame.AbsPath != "" && frame.Lineno > 0
}

func (p *processor) resolve(ctx context.Context, absPath string) lookup {
	if l, ok := p.maps[absPath]; ok {
		return l
	}
	sm, err := p.store.GetSourceMap(ctx, absPath, p.Event.Release)
	l := lookup{sm: sm, err: err}
	p.maps[absPath] = l
	return l
}

// PreprocessRelatedData fetches the source maps of every JavaScript frame up
// front. It never changes the event.
func (p *processor) PreprocessRelatedData(ctx context.Context) bool {
	for _, info := range p.Infos {
		for i := range info.Stacktrace.Frames {
			if frame := &info.Stacktrace.Frames[i]; p.handles(frame) {
				p.resolve(ctx, frame.AbsPath)
			}
		}
	}
	return false
}

// ProcessFrame maps a minified frame to its original location.
func (p *processor) ProcessFrame(ctx context.Context, frame *event.Frame, _ *stacktraces.Info, _ int) (*stacktraces.FrameResult, error) {
	if !p.handles(frame) {
		return nil, nil
	}

	l := p.resolve(ctx, frame.AbsPath)
	switch {
	case l.err != nil:
		level.Debug(p.log).Log("msg", "failed to resolve source map", "url", frame.AbsPath, "err", l.err)
		return p.reportOnce(frame.AbsPath, event.ProcessingError{
			Type:  ErrorFetch,
			Value: frame.AbsPath,
			Data:  map[string]interface{}{"error": l.err.Error()},
		}), nil

	case l.sm == nil:
		if !strings.HasPrefix(frame.AbsPath, "http") {
			return nil, nil
		}
		return p.reportOnce(frame.AbsPath, event.ProcessingError{
			Type:  ErrorNoSource,
			Value: frame.AbsPath,
		}), nil
	}

	file, function, line, col, ok := l.sm.Consumer.Source(frame.Lineno, frame.Colno)
	if !ok {
		return &stacktraces.FrameResult{Errors: []event.ProcessingError{{
			Type:  ErrorInvalidSourcePosition,
			Value: frame.AbsPath,
			Data:  map[string]interface{}{"row": frame.Lineno, "column": frame.Colno, "sourcemap": l.sm.URL},
		}}}, nil
	}

	mapped := frame.Clone()
	mapped.AbsPath = file
	mapped.Filename = file
	mapped.Lineno = line
	mapped.Colno = col
	// go-sourcemap often fails to determine the original function name;
	// the minified one is better than nothing.
	if function != "" {
		mapped.Function = function
	}
	mapped.SetData(DataSourceMap, l.sm.URL)

	return &stacktraces.FrameResult{
		Processed: []event.Frame{mapped},
		Raw:       []event.Frame{frame.Clone()},
	}, nil
}

// reportOnce claims the frame with err the first time url fails and leaves
// later frames of the same file to other processors.
func (p *processor) reportOnce(url string, err event.ProcessingError) *stacktraces.FrameResult {
	if p.reported[url] {
		return nil
	}
	p.reported[url] = true
	return &stacktraces.FrameResult{Errors: []event.ProcessingError{err}}
}

// Close drops the lookups made during the run.
func (p *processor) Close() {
	p.maps = nil
	p.reported = nil
}

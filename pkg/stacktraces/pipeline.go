// Package stacktraces finds the stack traces of an event and runs them
// through an ordered chain of frame processors.
package stacktraces

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome describes the result of processing an event.
type Outcome int

const (
	// OutcomeUnprocessed is the zero value. A finished run never reports it.
	OutcomeUnprocessed Outcome = iota
	// OutcomeNoChanges means processing ran and left the event untouched.
	OutcomeNoChanges
	// OutcomeMutated means the event was modified.
	OutcomeMutated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnprocessed:
		return "unprocessed"
	case OutcomeNoChanges:
		return "no_changes"
	case OutcomeMutated:
		return "mutated"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Options configure a Pipeline.
type Options struct {
	// Logger receives processor faults. Defaults to a no-op logger.
	Logger log.Logger
	// Registry supplies the processors. Defaults to the global registry.
	Registry *Registry
	// Projects resolves the project of an event. Required.
	Projects project.Getter
	// MetricKeys picks the timer key of a run. Defaults to DefaultMetricKeys.
	MetricKeys *MetricKeys
	// Timer records run durations. Defaults to discarding them.
	Timer Timer
	// Registerer is used for the pipeline's own metrics. Optional.
	Registerer prometheus.Registerer
}

// Pipeline processes the stack traces of events. A Pipeline is safe for
// concurrent use as long as every call passes a distinct event.
type Pipeline struct {
	log      log.Logger
	registry *Registry
	projects project.Getter
	keys     MetricKeys
	timer    Timer
	metrics  *pipelineMetrics
}

// New creates a Pipeline.
func New(o Options) *Pipeline {
	p := &Pipeline{
		log:      o.Logger,
		registry: o.Registry,
		projects: o.Projects,
		keys:     DefaultMetricKeys,
		timer:    o.Timer,
		metrics:  newPipelineMetrics(o.Registerer),
	}
	if p.log == nil {
		p.log = log.NewNopLogger()
	}
	if p.registry == nil {
		p.registry = Registered()
	}
	if o.MetricKeys != nil {
		p.keys = *o.MetricKeys
	}
	if p.timer == nil {
		p.timer = nopTimer{}
	}
	return p
}

// ShouldProcess reports whether any plugin wants to process ev.
func (p *Pipeline) ShouldProcess(ev *event.Event) bool {
	infos := Find(ev)
	platforms := Platforms(infos)
	for _, plugin := range p.registry.Plugins() {
		if len(p.supply(plugin, ev, infos, platforms)) > 0 {
			return true
		}
	}
	return false
}

// Process runs every processor over every stack trace of ev and merges the
// results back into ev.
//
// The returned error is only set if the project of ev could not be
// resolved; failures of individual processors are logged and absorbed.
func (p *Pipeline) Process(ctx context.Context, ev *event.Event) (Outcome, error) {
	infos := Find(ev)

	start := time.Now()
	processors, err := p.acquire(ctx, ev, infos)
	if err != nil {
		return OutcomeUnprocessed, err
	}

	// Don't record a timer for events nobody wants to process.
	if len(processors) == 0 {
		p.metrics.runs.WithLabelValues(OutcomeNoChanges.String()).Inc()
		return OutcomeNoChanges, nil
	}

	changed := p.run(ctx, ev, infos, processors)
	p.timer.ObserveDuration(p.keys.Key(infos), strconv.FormatInt(ev.Project, 10), time.Since(start))

	outcome := OutcomeNoChanges
	if changed {
		outcome = OutcomeMutated
	}
	p.metrics.runs.WithLabelValues(outcome.String()).Inc()
	return outcome, nil
}

// run drives the processors over infos and reports whether ev changed.
func (p *Pipeline) run(ctx context.Context, ev *event.Event, infos []*Info, processors []NamedProcessor) (changed bool) {
	defer func() {
		for _, np := range processors {
			p.closeProcessor(np)
		}
	}()

	for _, np := range processors {
		if p.preprocess(ctx, ev, np) {
			changed = true
		}
	}

	for _, info := range infos {
		res := ProcessStacktrace(ctx, info, processors)
		p.reportFaults(ev, res.Faults)

		if res.Processed != nil {
			*info.Stacktrace = *res.Processed
			changed = true
		}
		// The top-level stack trace has no container to hold a raw variant.
		if res.Raw != nil && info.Container != nil {
			info.Container.AttachRawStacktrace(res.Raw)
			changed = true
		}
		if len(res.Errors) > 0 {
			ev.AppendErrors(res.Errors...)
			changed = true
		}
	}
	return changed
}

func (p *Pipeline) reportFaults(ev *event.Event, faults []Fault) {
	for _, f := range faults {
		p.metrics.processorFaults.WithLabelValues(f.Processor).Inc()
		level.Error(p.log).Log(
			"msg", "failed to process frame",
			"processor", f.Processor,
			"event_id", ev.EventID,
			"reverse_index", f.ReverseIndex,
			"err", f.Err,
		)
	}
}

// preprocess runs the preprocess hook of np. A panicking hook counts as a
// processor fault and as no change.
func (p *Pipeline) preprocess(ctx context.Context, ev *event.Event, np NamedProcessor) (changed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.processorFaults.WithLabelValues(np.Name).Inc()
			level.Error(p.log).Log("msg", "processor panicked preprocessing related data", "processor", np.Name, "event_id", ev.EventID, "err", fmt.Sprint(r))
			changed = false
		}
	}()
	return np.Processor.PreprocessRelatedData(ctx)
}

func (p *Pipeline) closeProcessor(np NamedProcessor) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(p.log).Log("msg", "processor panicked on close", "processor", np.Name, "err", fmt.Sprint(r))
		}
	}()
	np.Processor.Close()
}

// acquire builds the processors for a run. Plugins which fail are skipped.
func (p *Pipeline) acquire(ctx context.Context, ev *event.Event, infos []*Info) ([]NamedProcessor, error) {
	if len(infos) == 0 {
		return nil, nil
	}

	type supplied struct {
		plugin string
		ctors  []NewProcessorFunc
	}
	var (
		platforms = Platforms(infos)
		all       []supplied
		total     int
	)
	for _, plugin := range p.registry.Plugins() {
		ctors := p.supply(plugin, ev, infos, platforms)
		if len(ctors) > 0 {
			all = append(all, supplied{plugin: plugin.Name(), ctors: ctors})
			total += len(ctors)
		}
	}
	if total == 0 {
		return nil, nil
	}

	proj, err := p.projects.Get(ctx, ev.Project)
	if err != nil {
		return nil, fmt.Errorf("resolving project %d: %w", ev.Project, err)
	}

	processors := make([]NamedProcessor, 0, total)
	for _, s := range all {
		for _, ctor := range s.ctors {
			proc, err := p.construct(ctor, ev, infos, proj)
			if err != nil {
				p.metrics.acquisitionFaults.WithLabelValues(s.plugin).Inc()
				level.Error(p.log).Log("msg", "failed to create stacktrace processor", "plugin", s.plugin, "err", err)
				continue
			}
			processors = append(processors, NamedProcessor{Name: s.plugin, Processor: proc})
		}
	}
	return processors, nil
}

// supply asks plugin for processor constructors, absorbing failures.
func (p *Pipeline) supply(plugin Plugin, ev *event.Event, infos []*Info, platforms map[string]struct{}) (ctors []NewProcessorFunc) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.acquisitionFaults.WithLabelValues(plugin.Name()).Inc()
			level.Error(p.log).Log("msg", "plugin panicked supplying stacktrace processors", "plugin", plugin.Name(), "err", fmt.Sprint(r))
			ctors = nil
		}
	}()

	ctors, err := plugin.StacktraceProcessors(ev, infos, platforms)
	if err != nil {
		p.metrics.acquisitionFaults.WithLabelValues(plugin.Name()).Inc()
		level.Error(p.log).Log("msg", "failed to get stacktrace processors", "plugin", plugin.Name(), "err", err)
		return nil
	}
	return ctors
}

func (p *Pipeline) construct(ctor NewProcessorFunc, ev *event.Event, infos []*Info, proj *project.Project) (proc Processor, err error) {
	defer func() {
		if r := recover(); r != nil {
			proc, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	proc, err = ctor(ev, infos, proj)
	if err == nil && proc == nil {
		err = fmt.Errorf("constructor returned no processor")
	}
	return proc, err
}

package stacktraces

import (
	"context"

	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
)

// Processor inspects and rewrites the frames of an event. A Processor is
// created for a single run and is never shared between runs, so it may keep
// state between calls.
type Processor interface {
	// PreprocessRelatedData is called once before any frame is processed. It
	// returns true if it modified the event.
	PreprocessRelatedData(ctx context.Context) bool

	// ProcessFrame is called for each frame until a processor returns a
	// non-nil result. reverseIndex counts frames from the innermost one,
	// which gets 0.
	//
	// Returning (nil, nil) means the processor has no opinion on the frame.
	// A non-nil error is logged and treated as no opinion.
	ProcessFrame(ctx context.Context, frame *event.Frame, info *Info, reverseIndex int) (*FrameResult, error)

	// Close releases resources held by the processor. It is always called
	// at the end of a run.
	Close()
}

// FrameResult is the outcome of a processor claiming a frame.
//
// A nil Processed or Raw leaves that variant of the frame untouched. A
// non-nil slice replaces the frame in that variant, so an empty non-nil
// slice drops it.
type FrameResult struct {
	Processed []event.Frame
	Raw       []event.Frame
	Errors    []event.ProcessingError
}

// NewProcessorFunc creates a Processor bound to one run over ev.
type NewProcessorFunc func(ev *event.Event, infos []*Info, proj *project.Project) (Processor, error)

// NamedProcessor is a Processor together with the name of the plugin which
// supplied it.
type NamedProcessor struct {
	Name      string
	Processor Processor
}

// BaseProcessor implements the optional parts of Processor and can be
// embedded by implementations.
type BaseProcessor struct {
	Event   *event.Event
	Infos   []*Info
	Project *project.Project
}

// NewBaseProcessor returns a BaseProcessor bound to a run.
func NewBaseProcessor(ev *event.Event, infos []*Info, proj *project.Project) BaseProcessor {
	return BaseProcessor{Event: ev, Infos: infos, Project: proj}
}

// PreprocessRelatedData implements Processor.
func (BaseProcessor) PreprocessRelatedData(context.Context) bool { return false }

// Close implements Processor.
func (BaseProcessor) Close() {}

// EffectivePlatform returns the platform of frame, falling back to the
// platform of the event.
func (b BaseProcessor) EffectivePlatform(frame *event.Frame) string {
	return b.Event.EffectivePlatform(frame)
}

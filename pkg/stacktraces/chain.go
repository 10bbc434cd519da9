package stacktraces

import (
	"context"
	"fmt"

	"github.com/grafana/stackproc/pkg/event"
)

// StacktraceResult is the outcome of running the processors over one stack
// trace.
type StacktraceResult struct {
	// Processed is the rewritten stack trace, or nil if no processor
	// expanded any frame of the processed variant.
	Processed *event.Stacktrace
	// Raw is the raw variant of the stack trace, or nil if no processor
	// expanded any frame of the raw variant.
	Raw *event.Stacktrace
	// Errors holds the errors reported by processors for all frames.
	Errors []event.ProcessingError
	// Faults holds the processor calls that failed.
	Faults []Fault
}

// Fault records a failed ProcessFrame call.
type Fault struct {
	Processor    string
	ReverseIndex int
	Err          error
}

// ProcessStacktrace runs processors over every frame of info.
//
// For each frame the processors are tried in order and the first one which
// returns a non-nil result claims the frame; the rest are not called. Each
// variant of the frame that the claiming processor did not expand is copied
// unmodified into the output. A processor which fails is recorded as a Fault
// and skipped as if it had no opinion.
func ProcessStacktrace(ctx context.Context, info *Info, processors []NamedProcessor) StacktraceResult {
	var (
		res StacktraceResult

		changedProcessed, changedRaw bool

		frames          = info.Stacktrace.Frames
		processedFrames = make([]event.Frame, 0, len(frames))
		rawFrames       = make([]event.Frame, 0, len(frames))
	)

	for idx := range frames {
		var (
			frame        = &frames[idx]
			reverseIndex = len(frames) - idx - 1

			needProcessed = true
			needRaw       = true
		)

		for _, p := range processors {
			rv, err := callProcessFrame(ctx, p, frame, info, reverseIndex)
			if err != nil {
				res.Faults = append(res.Faults, Fault{Processor: p.Name, ReverseIndex: reverseIndex, Err: err})
				continue
			}
			if rv == nil {
				continue
			}

			if rv.Processed != nil {
				processedFrames = append(processedFrames, rv.Processed...)
				changedProcessed = true
				needProcessed = false
			}
			if rv.Raw != nil {
				rawFrames = append(rawFrames, rv.Raw...)
				changedRaw = true
				needRaw = false
			}
			res.Errors = append(res.Errors, rv.Errors...)
			break
		}

		if needProcessed {
			processedFrames = append(processedFrames, *frame)
		}
		if needRaw {
			rawFrames = append(rawFrames, *frame)
		}
	}

	if changedProcessed {
		res.Processed = info.Stacktrace.WithFrames(processedFrames)
	}
	if changedRaw {
		res.Raw = info.Stacktrace.WithFrames(rawFrames)
	}
	return res
}

// callProcessFrame invokes p, turning a panic into an error.
func callProcessFrame(ctx context.Context, p NamedProcessor, frame *event.Frame, info *Info, reverseIndex int) (rv *FrameResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			rv, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Processor.ProcessFrame(ctx, frame, info, reverseIndex)
}

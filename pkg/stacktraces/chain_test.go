package stacktraces

import (
	"context"
	"testing"

	"github.com/grafana/stackproc/pkg/event"
	"github.com/stretchr/testify/require"
)

func newInfo(fns ...string) *Info {
	return &Info{Stacktrace: &event.Stacktrace{Frames: frames(fns...)}}
}

func TestProcessStacktrace_FirstMatchWins(t *testing.T) {
	var (
		calls = &callLog{}
		claim = func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			if frame.Function != "b" {
				return nil, nil
			}
			return &FrameResult{Processed: frames("b'")}, nil
		}

		p0 = &testProcessor{name: "p0", log: calls}
		p1 = &testProcessor{name: "p1", log: calls}
		p2 = &testProcessor{name: "p2", log: calls, fn: claim}
		p3 = &testProcessor{name: "p3", log: calls, fn: claim}
	)

	res := ProcessStacktrace(context.Background(), newInfo("a", "b", "c"), named(p0, p1, p2, p3))

	require.Equal(t, []string{"p0", "p1", "p2"}, calls.forFunction("b"))
	require.Equal(t, []string{"p0", "p1", "p2", "p3"}, calls.forFunction("a"))
	require.Equal(t, []string{"a", "b'", "c"}, functions(res.Processed.Frames))
	require.Nil(t, res.Raw)
	require.Empty(t, res.Faults)
}

func TestProcessStacktrace_MatchWithoutExpansionStopsChain(t *testing.T) {
	var (
		calls = &callLog{}
		p0    = &testProcessor{name: "p0", log: calls, fn: func(*event.Frame, *Info, int) (*FrameResult, error) {
			return &FrameResult{}, nil
		}}
		p1 = &testProcessor{name: "p1", log: calls}
	)

	res := ProcessStacktrace(context.Background(), newInfo("a"), named(p0, p1))

	require.Equal(t, []string{"p0"}, calls.forFunction("a"))
	require.Nil(t, res.Processed)
	require.Nil(t, res.Raw)
}

func TestProcessStacktrace_FaultIsolation(t *testing.T) {
	var (
		calls  = &callLog{}
		failer = &testProcessor{name: "failer", log: calls, fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			if frame.Function == "a" {
				return nil, errBroken
			}
			panic("unexpected frame")
		}}
		claimer = &testProcessor{name: "claimer", log: calls, fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			return &FrameResult{Processed: []event.Frame{{Function: frame.Function + "'"}}}, nil
		}}
	)

	res := ProcessStacktrace(context.Background(), newInfo("a", "b"), named(failer, claimer))

	require.Equal(t, []string{"failer", "claimer"}, calls.forFunction("a"))
	require.Equal(t, []string{"failer", "claimer"}, calls.forFunction("b"))
	require.Equal(t, []string{"a'", "b'"}, functions(res.Processed.Frames))

	require.Len(t, res.Faults, 2)
	require.Equal(t, "failer", res.Faults[0].Processor)
	require.Equal(t, 1, res.Faults[0].ReverseIndex)
	require.ErrorIs(t, res.Faults[0].Err, errBroken)
	require.ErrorContains(t, res.Faults[1].Err, "unexpected frame")
	require.Equal(t, 0, res.Faults[1].ReverseIndex)
}

func TestProcessStacktrace_VariantIndependence(t *testing.T) {
	t.Run("raw only", func(t *testing.T) {
		p := &testProcessor{name: "raw", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			return &FrameResult{Raw: []event.Frame{{Function: "raw-" + frame.Function}}}, nil
		}}

		res := ProcessStacktrace(context.Background(), newInfo("a", "b"), named(p))
		require.Nil(t, res.Processed)
		require.Equal(t, []string{"raw-a", "raw-b"}, functions(res.Raw.Frames))
	})

	t.Run("processed only", func(t *testing.T) {
		p := &testProcessor{name: "processed", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			return &FrameResult{Processed: []event.Frame{{Function: "new-" + frame.Function}}}, nil
		}}

		res := ProcessStacktrace(context.Background(), newInfo("a", "b"), named(p))
		require.Nil(t, res.Raw)
		require.Equal(t, []string{"new-a", "new-b"}, functions(res.Processed.Frames))
	})

	t.Run("different processors per variant", func(t *testing.T) {
		rawOnly := &testProcessor{name: "raw", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			if frame.Function != "a" {
				return nil, nil
			}
			return &FrameResult{Raw: frames("raw-a")}, nil
		}}
		processedOnly := &testProcessor{name: "processed", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
			return &FrameResult{Processed: []event.Frame{{Function: "new-" + frame.Function}}}, nil
		}}

		res := ProcessStacktrace(context.Background(), newInfo("a", "b"), named(rawOnly, processedOnly))
		// Frame a was claimed by rawOnly, so processedOnly never saw it.
		require.Equal(t, []string{"a", "new-b"}, functions(res.Processed.Frames))
		require.Equal(t, []string{"raw-a", "b"}, functions(res.Raw.Frames))
	})
}

func TestProcessStacktrace_ReverseIndex(t *testing.T) {
	calls := &callLog{}
	p := &testProcessor{name: "p", log: calls}

	ProcessStacktrace(context.Background(), newInfo("a", "b", "c", "d"), named(p))

	got := map[string]int{}
	for _, c := range calls.calls {
		got[c.function] = c.reverseIndex
	}
	require.Equal(t, map[string]int{"a": 3, "b": 2, "c": 1, "d": 0}, got)
}

func TestProcessStacktrace_ReverseIndexStableAcrossExpansion(t *testing.T) {
	calls := &callLog{}
	expander := &testProcessor{name: "expander", log: calls, fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
		if frame.Function != "a" {
			return nil, nil
		}
		return &FrameResult{Processed: frames("a1", "a2", "a3")}, nil
	}}

	res := ProcessStacktrace(context.Background(), newInfo("a", "b"), named(expander))

	require.Equal(t, []string{"a1", "a2", "a3", "b"}, functions(res.Processed.Frames))
	require.Equal(t, 0, calls.calls[1].reverseIndex)
}

func TestProcessStacktrace_EmptyExpansionDropsFrame(t *testing.T) {
	p := &testProcessor{name: "dropper", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
		if frame.Function != "internal" {
			return nil, nil
		}
		return &FrameResult{Processed: []event.Frame{}}, nil
	}}

	res := ProcessStacktrace(context.Background(), newInfo("a", "internal", "b"), named(p))
	require.Equal(t, []string{"a", "b"}, functions(res.Processed.Frames))
}

func TestProcessStacktrace_UnchangedIsNotValueEquality(t *testing.T) {
	// A processor returning the frame as is still counts as an expansion.
	p := &testProcessor{name: "identity", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
		return &FrameResult{Processed: []event.Frame{*frame}}, nil
	}}

	res := ProcessStacktrace(context.Background(), newInfo("a"), named(p))
	require.NotNil(t, res.Processed)
	require.Equal(t, []string{"a"}, functions(res.Processed.Frames))
}

func TestProcessStacktrace_CollectsErrors(t *testing.T) {
	p := &testProcessor{name: "p", fn: func(frame *event.Frame, _ *Info, _ int) (*FrameResult, error) {
		return &FrameResult{Errors: []event.ProcessingError{{Type: "err-" + frame.Function}}}, nil
	}}

	res := ProcessStacktrace(context.Background(), newInfo("a", "b"), named(p))
	require.Equal(t, []event.ProcessingError{{Type: "err-a"}, {Type: "err-b"}}, res.Errors)
	require.Nil(t, res.Processed)
	require.Nil(t, res.Raw)
}

func TestProcessStacktrace_KeepsStacktraceFields(t *testing.T) {
	info := &Info{Stacktrace: &event.Stacktrace{
		Frames:        frames("a"),
		FramesOmitted: []int{1, 3},
		Registers:     map[string]string{"sp": "0x10"},
	}}
	p := &testProcessor{name: "p", fn: func(*event.Frame, *Info, int) (*FrameResult, error) {
		return &FrameResult{Processed: frames("x"), Raw: frames("y")}, nil
	}}

	res := ProcessStacktrace(context.Background(), info, named(p))
	require.Equal(t, []int{1, 3}, res.Processed.FramesOmitted)
	require.Equal(t, map[string]string{"sp": "0x10"}, res.Raw.Registers)

	// The input is left untouched.
	require.Equal(t, []string{"a"}, functions(info.Stacktrace.Frames))
}

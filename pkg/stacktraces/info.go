package stacktraces

import (
	"github.com/grafana/stackproc/pkg/event"
)

// Info describes a single stack trace found in an event. Infos are derived
// from the event for each run and never stored.
type Info struct {
	// Stacktrace points into the event being processed.
	Stacktrace *event.Stacktrace
	// Container owns the stack trace. It is nil for the top-level stack
	// trace of an event.
	Container *event.Container
	// Platforms holds the effective platform of every frame.
	Platforms map[string]struct{}
}

// HasPlatform reports whether any frame of the stack trace belongs to
// platform.
func (i *Info) HasPlatform(platform string) bool {
	_, ok := i.Platforms[platform]
	return ok
}

// Find returns every stack trace in ev in processing order: exceptions, the
// top-level stack trace, then threads. Sections that are missing or carry no
// stack trace are skipped.
func Find(ev *event.Event) []*Info {
	var infos []*Info

	report := func(st *event.Stacktrace, container *event.Container) {
		platforms := make(map[string]struct{})
		for i := range st.Frames {
			platforms[ev.EffectivePlatform(&st.Frames[i])] = struct{}{}
		}
		infos = append(infos, &Info{
			Stacktrace: st,
			Container:  container,
			Platforms:  platforms,
		})
	}

	if ev.Exception != nil {
		for _, exc := range ev.Exception.Values {
			if exc != nil && exc.Stacktrace != nil {
				report(exc.Stacktrace, event.ExceptionOwner(exc))
			}
		}
	}

	if ev.Stacktrace != nil {
		report(ev.Stacktrace, nil)
	}

	if ev.Threads != nil {
		for _, thread := range ev.Threads.Values {
			if thread != nil && thread.Stacktrace != nil {
				report(thread.Stacktrace, event.ThreadOwner(thread))
			}
		}
	}

	return infos
}

// Platforms returns the union of the platforms of infos.
func Platforms(infos []*Info) map[string]struct{} {
	res := make(map[string]struct{})
	for _, info := range infos {
		for p := range info.Platforms {
			res[p] = struct{}{}
		}
	}
	return res
}

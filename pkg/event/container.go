package event

// ContainerKind identifies what owns a stack trace.
type ContainerKind uint8

const (
	ContainerException ContainerKind = iota + 1
	ContainerThread
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerException:
		return "exception"
	case ContainerThread:
		return "thread"
	default:
		return "unknown"
	}
}

// Container is the exception or thread that owns a stack trace. Exactly one
// of Exception and Thread is set, matching Kind.
type Container struct {
	Kind      ContainerKind
	Exception *Exception
	Thread    *Thread
}

// ExceptionOwner wraps an exception as a stack trace owner.
func ExceptionOwner(exc *Exception) *Container {
	return &Container{Kind: ContainerException, Exception: exc}
}

// ThreadOwner wraps a thread as a stack trace owner.
func ThreadOwner(t *Thread) *Container {
	return &Container{Kind: ContainerThread, Thread: t}
}

// AttachRawStacktrace stores the raw variant of the owned stack trace.
func (c *Container) AttachRawStacktrace(st *Stacktrace) {
	switch c.Kind {
	case ContainerException:
		c.Exception.RawStacktrace = st
	case ContainerThread:
		c.Thread.RawStacktrace = st
	}
}

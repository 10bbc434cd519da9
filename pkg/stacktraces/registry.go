package stacktraces

import (
	"fmt"

	"github.com/grafana/regexp"
	"github.com/grafana/stackproc/pkg/event"
)

// Plugin supplies processors for the events it knows how to handle.
type Plugin interface {
	// Name identifies the plugin in configuration and logs.
	Name() string

	// StacktraceProcessors returns constructors for the processors which
	// should run over ev. platforms is the union of the platforms of infos.
	// Returning no constructors opts the plugin out of the run.
	StacktraceProcessors(ev *event.Event, infos []*Info, platforms map[string]struct{}) ([]NewProcessorFunc, error)
}

var pluginNameRegex = regexp.MustCompile("^[a-z][a-z0-9_]*$")

// Registry is an ordered set of plugins. The order of the registry is the
// order in which processors are tried for each frame.
type Registry struct {
	plugins []Plugin
	byName  map[string]Plugin
}

// NewRegistry returns a registry holding ps in order. It returns an error if
// a name is invalid or used twice.
func NewRegistry(ps ...Plugin) (*Registry, error) {
	r := &Registry{byName: make(map[string]Plugin, len(ps))}
	for _, p := range ps {
		if err := r.add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(p Plugin) error {
	name := p.Name()
	if !pluginNameRegex.MatchString(name) {
		return fmt.Errorf("invalid plugin name %q", name)
	}
	if _, exist := r.byName[name]; exist {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.plugins = append(r.plugins, p)
	r.byName[name] = p
	return nil
}

// Plugins returns the plugins of r in order.
func (r *Registry) Plugins() []Plugin {
	return append([]Plugin(nil), r.plugins...)
}

// Select returns a new registry holding the plugins called names, in the
// order of names. An empty names selects every plugin of r.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return NewRegistry(r.plugins...)
	}

	ps := make([]Plugin, 0, len(names))
	for _, name := range names {
		p, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown stacktrace processor %q", name)
		}
		ps = append(ps, p)
	}
	return NewRegistry(ps...)
}

// Globally registered plugins.
var registered = &Registry{byName: map[string]Plugin{}}

// Register adds a plugin to the global registry. It is meant to be called
// from init functions and panics if the name is invalid or already in use.
func Register(p Plugin) {
	if err := registered.add(p); err != nil {
		panic(err)
	}
}

// Registered returns the global registry.
func Registered() *Registry {
	return registered
}

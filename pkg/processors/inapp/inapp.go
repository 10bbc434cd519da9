// Package inapp marks frames as belonging to the application or to a
// third-party library by matching their module against glob patterns.
package inapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/grafana/regexp"
	"github.com/grafana/stackproc/pkg/event"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/stacktraces"
	"github.com/grafana/stackproc/pkg/util"
)

// Name is the name the plugin is registered under.
const Name = "inapp"

// Project options holding comma-separated patterns, added to the configured
// ones.
const (
	OptionInclude = "inapp.include"
	OptionExclude = "inapp.exclude"
)

// Config holds the patterns applied to every project.
type Config struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

var defaultPlugin = &Plugin{}

func init() {
	stacktraces.Register(defaultPlugin)
}

// Configure sets the global patterns of the registered plugin.
func Configure(cfg Config) error {
	return defaultPlugin.SetConfig(cfg)
}

// Plugin supplies a processor for events with unclassified frames.
type Plugin struct {
	mut     sync.RWMutex
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

var _ stacktraces.Plugin = (*Plugin)(nil)

// NewPlugin creates a Plugin using the patterns of cfg.
func NewPlugin(cfg Config) (*Plugin, error) {
	p := &Plugin{}
	if err := p.SetConfig(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// SetConfig replaces the global patterns.
func (p *Plugin) SetConfig(cfg Config) error {
	include, err := compile(cfg.Include)
	if err != nil {
		return err
	}
	exclude, err := compile(cfg.Exclude)
	if err != nil {
		return err
	}

	p.mut.Lock()
	defer p.mut.Unlock()
	p.include, p.exclude = include, exclude
	return nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := util.CompileWildcard(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid in-app pattern %q: %w", pattern, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Name implements stacktraces.Plugin.
func (p *Plugin) Name() string { return Name }

// StacktraceProcessors implements stacktraces.Plugin. A processor is only
// supplied if at least one frame has not been classified yet.
func (p *Plugin) StacktraceProcessors(_ *event.Event, infos []*stacktraces.Info, _ map[string]struct{}) ([]stacktraces.NewProcessorFunc, error) {
	for _, info := range infos {
		for _, frame := range info.Stacktrace.Frames {
			if frame.InApp == nil {
				return []stacktraces.NewProcessorFunc{p.newProcessor}, nil
			}
		}
	}
	return nil, nil
}

func (p *Plugin) newProcessor(ev *event.Event, infos []*stacktraces.Info, proj *project.Project) (stacktraces.Processor, error) {
	include, err := compile(proj.ListOption(OptionInclude))
	if err != nil {
		return nil, err
	}
	exclude, err := compile(proj.ListOption(OptionExclude))
	if err != nil {
		return nil, err
	}

	p.mut.RLock()
	defer p.mut.RUnlock()
	return &processor{
		BaseProcessor: stacktraces.NewBaseProcessor(ev, infos, proj),
		include:       append(include, p.include...),
		exclude:       append(exclude, p.exclude...),
	}, nil
}

type processor struct {
	stacktraces.BaseProcessor

	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// ProcessFrame sets in_app on frames matching a pattern. Exclusions win
// over inclusions.
func (p *processor) ProcessFrame(_ context.Context, frame *event.Frame, _ *stacktraces.Info, _ int) (*stacktraces.FrameResult, error) {
	if frame.InApp != nil {
		return nil, nil
	}

	var inApp bool
	switch names := candidates(frame); {
	case matchAny(p.exclude, names):
		inApp = false
	case matchAny(p.include, names):
		inApp = true
	default:
		return nil, nil
	}

	classified := frame.Clone()
	classified.InApp = event.Bool(inApp)
	return &stacktraces.FrameResult{Processed: []event.Frame{classified}}, nil
}

// candidates returns the names a frame can be identified by, most specific
// first.
func candidates(frame *event.Frame) []string {
	var names []string
	for _, name := range []string{frame.Module, frame.Package, frame.AbsPath, frame.Filename} {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func matchAny(patterns []*regexp.Regexp, names []string) bool {
	for _, re := range patterns {
		for _, name := range names {
			if re.MatchString(name) {
				return true
			}
		}
	}
	return false
}

// Package project resolves the project that owns an event.
package project

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no project exists for an ID.
var ErrNotFound = errors.New("project not found")

// Project is the subset of project settings stack trace processing needs.
type Project struct {
	ID       int64             `yaml:"id" json:"id"`
	Slug     string            `yaml:"slug" json:"slug"`
	Platform string            `yaml:"platform,omitempty" json:"platform,omitempty"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Option returns the value of a project option, or the empty string.
func (p *Project) Option(key string) string {
	if p == nil {
		return ""
	}
	return p.Options[key]
}

// ListOption splits a comma-separated project option into its trimmed,
// non-empty elements.
func (p *Project) ListOption(key string) []string {
	var res []string
	for _, part := range strings.Split(p.Option(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}

// Getter looks up projects by ID.
type Getter interface {
	Get(ctx context.Context, id int64) (*Project, error)
}

// Store is a Getter backed by a source of truth.
type Store interface {
	Getter
	Close() error
}

// StaticStore serves projects from a fixed list, usually loaded from the
// configuration file.
type StaticStore struct {
	projects map[int64]*Project
}

var _ Store = (*StaticStore)(nil)

// NewStaticStore creates a StaticStore from ps.
func NewStaticStore(ps []Project) *StaticStore {
	s := &StaticStore{projects: make(map[int64]*Project, len(ps))}
	for i := range ps {
		p := ps[i]
		s.projects[p.ID] = &p
	}
	return s
}

// Get implements Getter.
func (s *StaticStore) Get(_ context.Context, id int64) (*Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Close implements Store.
func (s *StaticStore) Close() error { return nil }

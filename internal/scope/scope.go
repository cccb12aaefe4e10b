// Package scope releases acquired resources in reverse acquisition order.
package scope

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

type release struct {
	name string
	fn   func() error
}

// Scope collects release functions. Close runs them last-in first-out and
// attempts every one even when some fail.
type Scope struct {
	mu       sync.Mutex
	releases []release
	closed   bool
}

func New() *Scope { return &Scope{} }

// Defer registers fn to run on Close. Registering on a closed scope runs fn
// immediately.
func (s *Scope) Defer(name string, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wrap(name, fn())
	}
	s.releases = append(s.releases, release{name: name, fn: fn})
	s.mu.Unlock()
	return nil
}

// Close runs every registered release once. The returned error combines all
// failures, each prefixed with its release name.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rs := s.releases
	s.releases = nil
	s.mu.Unlock()

	var err error
	for i := len(rs) - 1; i >= 0; i-- {
		err = multierr.Append(err, wrap(rs[i].name, rs[i].fn()))
	}
	return err
}

func wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("release %s: %w", name, err)
}

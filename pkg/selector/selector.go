// Package selector holds the process-wide Runtime Selector of spec §4.E:
// a fail-closed startup choice of backend, plus an in-memory admin override
// that is itself gated by the same Doctor preflight.
package selector

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/octolabd/pkg/doctor"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/types"
)

// Selector holds the selected backend instance behind a mutex. There is
// exactly one Selector per process.
type Selector struct {
	mu           sync.RWMutex
	startupKind  types.RuntimeKind
	overrideKind types.RuntimeKind // empty means "no override"
	backends     map[types.RuntimeKind]runtime.LabRuntime
	doctorCfg    doctor.Config
}

// New runs the Doctor for startupKind and fails closed: a FATAL check at
// startup is a process-exit condition, never a silent fallback to compose.
func New(ctx context.Context, startupKind types.RuntimeKind, backends map[types.RuntimeKind]runtime.LabRuntime, doctorCfg doctor.Config) (*Selector, error) {
	if _, ok := backends[startupKind]; !ok {
		return nil, fmt.Errorf("%w: no backend registered for runtime %q", doctor.ErrNotReady, startupKind)
	}
	if err := doctor.AssertReady(ctx, startupKind, doctorCfg); err != nil {
		return nil, fmt.Errorf("startup runtime selection failed, no fallback will be attempted: %w", err)
	}
	return &Selector{
		startupKind: startupKind,
		backends:    backends,
		doctorCfg:   doctorCfg,
	}, nil
}

// Current returns the currently effective backend: the override if set,
// otherwise the startup selection.
func (s *Selector) Current() runtime.LabRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind := s.startupKind
	if s.overrideKind != "" {
		kind = s.overrideKind
	}
	return s.backends[kind]
}

// CurrentKind returns the kind Current() would resolve to.
func (s *Selector) CurrentKind() types.RuntimeKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.overrideKind != "" {
		return s.overrideKind
	}
	return s.startupKind
}

// SetOverride changes the in-memory override. Switching to microvm re-runs
// the Doctor; a FATAL check rejects the change and leaves the prior
// override in place. Switching to compose or clearing (empty kind) is
// always permitted since compose has no device prerequisites.
func (s *Selector) SetOverride(ctx context.Context, kind types.RuntimeKind) error {
	if kind == types.RuntimeCompose || kind == "" {
		s.mu.Lock()
		s.overrideKind = kind
		s.mu.Unlock()
		return nil
	}

	if _, ok := s.backends[kind]; !ok {
		return fmt.Errorf("%w: no backend registered for runtime %q", doctor.ErrNotReady, kind)
	}
	if err := doctor.AssertReady(ctx, kind, s.doctorCfg); err != nil {
		return fmt.Errorf("override to %s rejected: %w", kind, err)
	}

	s.mu.Lock()
	s.overrideKind = kind
	s.mu.Unlock()
	return nil
}

// BackendFor resolves the backend registered for kind directly, independent
// of the current startup/override selection. The teardown worker and
// watchdog use this to destroy a lab's resources through whichever backend
// actually created it, even if the live selection has since changed.
func (s *Selector) BackendFor(kind types.RuntimeKind) runtime.LabRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backends[kind]
}

// AssertReadyForLab re-runs the Doctor for the currently effective backend
// at lab-creation time. A FATAL check fails the lab request; it never
// silently downgrades to another backend.
func (s *Selector) AssertReadyForLab(ctx context.Context) error {
	kind := s.CurrentKind()
	if kind != types.RuntimeMicroVM {
		return nil
	}
	return doctor.AssertReady(ctx, kind, s.doctorCfg)
}

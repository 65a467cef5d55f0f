package stores

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Session is a run's lease on the enforced-state store. Opening a session
// acquires the run lock and loads every recorded state into memory; the
// executor then works against the in-memory view, which satisfies
// engine.ManagedState. Close writes the outcome back and releases the
// lock.
//
// A read-only session discards every change on Close. It still takes the
// run lock so dry runs observe a settled store.
type Session struct {
	store    Store
	runName  string
	readOnly bool

	mu      sync.RWMutex
	entries map[string]map[string]interface{}
	loaded  map[string]bool
	closed  bool
}

// OpenSession acquires the run lock for runName and loads the recorded
// states. The caller must Close the session to release the lock.
func OpenSession(ctx context.Context, store Store, runName string, readOnly bool) (*Session, error) {
	if err := store.AcquireLock(ctx, runName, os.Getpid()); err != nil {
		return nil, err
	}

	states, err := store.ListStates(ctx)
	if err != nil {
		if rerr := store.ReleaseLock(ctx, runName); rerr != nil {
			log.Warn().Err(rerr).Str("run_name", runName).Msg("failed to release run lock")
		}
		return nil, err
	}

	loaded := make(map[string]bool, len(states))
	for tag := range states {
		loaded[tag] = true
	}

	return &Session{
		store:    store,
		runName:  runName,
		readOnly: readOnly,
		entries:  states,
		loaded:   loaded,
	}, nil
}

// Get returns the state recorded under tag.
func (s *Session) Get(tag string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.entries[tag]
	return state, ok
}

// Set records state under tag. The store is not touched until Close.
func (s *Session) Set(tag string, state map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tag] = state
}

// Delete removes the entry recorded under tag, if present.
func (s *Session) Delete(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tag)
}

// Tags returns every recorded tag in unspecified order.
func (s *Session) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.entries))
	for tag := range s.entries {
		tags = append(tags, tag)
	}
	return tags
}

// Close persists the session's view and releases the run lock. A
// read-only session releases the lock without writing. Close after the
// first call is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.entries
	loaded := s.loaded
	s.mu.Unlock()

	var firstErr error
	if !s.readOnly {
		for tag, state := range entries {
			if err := s.store.SetState(ctx, tag, state); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for tag := range loaded {
			if _, ok := entries[tag]; ok {
				continue
			}
			if err := s.store.DeleteState(ctx, tag); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.store.ReleaseLock(ctx, s.runName); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

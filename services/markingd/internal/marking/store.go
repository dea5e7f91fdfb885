package marking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound means the session does not exist or has been collected.
	ErrNotFound = errors.New("session not found")
	// ErrNotAuthorized means the caller is not the session's owner.
	ErrNotAuthorized = errors.New("not authorized for this session")
	// ErrInvalidState means the requested operation does not apply in the
	// session's current state.
	ErrInvalidState = errors.New("session is not in a resumable state")
)

// Store keeps every live marking session in memory. All mutations serialize
// per session behind the store lock; readers always get a deep-copied
// snapshot, so no partial state is ever observable.
type Store struct {
	retention  time.Duration
	waitingTTL time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore builds an empty store. retention bounds how long terminal
// sessions stay pollable; waitingTTL bounds how long an abandoned
// token_expired session survives without a resume.
func NewStore(retention, waitingTTL time.Duration) (*Store, error) {
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if waitingTTL <= 0 {
		return nil, errors.New("waiting TTL must be positive")
	}

	return &Store{
		retention:  retention,
		waitingTTL: waitingTTL,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}, nil
}

// Create atomically builds and inserts a session in the initializing state.
// Duplicate student ids are collapsed, keeping first position; Total is the
// distinct count.
func (st *Store) Create(ownerID int64, students []int64, qrURL string) (string, error) {
	if len(students) == 0 {
		return "", errors.New("student list is empty")
	}

	pending := make([]int64, 0, len(students))
	seen := make(map[int64]struct{}, len(students))
	for _, id := range students {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		pending = append(pending, id)
	}

	now := st.now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		State:     StateInitializing,
		QRURL:     qrURL,
		Pending:   pending,
		Results:   make([]StudentResult, 0, len(pending)),
		Total:     len(pending),
		CreatedAt: now,
		UpdatedAt: now,
	}

	st.mu.Lock()
	st.sessions[session.ID] = session
	st.mu.Unlock()

	return session.ID, nil
}

// Get returns a consistent snapshot of the session, enforcing that only the
// owner may observe it.
func (st *Store) Get(sessionID string, callerID int64) (Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	session, ok := st.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if session.OwnerID != callerID {
		return Session{}, ErrNotAuthorized
	}
	return session.clone(), nil
}

// snapshot is the worker-side read: the worker is spawned with the session id
// by the orchestrator itself, so no owner check applies.
func (st *Store) snapshot(sessionID string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	session, ok := st.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return session.clone(), true
}

// Update applies fn to the session under the store lock. A state change
// outside the session state machine aborts the mutation.
func (st *Store) Update(sessionID string, fn func(*Session) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	session, ok := st.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	staged := session.clone()
	prev := staged.State
	if err := fn(&staged); err != nil {
		return err
	}
	if staged.State != prev && !prev.canTransitionTo(staged.State) {
		return fmt.Errorf("illegal state transition %s -> %s", prev, staged.State)
	}

	staged.UpdatedAt = st.now().UTC()
	*session = staged
	return nil
}

// GC removes terminal sessions past the retention window and token_expired
// sessions whose owner never came back. Returns the number collected.
func (st *Store) GC() int {
	now := st.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	collected := 0
	for id, session := range st.sessions {
		age := now.Sub(session.UpdatedAt)

		remove := false
		switch {
		case session.State.Terminal() && age > st.retention:
			remove = true
		case session.State == StateTokenExpired && age > st.waitingTTL:
			remove = true
		}
		if remove {
			delete(st.sessions, id)
			collected++
		}
	}
	return collected
}

// Run sweeps the store on a fixed cadence until ctx is cancelled.
func (st *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := st.GC(); n > 0 {
				log.Debug().Int("collected", n).Msg("session gc")
			}
		}
	}
}

// Len reports how many sessions are live, including terminal ones awaiting
// collection.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

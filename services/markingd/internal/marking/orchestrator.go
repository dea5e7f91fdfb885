package marking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"qrmark/pkg/bus"
	"qrmark/services/markingd/internal/portal"
)

var (
	// ErrEmptyRoster means start was called with no students selected.
	ErrEmptyRoster = errors.New("no students selected")
	// ErrBadURL means the scanned QR URL is not an absolute http(s) URL.
	ErrBadURL = errors.New("invalid qr url")
)

// Marker performs the portal-side attendance exchange for one student.
// portal.Client is the production implementation.
type Marker interface {
	Mark(ctx context.Context, qrURL string, identity string) portal.Outcome
}

// IdentityResolver maps a local student id to the portal identity token the
// adapter needs. portal.Roster is the production implementation.
type IdentityResolver interface {
	Token(studentID int64) (string, bool)
}

// Config carries the orchestrator's retry policy.
type Config struct {
	// MaxTransientRetries is the per-student retry budget within one QR URL.
	MaxTransientRetries int
	// RetryDelay is the pause before retrying the same student.
	RetryDelay time.Duration
}

// Orchestrator drives marking sessions from creation to a terminal state.
// Each session gets one worker goroutine making sequential portal calls;
// distinct sessions proceed concurrently.
type Orchestrator struct {
	base   context.Context
	store  *Store
	portal Marker
	roster IdentityResolver
	bus    *bus.Bus
	cfg    Config
}

// New wires an orchestrator. Worker goroutines live until baseCtx is
// cancelled; a nil bus disables eventing.
func New(baseCtx context.Context, store *Store, marker Marker, roster IdentityResolver, b *bus.Bus, cfg Config) (*Orchestrator, error) {
	if baseCtx == nil {
		return nil, errors.New("base context is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if marker == nil {
		return nil, errors.New("portal marker is required")
	}
	if roster == nil {
		return nil, errors.New("identity resolver is required")
	}
	if cfg.MaxTransientRetries < 0 {
		return nil, errors.New("retry budget must be >= 0")
	}

	ensureMetrics()

	return &Orchestrator{
		base:   baseCtx,
		store:  store,
		portal: marker,
		roster: roster,
		bus:    b,
		cfg:    cfg,
	}, nil
}

// Start validates the request, creates the session, and spawns its worker.
func (o *Orchestrator) Start(ownerID int64, students []int64, qrURL string) (string, error) {
	if len(students) == 0 {
		return "", ErrEmptyRoster
	}
	if err := validateQRURL(qrURL); err != nil {
		return "", err
	}

	sessionID, err := o.store.Create(ownerID, students, qrURL)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	observeSessionStarted()
	if snap, ok := o.store.snapshot(sessionID); ok {
		o.publishEvent(SubjectStarted, snap)
	}

	go o.run(sessionID)
	return sessionID, nil
}

// Status returns the owner's snapshot of a session.
func (o *Orchestrator) Status(sessionID string, callerID int64) (StatusReport, error) {
	session, err := o.store.Get(sessionID, callerID)
	if err != nil {
		return StatusReport{}, err
	}
	return session.Report(), nil
}

// Resume swaps in a freshly scanned QR URL and respawns the worker. Only the
// owner may resume, and only from token_expired. Results, labels and totals
// are untouched.
func (o *Orchestrator) Resume(sessionID string, newQRURL string, callerID int64) error {
	if err := validateQRURL(newQRURL); err != nil {
		return err
	}

	err := o.store.Update(sessionID, func(s *Session) error {
		if s.OwnerID != callerID {
			return ErrNotAuthorized
		}
		if s.State != StateTokenExpired {
			return ErrInvalidState
		}
		s.QRURL = newQRURL
		s.Attempts = 0
		s.State = StateProcessing
		return nil
	})
	if err != nil {
		return err
	}

	if snap, ok := o.store.snapshot(sessionID); ok {
		o.publishEvent(SubjectResumed, snap)
	}

	go o.run(sessionID)
	return nil
}

// run is the per-session worker. It drains the pending queue in FIFO order,
// one portal call at a time, and exits on completion, on token expiry, or on
// an internal failure.
func (o *Orchestrator) run(sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", sessionID).Any("panic", r).Msg("marking worker panicked")
			o.fail(sessionID)
		}
	}()

	// initializing -> processing; after a resume the session is already
	// processing and the transition is a no-op.
	err := o.store.Update(sessionID, func(s *Session) error {
		if s.State == StateInitializing {
			s.State = StateProcessing
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("activate session")
		return
	}

	for {
		if o.base.Err() != nil {
			return
		}

		snap, ok := o.store.snapshot(sessionID)
		if !ok || snap.State != StateProcessing {
			return
		}

		if len(snap.Pending) == 0 {
			o.finish(sessionID, StateCompleted)
			return
		}

		student := snap.Pending[0]
		outcome := o.mark(snap, student)

		switch outcome.Kind {
		case portal.KindOK:
			o.record(sessionID, student, StudentResult{
				StudentID: student,
				FIO:       optional(outcome.FIO),
				Success:   true,
			}, outcome)

		case portal.KindDenied:
			o.record(sessionID, student, StudentResult{
				StudentID: student,
				Success:   false,
				Error:     outcome.Reason,
			}, outcome)

		case portal.KindTransient:
			if snap.Attempts < o.cfg.MaxTransientRetries {
				if err := o.bumpAttempts(sessionID); err != nil {
					log.Error().Err(err).Str("session_id", sessionID).Msg("record transient attempt")
					o.fail(sessionID)
					return
				}
				if !o.pause(o.cfg.RetryDelay) {
					return
				}
				continue
			}
			o.record(sessionID, student, StudentResult{
				StudentID: student,
				Success:   false,
				Error:     outcome.Reason,
			}, outcome)

		case portal.KindExpired:
			o.expire(sessionID)
			return

		default:
			log.Error().Str("session_id", sessionID).Int("kind", int(outcome.Kind)).Msg("unknown portal outcome")
			o.fail(sessionID)
			return
		}
	}
}

// mark resolves the student's portal identity and performs one exchange. A
// student with no identity on record is a permanent per-student failure, not
// a session failure.
func (o *Orchestrator) mark(snap Session, student int64) portal.Outcome {
	identity, ok := o.roster.Token(student)
	if !ok {
		return portal.Denied("no portal identity on record")
	}

	start := time.Now()
	outcome := o.portal.Mark(o.base, snap.QRURL, identity)
	observeMark(outcome.Kind.String(), time.Since(start))
	return outcome
}

// record moves the head student from pending into results in one atomic step
// and captures the discipline/group labels on first success.
func (o *Orchestrator) record(sessionID string, student int64, result StudentResult, outcome portal.Outcome) {
	err := o.store.Update(sessionID, func(s *Session) error {
		if len(s.Pending) == 0 || s.Pending[0] != student {
			return fmt.Errorf("pending head changed under worker for session %s", sessionID)
		}
		s.Pending = s.Pending[1:]
		s.Results = append(s.Results, result)
		s.Attempts = 0

		if outcome.Kind == portal.KindOK {
			if s.Discipline == "" {
				s.Discipline = outcome.Discipline
			}
			if s.Group == "" {
				s.Group = outcome.Group
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("record outcome")
		o.fail(sessionID)
	}
}

func (o *Orchestrator) bumpAttempts(sessionID string) error {
	return o.store.Update(sessionID, func(s *Session) error {
		s.Attempts++
		return nil
	})
}

// expire parks the session for a rescan. The head student stays in pending so
// resume retries it first.
func (o *Orchestrator) expire(sessionID string) {
	err := o.store.Update(sessionID, func(s *Session) error {
		s.State = StateTokenExpired
		s.Attempts = 0
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("park expired session")
		o.fail(sessionID)
		return
	}

	if snap, ok := o.store.snapshot(sessionID); ok {
		o.publishEvent(SubjectExpired, snap)
	}
}

func (o *Orchestrator) finish(sessionID string, state State) {
	err := o.store.Update(sessionID, func(s *Session) error {
		s.State = state
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("finish session")
		return
	}

	observeSessionFinished(state)
	if snap, ok := o.store.snapshot(sessionID); ok {
		o.publishEvent(SubjectFinished, snap)
	}
}

// fail marks the session as internally broken; clients see a generic error
// status and recorded results stay visible.
func (o *Orchestrator) fail(sessionID string) {
	o.finish(sessionID, StateError)
}

// pause sleeps for d unless the orchestrator is shutting down. Returns false
// when the worker should exit instead of retrying.
func (o *Orchestrator) pause(d time.Duration) bool {
	if d <= 0 {
		return o.base.Err() == nil
	}
	select {
	case <-o.base.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func validateQRURL(qrURL string) error {
	parsed, err := url.Parse(qrURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return ErrBadURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrBadURL
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package marking

import "time"

// State is the lifecycle position of a marking session. The wire strings are
// what polling clients switch on.
type State string

const (
	StateInitializing State = "initializing"
	StateProcessing   State = "processing"
	StateTokenExpired State = "token_expired"
	StateCompleted    State = "completed"
	StateError        State = "error"
)

// Terminal reports whether the session can never make further progress.
// token_expired is not terminal: it awaits a resume with a fresh QR.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// canTransitionTo encodes the session state machine. Anything outside this
// table is a bug and the store refuses to commit it.
func (s State) canTransitionTo(next State) bool {
	switch s {
	case StateInitializing:
		return next == StateProcessing || next == StateError
	case StateProcessing:
		return next == StateCompleted || next == StateTokenExpired || next == StateError
	case StateTokenExpired:
		return next == StateProcessing || next == StateError
	default:
		return false
	}
}

// StudentResult is the recorded outcome of one attempt. Results keep the
// order attempts completed in.
type StudentResult struct {
	StudentID int64   `json:"tg_id"`
	FIO       *string `json:"fio"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

// Session is one active mass-marking workflow. Pending and Results partition
// the requested student set: a student id lives in exactly one of them.
type Session struct {
	ID         string
	OwnerID    int64
	State      State
	QRURL      string
	Discipline string
	Group      string
	Pending    []int64
	Results    []StudentResult
	Total      int

	// Attempts counts transient failures for the current head of Pending
	// under the current QR URL. Reset on success, on giving up, and on
	// resume.
	Attempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Processed is the number of students with a recorded outcome.
func (s *Session) Processed() int { return len(s.Results) }

// Successful counts recorded successes.
func (s *Session) Successful() int {
	n := 0
	for _, r := range s.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// Failed counts recorded failures.
func (s *Session) Failed() int { return s.Processed() - s.Successful() }

// clone returns a deep copy safe to hand outside the store's lock.
func (s *Session) clone() Session {
	copied := *s
	copied.Pending = append([]int64(nil), s.Pending...)
	copied.Results = append([]StudentResult(nil), s.Results...)
	for i, r := range s.Results {
		if r.FIO != nil {
			fio := *r.FIO
			copied.Results[i].FIO = &fio
		}
	}
	return copied
}

// StatusReport is the snapshot surfaced to polling clients.
type StatusReport struct {
	Processed   int             `json:"processed"`
	Total       int             `json:"total"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Remaining   []int64         `json:"remaining"`
	UserResults []StudentResult `json:"user_results"`
	Discipline  string          `json:"discipline"`
	Group       string          `json:"group"`
	Status      State           `json:"status"`
}

// Report builds the wire snapshot. Slices are never nil so the encoded JSON
// carries [] rather than null.
func (s *Session) Report() StatusReport {
	remaining := s.Pending
	if remaining == nil {
		remaining = []int64{}
	}
	results := s.Results
	if results == nil {
		results = []StudentResult{}
	}
	return StatusReport{
		Processed:   s.Processed(),
		Total:       s.Total,
		Successful:  s.Successful(),
		Failed:      s.Failed(),
		Remaining:   remaining,
		UserResults: results,
		Discipline:  s.Discipline,
		Group:       s.Group,
		Status:      s.State,
	}
}

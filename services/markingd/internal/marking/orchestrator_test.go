package marking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrmark/services/markingd/internal/portal"
)

// scriptedMarker replays a queue of outcomes per portal identity. Once a
// queue is drained further calls succeed.
type scriptedMarker struct {
	mu     sync.Mutex
	queues map[string][]portal.Outcome
	delay  time.Duration
	calls  []string
}

func newScriptedMarker() *scriptedMarker {
	return &scriptedMarker{queues: make(map[string][]portal.Outcome)}
}

func (m *scriptedMarker) script(identity string, outcomes ...portal.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[identity] = append(m.queues[identity], outcomes...)
}

func (m *scriptedMarker) Mark(ctx context.Context, qrURL string, identity string) portal.Outcome {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, identity)

	queue := m.queues[identity]
	if len(queue) == 0 {
		return portal.Ok("Math", "CS-101", "FIO "+identity)
	}
	next := queue[0]
	m.queues[identity] = queue[1:]
	return next
}

func (m *scriptedMarker) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

const (
	ownerID  = int64(1000)
	otherID  = int64(2000)
	startURL = "https://portal.example/qr/first"
	nextURL  = "https://portal.example/qr/second"
)

func token(student int64) string { return fmt.Sprintf("tok-%d", student) }

func testRoster(students ...int64) *portal.Roster {
	identities := make(map[int64]string, len(students))
	for _, s := range students {
		identities[s] = token(s)
	}
	return portal.NewRoster(identities)
}

func newTestOrchestrator(t *testing.T, marker Marker, roster IdentityResolver, cfg Config) (*Orchestrator, *Store) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newTestStore(t)
	orch, err := New(ctx, store, marker, roster, nil, cfg)
	require.NoError(t, err)
	return orch, store
}

func waitForState(t *testing.T, orch *Orchestrator, sessionID string, want State) StatusReport {
	t.Helper()

	var report StatusReport
	require.Eventually(t, func() bool {
		r, err := orch.Status(sessionID, ownerID)
		if err != nil {
			return false
		}
		report = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond, "session never reached %s", want)
	return report
}

func checkInvariants(t *testing.T, report StatusReport) {
	t.Helper()
	assert.Equal(t, report.Successful+report.Failed, report.Processed)
	assert.Equal(t, report.Total, report.Processed+len(report.Remaining))
	assert.Len(t, report.UserResults, report.Processed)

	seen := make(map[int64]int)
	for _, r := range report.UserResults {
		seen[r.StudentID]++
	}
	for _, id := range report.Remaining {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "student %d appears %d times", id, n)
	}
}

func TestHappyPathThreeStudents(t *testing.T) {
	marker := newScriptedMarker()
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2, 3), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2, 3}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateCompleted)
	checkInvariants(t, report)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Successful)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Remaining)
	assert.Equal(t, "Math", report.Discipline)
	assert.Equal(t, "CS-101", report.Group)

	assert.Equal(t, []string{"tok-1", "tok-2", "tok-3"}, marker.callOrder(), "strict FIFO")
	for _, r := range report.UserResults {
		require.NotNil(t, r.FIO)
	}
}

func TestMixedOutcomes(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(2), portal.Denied("not enrolled"))
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2, 3), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2, 3}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateCompleted)
	checkInvariants(t, report)

	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, report.UserResults, 3)
	assert.Equal(t, int64(1), report.UserResults[0].StudentID)
	assert.Equal(t, int64(2), report.UserResults[1].StudentID)
	assert.Equal(t, int64(3), report.UserResults[2].StudentID)
	assert.False(t, report.UserResults[1].Success)
	assert.Equal(t, "not enrolled", report.UserResults[1].Error)
}

func TestExpiryMidRunAndResume(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(3), portal.Expired())
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2, 3, 4), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2, 3, 4}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateTokenExpired)
	checkInvariants(t, report)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, []int64{3, 4}, report.Remaining, "expired student stays pending")

	// resume neutrality: results, labels and total carry over
	require.NoError(t, orch.Resume(id, nextURL, ownerID))
	final := waitForState(t, orch, id, StateCompleted)
	checkInvariants(t, final)

	assert.Equal(t, 4, final.Processed)
	assert.Equal(t, 4, final.Successful)
	assert.Equal(t, 4, final.Total)
	assert.Equal(t, "Math", final.Discipline)
	assert.Empty(t, final.Remaining)

	// the parked student was retried first after resume
	assert.Equal(t, []string{"tok-1", "tok-2", "tok-3", "tok-3", "tok-4"}, marker.callOrder())
}

func TestExpiredOnFirstCall(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(1), portal.Expired())
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2, 3), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2, 3}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateTokenExpired)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, []int64{1, 2, 3}, report.Remaining)
}

func TestTransientWithRecovery(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(1), portal.Transient("timeout"), portal.Transient("timeout"))
	orch, _ := newTestOrchestrator(t, marker, testRoster(1), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateCompleted)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 0, report.Failed)
	assert.Len(t, marker.callOrder(), 3)
}

func TestTransientBudgetExhausted(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(1), portal.Transient("timeout"), portal.Transient("timeout"))
	orch, _ := newTestOrchestrator(t, marker, testRoster(1), Config{MaxTransientRetries: 1})

	id, err := orch.Start(ownerID, []int64{1}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateCompleted)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "timeout", report.UserResults[0].Error)
	assert.Len(t, marker.callOrder(), 2)
}

func TestStudentWithoutIdentityFailsAlone(t *testing.T) {
	marker := newScriptedMarker()
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 3), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2, 3}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateCompleted)
	checkInvariants(t, report)

	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "no portal identity on record", report.UserResults[1].Error)
	assert.Equal(t, []string{"tok-1", "tok-3"}, marker.callOrder(), "student 2 never reaches the portal")
}

func TestDisciplineWriteOnce(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(1), portal.Ok("Math", "CS-101", "A"))
	marker.script(token(2), portal.Ok("Physics", "CS-202", "B"))
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateCompleted)
	assert.Equal(t, "Math", report.Discipline)
	assert.Equal(t, "CS-101", report.Group)
}

func TestStartValidation(t *testing.T) {
	marker := newScriptedMarker()
	orch, store := newTestOrchestrator(t, marker, testRoster(1), Config{MaxTransientRetries: 2})

	_, err := orch.Start(ownerID, nil, startURL)
	require.ErrorIs(t, err, ErrEmptyRoster)

	_, err = orch.Start(ownerID, []int64{1}, "not-a-url")
	require.ErrorIs(t, err, ErrBadURL)

	_, err = orch.Start(ownerID, []int64{1}, "ftp://portal.example/qr")
	require.ErrorIs(t, err, ErrBadURL)

	assert.Equal(t, 0, store.Len(), "no partial session survives a rejected start")
}

func TestResumeErrors(t *testing.T) {
	marker := newScriptedMarker()
	orch, _ := newTestOrchestrator(t, marker, testRoster(1), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1}, startURL)
	require.NoError(t, err)
	waitForState(t, orch, id, StateCompleted)

	require.ErrorIs(t, orch.Resume(id, nextURL, ownerID), ErrInvalidState)
	require.ErrorIs(t, orch.Resume("missing", nextURL, ownerID), ErrNotFound)
	require.ErrorIs(t, orch.Resume(id, "bad url", ownerID), ErrBadURL)
}

func TestCrossUserAccess(t *testing.T) {
	marker := newScriptedMarker()
	marker.script(token(1), portal.Expired())
	orch, _ := newTestOrchestrator(t, marker, testRoster(1), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1}, startURL)
	require.NoError(t, err)
	waitForState(t, orch, id, StateTokenExpired)

	_, err = orch.Status(id, otherID)
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.ErrorIs(t, orch.Resume(id, nextURL, otherID), ErrNotAuthorized)

	// the owner is unaffected
	_, err = orch.Status(id, ownerID)
	require.NoError(t, err)
}

func TestMonotonicProgress(t *testing.T) {
	marker := newScriptedMarker()
	marker.delay = 3 * time.Millisecond
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2, 3, 4, 5), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2, 3, 4, 5}, startURL)
	require.NoError(t, err)

	prev := -1
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		report, err := orch.Status(id, ownerID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, report.Processed, prev, "processed must never decrease")
		checkInvariants(t, report)
		prev = report.Processed
		if report.Status == StateCompleted {
			return
		}
	}
	t.Fatal("session never completed")
}

func TestIdempotentPollAfterTerminal(t *testing.T) {
	marker := newScriptedMarker()
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1, 2}, startURL)
	require.NoError(t, err)
	waitForState(t, orch, id, StateCompleted)

	first, err := orch.Status(id, ownerID)
	require.NoError(t, err)
	second, err := orch.Status(id, ownerID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// panicMarker simulates an internal defect inside the worker.
type panicMarker struct{}

func (panicMarker) Mark(context.Context, string, string) portal.Outcome {
	panic("portal adapter bug")
}

func TestWorkerPanicSetsErrorState(t *testing.T) {
	orch, _ := newTestOrchestrator(t, panicMarker{}, testRoster(1), Config{MaxTransientRetries: 2})

	id, err := orch.Start(ownerID, []int64{1}, startURL)
	require.NoError(t, err)

	report := waitForState(t, orch, id, StateError)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, []int64{1}, report.Remaining)
}

func TestConcurrentSessions(t *testing.T) {
	marker := newScriptedMarker()
	marker.delay = time.Millisecond
	orch, _ := newTestOrchestrator(t, marker, testRoster(1, 2, 3, 4, 5, 6), Config{MaxTransientRetries: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		students := []int64{int64(i*2 + 1), int64(i*2 + 2)}
		id, err := orch.Start(ownerID, students, startURL)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		report := waitForState(t, orch, id, StateCompleted)
		assert.Equal(t, 2, report.Successful)
	}
}

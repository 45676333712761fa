package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/model"
	"classattend/internal/oracle"
	"classattend/internal/roster"
	"classattend/internal/store"
	"classattend/internal/verify"
)

// scriptedOracle returns a fixed verdict per stored faceprint. When gate is
// set, Compare signals started and then blocks until gate is closed.
type scriptedOracle struct {
	verdicts map[string]oracle.Result
	started  chan struct{}
	gate     chan struct{}
}

func (o *scriptedOracle) Compare(ctx context.Context, live, stored string) (oracle.Result, error) {
	if o.gate != nil {
		o.started <- struct{}{}
		<-o.gate
	}
	return o.verdicts[stored], nil
}

const (
	studentFace = "data:image/png;base64,student01"
	teacherFace = "data:image/png;base64,teacher01"
)

func newTestManager(t *testing.T, o oracle.Oracle) (*Manager, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, store.Users, "student01", model.User{
		ID: "student01", Name: "Ada Lovelace", Role: model.RoleStudent, Faceprint: studentFace,
	}))
	require.NoError(t, mem.Set(ctx, store.Users, "teacher01", model.User{
		ID: "teacher01", Name: "Alan Turing", Role: model.RoleTeacher, Faceprint: teacherFace,
	}))
	require.NoError(t, mem.Set(ctx, store.Classes, "CS101", model.Class{
		ID: "CS101", Name: "Intro CS", TeacherIDs: []string{"teacher01"}, StudentIDs: []string{"student01"},
	}))

	rosterSvc := roster.NewService(mem, nil, nil)
	verifySvc := verify.NewService(mem, o)
	return NewManager(verifySvc, rosterSvc, time.Minute), mem
}

func matchBoth() *scriptedOracle {
	return &scriptedOracle{verdicts: map[string]oracle.Result{
		studentFace: {IsMatch: true, Confidence: 0.9},
		teacherFace: {IsMatch: true, Confidence: 0.88},
	}}
}

func TestHappyPath(t *testing.T) {
	m, mem := newTestManager(t, matchBoth())
	ctx := context.Background()

	snap, err := m.Create("student01")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "student01", snap.StudentID)

	snap, err = m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)
	assert.Equal(t, StateVerifyingStudent, snap.State)
	assert.Equal(t, "CS101", snap.ClassID)

	snap, err = m.SubmitStudentCapture(ctx, snap.ID, "live-photo")
	require.NoError(t, err)
	assert.Equal(t, StateVerifyingTeacher, snap.State)

	snap, err = m.SubmitTeacherCapture(ctx, snap.ID, "teacher-photo")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, "Verified as Alan Turing. Attendance recorded.", snap.Message)

	today := time.Now().Format(model.DateLayout)
	doc, err := mem.Get(ctx, store.Attendance, model.AttendanceID("CS101", today))
	require.NoError(t, err)
	var rec model.AttendanceRecord
	require.NoError(t, doc.Decode(&rec))
	assert.Equal(t, []string{"student01"}, rec.PresentStudentIDs)
	assert.Equal(t, "teacher01", rec.TeacherID)

	// Acknowledge returns to Idle for the next marking.
	snap, err = m.Acknowledge(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.ClassID)
	assert.Empty(t, snap.Message)
}

func TestStudentNotRecognized(t *testing.T) {
	o := matchBoth()
	o.verdicts[studentFace] = oracle.Result{IsMatch: false, Confidence: 0.93}
	m, mem := newTestManager(t, o)
	ctx := context.Background()

	snap, _ := m.Create("student01")
	snap, err := m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)

	snap, err = m.SubmitStudentCapture(ctx, snap.ID, "live-photo")
	require.NoError(t, err)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, "Student face not recognized. Please try again.", snap.Message)

	today := time.Now().Format(model.DateLayout)
	_, err = mem.Get(ctx, store.Attendance, model.AttendanceID("CS101", today))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTeacherNotRecognized(t *testing.T) {
	o := matchBoth()
	o.verdicts[teacherFace] = oracle.Result{IsMatch: true, Confidence: 0.5}
	m, mem := newTestManager(t, o)
	ctx := context.Background()

	snap, _ := m.Create("student01")
	snap, err := m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)
	snap, err = m.SubmitStudentCapture(ctx, snap.ID, "live-photo")
	require.NoError(t, err)

	snap, err = m.SubmitTeacherCapture(ctx, snap.ID, "teacher-photo")
	require.NoError(t, err)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, "Teacher not recognized or not authorized for this class.", snap.Message)

	// A failed authorization writes nothing.
	today := time.Now().Format(model.DateLayout)
	_, err = mem.Get(ctx, store.Attendance, model.AttendanceID("CS101", today))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSelectClassOutsideStudentRoster(t *testing.T) {
	m, mem := newTestManager(t, matchBoth())
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, store.Classes, "MA201", model.Class{
		ID: "MA201", Name: "Calculus", TeacherIDs: []string{}, StudentIDs: []string{"student02"},
	}))

	snap, _ := m.Create("student01")
	_, err := m.SelectClass(ctx, snap.ID, "MA201")
	require.ErrorIs(t, err, ErrUnknownClass)
	_, err = m.SelectClass(ctx, snap.ID, "ghost")
	require.ErrorIs(t, err, ErrUnknownClass)

	// Still Idle, so a valid selection works.
	snap, err = m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)
	assert.Equal(t, StateVerifyingStudent, snap.State)
}

func TestTransitionsRejectedOutsideTheirState(t *testing.T) {
	m, _ := newTestManager(t, matchBoth())
	ctx := context.Background()

	snap, _ := m.Create("student01")

	_, err := m.SubmitStudentCapture(ctx, snap.ID, "photo")
	require.ErrorIs(t, err, ErrBadTransition)
	_, err = m.SubmitTeacherCapture(ctx, snap.ID, "photo")
	require.ErrorIs(t, err, ErrBadTransition)
	_, err = m.Cancel(snap.ID)
	require.ErrorIs(t, err, ErrBadTransition)
	_, err = m.Acknowledge(snap.ID)
	require.ErrorIs(t, err, ErrBadTransition)

	snap, err = m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)
	_, err = m.SelectClass(ctx, snap.ID, "CS101")
	require.ErrorIs(t, err, ErrBadTransition)
	_, err = m.SubmitTeacherCapture(ctx, snap.ID, "photo")
	require.ErrorIs(t, err, ErrBadTransition)
}

func TestUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, matchBoth())
	ctx := context.Background()

	_, err := m.Get("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.SelectClass(ctx, "nope", "CS101")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.SubmitStudentCapture(ctx, "nope", "photo")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Cancel("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelDiscardsInFlightCapture(t *testing.T) {
	o := matchBoth()
	o.started = make(chan struct{})
	o.gate = make(chan struct{})
	m, mem := newTestManager(t, o)
	ctx := context.Background()

	snap, _ := m.Create("student01")
	id := snap.ID
	_, err := m.SelectClass(ctx, id, "CS101")
	require.NoError(t, err)

	done := make(chan Snapshot, 1)
	go func() {
		late, err := m.SubmitStudentCapture(ctx, id, "photo")
		require.NoError(t, err)
		done <- late
	}()

	// The capture is inside the oracle call; the user walks away.
	<-o.started
	snap, err = m.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)

	// The oracle answers with a match, but the session was reset meanwhile.
	close(o.gate)
	late := <-done
	assert.Equal(t, StateIdle, late.State, "late completion is discarded, not replayed")

	snap, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Message)

	today := time.Now().Format(model.DateLayout)
	_, err = mem.Get(ctx, store.Attendance, model.AttendanceID("CS101", today))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAcknowledgeAfterFailureAllowsRetry(t *testing.T) {
	o := matchBoth()
	o.verdicts[studentFace] = oracle.Result{IsMatch: false}
	m, _ := newTestManager(t, o)
	ctx := context.Background()

	snap, _ := m.Create("student01")
	snap, err := m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)
	snap, err = m.SubmitStudentCapture(ctx, snap.ID, "photo")
	require.NoError(t, err)
	require.Equal(t, StateFailure, snap.State)

	snap, err = m.Acknowledge(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)

	// Retry succeeds once the oracle recognizes the student.
	o.verdicts[studentFace] = oracle.Result{IsMatch: true, Confidence: 0.9}
	snap, err = m.SelectClass(ctx, snap.ID, "CS101")
	require.NoError(t, err)
	snap, err = m.SubmitStudentCapture(ctx, snap.ID, "photo")
	require.NoError(t, err)
	assert.Equal(t, StateVerifyingTeacher, snap.State)
}

// queryHookStore runs a callback before every Query, to interleave session
// expiry with the roster read inside SelectClass.
type queryHookStore struct {
	store.Store
	onQuery func()
}

func (s *queryHookStore) Query(ctx context.Context, collection string, wheres ...store.Where) ([]store.Doc, error) {
	if s.onQuery != nil {
		s.onQuery()
	}
	return s.Store.Query(ctx, collection, wheres...)
}

func TestSelectClassAfterPurgeDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, store.Classes, "CS101", model.Class{
		ID: "CS101", Name: "Intro CS", TeacherIDs: []string{}, StudentIDs: []string{"student01"},
	}))
	hooked := &queryHookStore{Store: mem}
	m := NewManager(verify.NewService(mem, matchBoth()), roster.NewService(hooked, nil, nil), time.Minute)

	snap, err := m.Create("student01")
	require.NoError(t, err)
	id := snap.ID

	// The session expires while SelectClass is off reading the roster.
	hooked.onQuery = func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}

	_, err = m.SelectClass(ctx, id, "CS101")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Get(id)
	require.ErrorIs(t, err, ErrSessionNotFound, "expired session must stay gone")
	m.mu.Lock()
	assert.Empty(t, m.sessions)
	m.mu.Unlock()
}

func TestPurgeDropsExpiredSessions(t *testing.T) {
	m, _ := newTestManager(t, matchBoth())
	snap, _ := m.Create("student01")

	m.mu.Lock()
	m.sessions[snap.ID].touched = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()
	m.purge()

	_, err := m.Get(snap.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// Package session runs the attendance workflow state machine:
// Idle -> VerifyingStudent -> VerifyingTeacher -> Submitting -> Success/Failure.
// Sessions live in memory, keyed by uuid, and expire after a TTL.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"classattend/internal/metrics"
	"classattend/internal/roster"
	"classattend/internal/verify"
)

// State is the client-observable workflow state.
type State string

const (
	StateIdle             State = "IDLE"
	StateVerifyingStudent State = "VERIFYING_STUDENT"
	StateVerifyingTeacher State = "VERIFYING_TEACHER"
	StateSubmitting       State = "SUBMITTING"
	StateSuccess          State = "SUCCESS"
	StateFailure          State = "FAILURE"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBadTransition is returned when an operation does not apply to the
	// session's current state.
	ErrBadTransition = errors.New("operation not allowed in current session state")
	// ErrUnknownClass rejects a class selection outside the student's
	// available classes.
	ErrUnknownClass = errors.New("invalid class id: please select one of your classes")
)

type session struct {
	id        string
	studentID string
	classID   string
	state     State
	message   string
	// gen bumps on every cancel/ack so a capture that completes after the
	// session reset is discarded instead of replayed.
	gen     int
	touched time.Time
}

// Snapshot is the externally visible session view.
type Snapshot struct {
	ID        string `json:"id"`
	StudentID string `json:"studentId"`
	ClassID   string `json:"classId,omitempty"`
	State     State  `json:"state"`
	Message   string `json:"message,omitempty"`
}

func (s *session) snapshot() Snapshot {
	return Snapshot{ID: s.id, StudentID: s.studentID, ClassID: s.classID, State: s.state, Message: s.message}
}

// Manager owns the live sessions and drives transitions through the
// verification services and the roster core.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	verify   *verify.Service
	roster   *roster.Service
	ttl      time.Duration
}

// NewManager builds a session manager with the given idle expiry.
func NewManager(v *verify.Service, r *roster.Service, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*session),
		verify:   v,
		roster:   r,
		ttl:      ttl,
	}
}

// Create opens a new Idle session for the student.
func (m *Manager) Create(studentID string) (Snapshot, error) {
	if studentID == "" {
		return Snapshot{}, fmt.Errorf("student id required")
	}
	s := &session{
		id:        uuid.NewString(),
		studentID: studentID,
		state:     StateIdle,
		touched:   time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s.snapshot(), nil
}

// Get returns the current session view.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// SelectClass moves Idle -> VerifyingStudent. The class must be one of the
// student's available classes.
func (m *Manager) SelectClass(ctx context.Context, id, classID string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, ErrSessionNotFound
	}
	if s.state != StateIdle {
		snap := s.snapshot()
		m.mu.Unlock()
		return snap, ErrBadTransition
	}
	studentID := s.studentID
	m.mu.Unlock()

	available, err := m.roster.ClassesForStudent(ctx, studentID)
	if err != nil {
		return Snapshot{}, err
	}
	known := false
	for _, cls := range available {
		if cls.ID == classID {
			known = true
			break
		}
	}
	if !known {
		return Snapshot{}, ErrUnknownClass
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.sessions[id] // may have been purged during the roster read
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if s.state != StateIdle { // raced with cancel
		return s.snapshot(), ErrBadTransition
	}
	s.classID = classID
	s.state = StateVerifyingStudent
	s.message = ""
	s.touched = time.Now()
	return s.snapshot(), nil
}

// SubmitStudentCapture runs the student face check. A match above the
// verification threshold advances to VerifyingTeacher; anything else is a
// Failure with the reason as the message.
func (m *Manager) SubmitStudentCapture(ctx context.Context, id, photo string) (Snapshot, error) {
	s, gen, err := m.beginCapture(id, StateVerifyingStudent)
	if err != nil {
		return Snapshot{}, err
	}

	res, verr := m.verify.StudentFace(ctx, s.studentID, photo)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked(id, gen) {
		return m.snapshotLocked(id)
	}
	switch {
	case verr != nil:
		s.fail(verr.Error())
	case res.IsMatch && res.Confidence > verify.MatchThreshold:
		s.state = StateVerifyingTeacher
		s.message = "Student verified. Please have your teacher authorize."
	default:
		s.fail("Student face not recognized. Please try again.")
	}
	s.touched = time.Now()
	return s.snapshot(), nil
}

// SubmitTeacherCapture runs the class-teacher check and, on success, writes
// the attendance record before moving to Success.
func (m *Manager) SubmitTeacherCapture(ctx context.Context, id, photo string) (Snapshot, error) {
	s, gen, err := m.beginCapture(id, StateVerifyingTeacher)
	if err != nil {
		return Snapshot{}, err
	}

	tv, verr := m.verify.TeacherFace(ctx, photo, s.classID)
	var markErr error
	if verr == nil && tv.Verified {
		markErr = m.roster.MarkAttendance(ctx, s.classID, s.studentID, tv.TeacherID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleLocked(id, gen) {
		return m.snapshotLocked(id)
	}
	switch {
	case verr != nil:
		s.fail(verr.Error())
	case !tv.Verified:
		s.fail(tv.Message)
	case markErr != nil:
		s.fail(markErr.Error())
	default:
		s.state = StateSuccess
		s.message = fmt.Sprintf("%s Attendance recorded.", tv.Message)
		metrics.SessionsTotal.WithLabelValues("success").Inc()
	}
	s.touched = time.Now()
	return s.snapshot(), nil
}

// Cancel returns the session to Idle from any in-progress state, discarding
// an in-flight capture. The capture itself is not interruptible; its late
// result is ignored because the generation has moved on.
func (m *Manager) Cancel(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	switch s.state {
	case StateVerifyingStudent, StateVerifyingTeacher, StateSubmitting:
		s.reset()
		metrics.SessionsTotal.WithLabelValues("cancelled").Inc()
		return s.snapshot(), nil
	default:
		return s.snapshot(), ErrBadTransition
	}
}

// Acknowledge moves Success/Failure back to Idle ("try again" / "mark
// another").
func (m *Manager) Acknowledge(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	if s.state != StateSuccess && s.state != StateFailure {
		return s.snapshot(), ErrBadTransition
	}
	s.reset()
	return s.snapshot(), nil
}

// Run purges expired sessions until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purge()
		}
	}
}

func (m *Manager) purge() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.touched.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("purged %d expired attendance sessions", removed)
	}
}

// beginCapture moves the session into Submitting and returns the generation
// the eventual completion must present.
func (m *Manager) beginCapture(id string, from State) (*session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, 0, ErrSessionNotFound
	}
	if s.state != from {
		return nil, 0, ErrBadTransition
	}
	s.state = StateSubmitting
	s.touched = time.Now()
	return s, s.gen, nil
}

// staleLocked reports whether the session vanished or was reset since the
// capture started.
func (m *Manager) staleLocked(id string, gen int) bool {
	s, ok := m.sessions[id]
	return !ok || s.gen != gen
}

func (m *Manager) snapshotLocked(id string) (Snapshot, error) {
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

func (s *session) fail(message string) {
	s.state = StateFailure
	s.message = message
	metrics.SessionsTotal.WithLabelValues("failure").Inc()
}

func (s *session) reset() {
	s.state = StateIdle
	s.classID = ""
	s.message = ""
	s.gen++
	s.touched = time.Now()
}

// Package verify runs the two identity checks behind attendance marking:
// the student's 1:1 face check and the class-teacher authorization check.
package verify

import (
	"context"
	"errors"
	"fmt"

	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/oracle"
	"classattend/internal/registry"
	"classattend/internal/store"
)

// MatchThreshold is the confidence a comparison must clear to count as a
// verified identity.
const MatchThreshold = 0.75

var (
	// ErrStudentNotFound is returned when the id is absent or not a student.
	ErrStudentNotFound = errors.New("student not found")
	// ErrInvalidStoredFace is returned when the stored faceprint is missing
	// or malformed.
	ErrInvalidStoredFace = errors.New("stored faceprint for this student is missing or invalid")
)

// TeacherVerification is the outcome of the class-teacher check. A negative
// outcome is a normal result, not an error.
type TeacherVerification struct {
	Verified  bool   `json:"isTeacherVerified"`
	Message   string `json:"message"`
	TeacherID string `json:"teacherId,omitempty"`
}

// Service loads subjects from the store and delegates matching to the oracle.
type Service struct {
	store  store.Store
	oracle oracle.Oracle
}

// NewService builds the verifier.
func NewService(st store.Store, o oracle.Oracle) *Service {
	return &Service{store: st, oracle: o}
}

// StudentFace compares the live photo against the student's stored
// faceprint and returns the oracle's raw verdict; the threshold decision
// belongs to the caller.
func (s *Service) StudentFace(ctx context.Context, studentID, livePhoto string) (oracle.Result, error) {
	doc, err := s.store.Get(ctx, store.Users, studentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return oracle.Result{}, ErrStudentNotFound
		}
		return oracle.Result{}, err
	}
	var student model.User
	if err := doc.Decode(&student); err != nil {
		return oracle.Result{}, err
	}
	if student.Role != model.RoleStudent {
		return oracle.Result{}, ErrStudentNotFound
	}
	if !registry.UsableFaceprint(student.Faceprint) {
		return oracle.Result{}, ErrInvalidStoredFace
	}

	res, err := s.oracle.Compare(ctx, livePhoto, student.Faceprint)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("student", "error").Inc()
		return oracle.Result{}, fmt.Errorf("face verification failed: %w", err)
	}
	outcome := "no_match"
	if res.IsMatch && res.Confidence > MatchThreshold {
		outcome = "match"
	}
	metrics.VerificationsTotal.WithLabelValues("student", outcome).Inc()
	return res, nil
}

// TeacherFace checks the live photo against the class's assigned teachers in
// stored roster order and stops at the first match above MatchThreshold.
// First-match-wins, not best-match. Teachers without a usable faceprint are
// skipped silently. A missing class is a normal negative result.
func (s *Service) TeacherFace(ctx context.Context, photo, classID string) (TeacherVerification, error) {
	doc, err := s.store.Get(ctx, store.Classes, classID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TeacherVerification{Message: "Class not found."}, nil
		}
		return TeacherVerification{}, err
	}
	var cls model.Class
	if err := doc.Decode(&cls); err != nil {
		return TeacherVerification{}, err
	}

	for _, teacherID := range cls.TeacherIDs {
		tdoc, err := s.store.Get(ctx, store.Users, teacherID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return TeacherVerification{}, err
		}
		var teacher model.User
		if err := tdoc.Decode(&teacher); err != nil {
			return TeacherVerification{}, err
		}
		if teacher.Role != model.RoleTeacher || !registry.UsableFaceprint(teacher.Faceprint) {
			continue
		}
		res, err := s.oracle.Compare(ctx, photo, teacher.Faceprint)
		if err != nil {
			metrics.VerificationsTotal.WithLabelValues("teacher", "error").Inc()
			return TeacherVerification{}, fmt.Errorf("face verification failed: %w", err)
		}
		if res.IsMatch && res.Confidence > MatchThreshold {
			metrics.VerificationsTotal.WithLabelValues("teacher", "match").Inc()
			return TeacherVerification{
				Verified:  true,
				Message:   fmt.Sprintf("Verified as %s.", teacher.Name),
				TeacherID: teacherID,
			}, nil
		}
	}

	metrics.VerificationsTotal.WithLabelValues("teacher", "no_match").Inc()
	return TeacherVerification{Message: "Teacher not recognized or not authorized for this class."}, nil
}

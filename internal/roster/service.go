// Package roster maintains the Class/User relationship and the per-class
// per-day attendance aggregate.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// ErrBadClassID rejects class ids outside the admin-chosen 3-10 char range.
var ErrBadClassID = errors.New("class id must be 3-10 characters")

// Service is the roster consistency core. All mutations are single store
// calls or one atomic batch; there is no in-process locking.
type Service struct {
	store store.Store
	cache *store.ClassCache
	queue queue.Queue
	now   func() time.Time
}

// NewService builds the core. cache and q may be nil; both degrade to no-ops.
func NewService(st store.Store, cache *store.ClassCache, q queue.Queue) *Service {
	return &Service{store: st, cache: cache, queue: q, now: time.Now}
}

// CreateClass creates a class with empty rosters. A taken id yields
// store.ErrAlreadyExists.
func (s *Service) CreateClass(ctx context.Context, id, name string) error {
	if len(id) < 3 || len(id) > 10 {
		return ErrBadClassID
	}
	cls := model.Class{ID: id, Name: name, TeacherIDs: []string{}, StudentIDs: []string{}}
	if err := s.store.Create(ctx, store.Classes, id, cls); err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}

// UpdateRoster replaces both id-sets of the class in full. Ids are not
// validated against existing users; the caller populates them from a known
// user list.
func (s *Service) UpdateRoster(ctx context.Context, classID string, teacherIDs, studentIDs []string) error {
	if teacherIDs == nil {
		teacherIDs = []string{}
	}
	if studentIDs == nil {
		studentIDs = []string{}
	}
	err := s.store.Update(ctx, store.Classes, classID, map[string]any{
		"teacherIds": teacherIDs,
		"studentIds": studentIDs,
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}

// DeleteUser removes the user document and rewrites every class roster that
// referenced it, in one all-or-nothing batch. Classes that never referenced
// the user are not written. Re-invoking after success is a no-op that still
// succeeds.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	docs, err := s.store.Query(ctx, store.Classes)
	if err != nil {
		return fmt.Errorf("loading classes: %w", err)
	}

	batch := s.store.Batch()
	batch.Delete(store.Users, userID)
	for _, doc := range docs {
		var cls model.Class
		if err := doc.Decode(&cls); err != nil {
			return fmt.Errorf("decoding class %s: %w", doc.ID, err)
		}
		teacherIDs := without(cls.TeacherIDs, userID)
		studentIDs := without(cls.StudentIDs, userID)
		if len(teacherIDs) != len(cls.TeacherIDs) || len(studentIDs) != len(cls.StudentIDs) {
			batch.Update(store.Classes, cls.ID, map[string]any{
				"teacherIds": teacherIDs,
				"studentIds": studentIDs,
			})
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}

// MarkAttendance records the student as present for the class today. The
// write is a single conditional upsert: the first caller of the day creates
// the record, later callers append, and a repeat student id changes nothing,
// the verifying teacher id included. Safe under concurrent callers. Only a
// real append counts and reaches the audit queue; a no-op re-mark publishes
// nothing.
func (s *Service) MarkAttendance(ctx context.Context, classID, studentID, teacherID string) error {
	date := s.now().Format(model.DateLayout)
	id := model.AttendanceID(classID, date)
	changed, err := s.store.ArrayUnion(ctx, store.Attendance, id, "presentStudentIds", studentID, map[string]any{
		"classId":   classID,
		"date":      date,
		"teacherId": teacherID,
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	metrics.AttendanceMarkedTotal.Inc()
	if s.queue != nil {
		if err := s.queue.Publish(ctx, queue.NewAttendanceMarked(classID, studentID, teacherID, date)); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
	}
	return nil
}

// GetClass returns one class or store.ErrNotFound.
func (s *Service) GetClass(ctx context.Context, classID string) (model.Class, error) {
	doc, err := s.store.Get(ctx, store.Classes, classID)
	if err != nil {
		return model.Class{}, err
	}
	var cls model.Class
	if err := doc.Decode(&cls); err != nil {
		return model.Class{}, err
	}
	return cls, nil
}

// ListClasses returns every class, served from the cache when warm.
func (s *Service) ListClasses(ctx context.Context) ([]model.Class, error) {
	if classes, ok := s.cache.Get(ctx); ok {
		return classes, nil
	}
	classes, err := s.queryClasses(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, classes)
	return classes, nil
}

// ClassesForStudent returns the classes whose studentIds contain the id.
func (s *Service) ClassesForStudent(ctx context.Context, studentID string) ([]model.Class, error) {
	return s.queryClasses(ctx, store.ArrayContains("studentIds", studentID))
}

// ClassesForTeacher returns the classes whose teacherIds contain the id.
func (s *Service) ClassesForTeacher(ctx context.Context, teacherID string) ([]model.Class, error) {
	return s.queryClasses(ctx, store.ArrayContains("teacherIds", teacherID))
}

// AttendanceFor returns the attendance record for one class/day, or
// store.ErrNotFound when nobody was marked that day.
func (s *Service) AttendanceFor(ctx context.Context, classID, date string) (model.AttendanceRecord, error) {
	doc, err := s.store.Get(ctx, store.Attendance, model.AttendanceID(classID, date))
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	var rec model.AttendanceRecord
	if err := doc.Decode(&rec); err != nil {
		return model.AttendanceRecord{}, err
	}
	rec.ID = doc.ID
	return rec, nil
}

// DayCount is one point of the attendance summary series.
type DayCount struct {
	Date    string `json:"date"`
	Present int    `json:"present"`
}

// AttendanceSummary returns present counts for the last days calendar days,
// today included, oldest first. Days without a record count zero.
func (s *Service) AttendanceSummary(ctx context.Context, classID string, days int) ([]DayCount, error) {
	if days <= 0 {
		days = 7
	}
	today := s.now()
	series := make([]DayCount, 0, days)
	for i := days - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format(model.DateLayout)
		rec, err := s.AttendanceFor(ctx, classID, date)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				series = append(series, DayCount{Date: date})
				continue
			}
			return nil, err
		}
		series = append(series, DayCount{Date: date, Present: len(rec.PresentStudentIDs)})
	}
	return series, nil
}

func (s *Service) queryClasses(ctx context.Context, wheres ...store.Where) ([]model.Class, error) {
	docs, err := s.store.Query(ctx, store.Classes, wheres...)
	if err != nil {
		return nil, err
	}
	classes := make([]model.Class, 0, len(docs))
	for _, doc := range docs {
		var cls model.Class
		if err := doc.Decode(&cls); err != nil {
			return nil, fmt.Errorf("decoding class %s: %w", doc.ID, err)
		}
		classes = append(classes, cls)
	}
	return classes, nil
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

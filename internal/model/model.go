package model

// Role of a registered user.
type Role string

const (
	RoleStudent Role = "Student"
	RoleTeacher Role = "Teacher"
)

// Prefix returns the lowercase id prefix for the role ("student" / "teacher").
func (r Role) Prefix() string {
	if r == RoleTeacher {
		return "teacher"
	}
	return "student"
}

// Valid reports whether the role is one of the two known values.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

// User is a document in the users collection. IDs follow the
// <role><2-digit-sequence> format, e.g. "student01".
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	Faceprint    string `json:"faceprint"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash,omitempty"`
}

// Class is a document in the classes collection. The roster id-sets hold
// back-references to users; they are cleaned up reactively on user deletion.
type Class struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	TeacherIDs []string `json:"teacherIds"`
	StudentIDs []string `json:"studentIds"`
}

// AttendanceRecord is the per-class per-day aggregate in the attendance
// collection. Its document id is <classId>_<YYYY-MM-DD>.
type AttendanceRecord struct {
	ID                string   `json:"id,omitempty"`
	ClassID           string   `json:"classId"`
	Date              string   `json:"date"`
	PresentStudentIDs []string `json:"presentStudentIds"`
	TeacherID         string   `json:"teacherId"`
}

// AttendanceID builds the derived document id for a class/day pair.
func AttendanceID(classID, date string) string {
	return classID + "_" + date
}

// AuditEntry records one successful attendance mark, written by the worker.
type AuditEntry struct {
	ID         string `json:"id"`
	ClassID    string `json:"classId"`
	StudentID  string `json:"studentId"`
	TeacherID  string `json:"teacherId"`
	Date       string `json:"date"`
	RecordedAt string `json:"recordedAt"`
}

// DateLayout is the calendar-day format used for attendance keys.
const DateLayout = "2006-01-02"

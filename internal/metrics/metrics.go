package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistrationsTotal counts registration attempts by outcome
	// (registered, duplicate_identity, error).
	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_registrations_total",
		Help: "User registration attempts by outcome.",
	}, []string{"outcome"})

	// VerificationsTotal counts face verifications by subject role and outcome.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_verifications_total",
		Help: "Face verification attempts by role and outcome.",
	}, []string{"role", "outcome"})

	// AttendanceMarkedTotal counts successful attendance writes.
	AttendanceMarkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classattend_attendance_marked_total",
		Help: "Successful attendance marks.",
	})

	// SessionsTotal counts attendance sessions by terminal outcome.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classattend_sessions_total",
		Help: "Attendance sessions by terminal outcome (success, failure, cancelled).",
	}, []string{"outcome"})
)

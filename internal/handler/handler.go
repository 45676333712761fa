// Package handler binds the service operations to HTTP. Every operation
// answers with {"success": bool, "message": string, ...}; failure messages
// cross the boundary verbatim so the UI can surface them unchanged.
package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/model"
	"classattend/internal/registry"
	"classattend/internal/roster"
	"classattend/internal/session"
	"classattend/internal/store"
	"classattend/internal/verify"
)

// Handler carries the wired services behind the HTTP surface.
type Handler struct {
	cfg      config.App
	registry *registry.Service
	roster   *roster.Service
	verify   *verify.Service
	sessions *session.Manager
}

// New builds the handler set.
func New(cfg config.App, reg *registry.Service, ros *roster.Service, ver *verify.Service, sess *session.Manager) *Handler {
	return &Handler{cfg: cfg, registry: reg, roster: ros, verify: ver, sessions: sess}
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// ---------- Auth ----------

// Login checks user credentials and issues a token pair.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Username and password are required.")
		return
	}
	user, err := h.registry.Login(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, registry.ErrUserNotFound):
		fail(c, http.StatusUnauthorized, "User not found.")
		return
	case errors.Is(err, registry.ErrIncorrectPassword):
		fail(c, http.StatusUnauthorized, "Incorrect password.")
		return
	case err != nil:
		log.Printf("login failed: %v", err)
		fail(c, http.StatusInternalServerError, "An error occurred during login.")
		return
	}
	tokens, err := auth.Issue(user.ID, string(user.Role), h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, "token issue failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Login successful",
		"user":          user,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// AdminLogin issues an admin token for the configured credentials.
func (h *Handler) AdminLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Username and password are required.")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		fail(c, http.StatusUnauthorized, "Invalid admin credentials.")
		return
	}
	tokens, err := auth.Issue(req.Username, auth.RoleAdmin, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, "token issue failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Login successful",
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---------- Users ----------

// RegisterUser enrolls a new user; the generated password is returned only
// here.
func (h *Handler) RegisterUser(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		Role      string `json:"role" binding:"required"`
		Faceprint string `json:"faceprint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := h.registry.Register(c.Request.Context(), req.Name, model.Role(req.Role), req.Faceprint)
	if err != nil {
		var dup *registry.DuplicateIdentityError
		switch {
		case errors.As(err, &dup):
			fail(c, http.StatusConflict, dup.Error())
		case errors.Is(err, registry.ErrBadInput):
			fail(c, http.StatusBadRequest, err.Error())
		default:
			log.Printf("register failed: %v", err)
			fail(c, http.StatusInternalServerError, err.Error())
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "User registered successfully.", "user": reg})
}

// ListUsers lists users, optionally filtered by ?role=.
func (h *Handler) ListUsers(c *gin.Context) {
	role := model.Role(c.Query("role"))
	if role != "" && !role.Valid() {
		fail(c, http.StatusBadRequest, "Unknown role.")
		return
	}
	users, err := h.registry.ListUsers(c.Request.Context(), role)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

// GetUser returns one user by id.
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.registry.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "User not found.")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// DeleteUser removes the user and scrubs every class roster in one batch.
func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.roster.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		log.Printf("delete user failed: %v", err)
		fail(c, http.StatusInternalServerError, "Failed to delete user: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User deleted successfully."})
}

// Stats returns the admin dashboard headline counts.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// ---------- Classes ----------

// CreateClass creates a class with empty rosters.
func (h *Handler) CreateClass(c *gin.Context) {
	var req struct {
		ClassID   string `json:"classId" binding:"required"`
		ClassName string `json:"className" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	err := h.roster.CreateClass(c.Request.Context(), req.ClassID, req.ClassName)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		fail(c, http.StatusConflict, `A class with ID "`+req.ClassID+`" already exists.`)
		return
	case errors.Is(err, roster.ErrBadClassID):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Class created successfully."})
}

// ListClasses returns all classes, or the classes of one student/teacher
// when ?studentId= / ?teacherId= is present.
func (h *Handler) ListClasses(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		classes []model.Class
		err     error
	)
	switch {
	case c.Query("studentId") != "":
		classes, err = h.roster.ClassesForStudent(ctx, c.Query("studentId"))
	case c.Query("teacherId") != "":
		classes, err = h.roster.ClassesForTeacher(ctx, c.Query("teacherId"))
	default:
		classes, err = h.roster.ListClasses(ctx)
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if classes == nil {
		classes = []model.Class{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "classes": classes})
}

// GetClass returns one class by id.
func (h *Handler) GetClass(c *gin.Context) {
	cls, err := h.roster.GetClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "Class not found.")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "class": cls})
}

// UpdateRoster replaces both roster id-sets of a class.
func (h *Handler) UpdateRoster(c *gin.Context) {
	var req struct {
		TeacherIDs []string `json:"teacherIds"`
		StudentIDs []string `json:"studentIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	err := h.roster.UpdateRoster(c.Request.Context(), c.Param("id"), req.TeacherIDs, req.StudentIDs)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "Class not found.")
			return
		}
		fail(c, http.StatusInternalServerError, "Failed to update roster: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Roster updated successfully."})
}

// ---------- Attendance ----------

// MarkAttendance records a student as present for today, directly (the
// session workflow calls the same core operation after verification).
func (h *Handler) MarkAttendance(c *gin.Context) {
	var req struct {
		ClassID   string `json:"classId" binding:"required"`
		StudentID string `json:"studentId" binding:"required"`
		TeacherID string `json:"teacherId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.roster.MarkAttendance(c.Request.Context(), req.ClassID, req.StudentID, req.TeacherID); err != nil {
		fail(c, http.StatusInternalServerError, "Failed to mark attendance: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Attendance marked successfully."})
}

// GetAttendance returns the record for ?classId= and ?date= (default today).
func (h *Handler) GetAttendance(c *gin.Context) {
	classID := c.Query("classId")
	if classID == "" {
		fail(c, http.StatusBadRequest, "classId is required.")
		return
	}
	date := c.Query("date")
	if date == "" {
		date = time.Now().Format(model.DateLayout)
	}
	rec, err := h.roster.AttendanceFor(c.Request.Context(), classID, date)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "No attendance record for this class and date.")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}

// AttendanceSummary returns the present-count series for the chart.
func (h *Handler) AttendanceSummary(c *gin.Context) {
	classID := c.Query("classId")
	if classID == "" {
		fail(c, http.StatusBadRequest, "classId is required.")
		return
	}
	days := 7
	if v := c.Query("days"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			days = parsed
		}
	}
	series, err := h.roster.AttendanceSummary(c.Request.Context(), classID, days)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": series})
}

// ---------- Verification ----------

// VerifyStudent runs the raw student face check; the threshold decision is
// the caller's.
func (h *Handler) VerifyStudent(c *gin.Context) {
	var req struct {
		StudentID string `json:"studentId" binding:"required"`
		Photo     string `json:"photo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.verify.StudentFace(c.Request.Context(), req.StudentID, req.Photo)
	if err != nil {
		switch {
		case errors.Is(err, verify.ErrStudentNotFound):
			fail(c, http.StatusNotFound, "Student not found.")
		case errors.Is(err, verify.ErrInvalidStoredFace):
			fail(c, http.StatusUnprocessableEntity, "Stored faceprint for this student is missing or invalid.")
		default:
			log.Printf("student verification failed: %v", err)
			fail(c, http.StatusBadGateway, err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "isMatch": res.IsMatch, "confidence": res.Confidence})
}

// VerifyTeacher runs the class-teacher authorization check; a negative
// outcome is a 200 with isTeacherVerified=false.
func (h *Handler) VerifyTeacher(c *gin.Context) {
	var req struct {
		ClassID string `json:"classId" binding:"required"`
		Photo   string `json:"photo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	tv, err := h.verify.TeacherFace(c.Request.Context(), req.Photo, req.ClassID)
	if err != nil {
		log.Printf("teacher verification failed: %v", err)
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"isTeacherVerified": tv.Verified,
		"message":           tv.Message,
		"teacherId":         tv.TeacherID,
	})
}

// ---------- Attendance sessions ----------

// CreateSession opens an Idle workflow session for a student.
func (h *Handler) CreateSession(c *gin.Context) {
	var req struct {
		StudentID string `json:"studentId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.registry.GetUser(c.Request.Context(), req.StudentID)
	if err != nil || user.Role != model.RoleStudent {
		fail(c, http.StatusNotFound, "Student not found.")
		return
	}
	snap, err := h.sessions.Create(req.StudentID)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "session": snap})
}

// GetSession returns the current session view.
func (h *Handler) GetSession(c *gin.Context) {
	snap, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "Session not found.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": snap})
}

// SelectClass moves an Idle session into student verification.
func (h *Handler) SelectClass(c *gin.Context) {
	var req struct {
		ClassID string `json:"classId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.sessions.SelectClass(c.Request.Context(), c.Param("id"), req.ClassID)
	h.sessionReply(c, snap, err)
}

// StudentCapture submits the student's live photo.
func (h *Handler) StudentCapture(c *gin.Context) {
	h.capture(c, h.sessions.SubmitStudentCapture)
}

// TeacherCapture submits the teacher's live photo.
func (h *Handler) TeacherCapture(c *gin.Context) {
	h.capture(c, h.sessions.SubmitTeacherCapture)
}

func (h *Handler) capture(c *gin.Context, submit func(ctx context.Context, id, photo string) (session.Snapshot, error)) {
	var req struct {
		Photo string `json:"photo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := submit(c.Request.Context(), c.Param("id"), req.Photo)
	h.sessionReply(c, snap, err)
}

// CancelSession returns the session to Idle, discarding in-flight work.
func (h *Handler) CancelSession(c *gin.Context) {
	snap, err := h.sessions.Cancel(c.Param("id"))
	h.sessionReply(c, snap, err)
}

// AckSession acknowledges a terminal state and resets to Idle.
func (h *Handler) AckSession(c *gin.Context) {
	snap, err := h.sessions.Acknowledge(c.Param("id"))
	h.sessionReply(c, snap, err)
}

func (h *Handler) sessionReply(c *gin.Context, snap session.Snapshot, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		fail(c, http.StatusNotFound, "Session not found.")
	case errors.Is(err, session.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error(), "session": snap})
	case errors.Is(err, session.ErrUnknownClass):
		fail(c, http.StatusBadRequest, "Invalid Class ID. Please select a valid class.")
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "session": snap})
	}
}

// Package registry handles user registration with face deduplication,
// credential generation, and login.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"classattend/internal/auth"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/oracle"
	"classattend/internal/store"
)

// DedupThreshold is the confidence above which a face match during
// registration is treated as a duplicate identity.
const DedupThreshold = 0.95

var (
	// ErrUserNotFound is returned by Login for an unknown username.
	ErrUserNotFound = errors.New("user not found")
	// ErrIncorrectPassword is returned by Login on a bad password.
	ErrIncorrectPassword = errors.New("incorrect password")
	// ErrBadInput rejects registration with a missing name, role, or faceprint.
	ErrBadInput = errors.New("name, role, and faceprint are required")
)

// DuplicateIdentityError names the already-enrolled user the new faceprint
// matched.
type DuplicateIdentityError struct {
	UserID string
	Name   string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("this person appears to be already registered as %s (ID: %s)", e.Name, e.UserID)
}

// Registered is returned once per registration; Password is the only copy of
// the generated plaintext.
type Registered struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Role     model.Role `json:"role"`
	Username string     `json:"username"`
	Password string     `json:"password"`
}

// Service persists users and consults the identity oracle for dedup.
type Service struct {
	store  store.Store
	oracle oracle.Oracle
}

// NewService builds the registry.
func NewService(st store.Store, o oracle.Oracle) *Service {
	return &Service{store: st, oracle: o}
}

// Register enrolls a new user. Every enrolled faceprint is compared against
// the new one; a match above DedupThreshold aborts with
// DuplicateIdentityError and writes nothing. O(existing users) oracle calls,
// deliberate for small rosters.
func (s *Service) Register(ctx context.Context, name string, role model.Role, faceprint string) (Registered, error) {
	if strings.TrimSpace(name) == "" || !role.Valid() || faceprint == "" {
		return Registered{}, ErrBadInput
	}

	docs, err := s.store.Query(ctx, store.Users)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return Registered{}, fmt.Errorf("loading users: %w", err)
	}
	for _, doc := range docs {
		var existing model.User
		if err := doc.Decode(&existing); err != nil {
			return Registered{}, fmt.Errorf("decoding user %s: %w", doc.ID, err)
		}
		if !UsableFaceprint(existing.Faceprint) {
			continue
		}
		res, err := s.oracle.Compare(ctx, faceprint, existing.Faceprint)
		if err != nil {
			metrics.RegistrationsTotal.WithLabelValues("error").Inc()
			return Registered{}, fmt.Errorf("face comparison failed: %w", err)
		}
		if res.IsMatch && res.Confidence > DedupThreshold {
			metrics.RegistrationsTotal.WithLabelValues("duplicate_identity").Inc()
			return Registered{}, &DuplicateIdentityError{UserID: existing.ID, Name: existing.Name}
		}
	}

	id, err := s.nextID(ctx, role, countByRole(docs, role))
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return Registered{}, err
	}

	username := strings.ToLower(strings.Fields(name)[0]) + "_" + role.Prefix()
	password := auth.GeneratePassword()
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Registered{}, err
	}

	user := model.User{
		ID:           id,
		Name:         name,
		Role:         role,
		Faceprint:    faceprint,
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.store.Create(ctx, store.Users, id, user); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return Registered{}, fmt.Errorf("saving user: %w", err)
	}

	metrics.RegistrationsTotal.WithLabelValues("registered").Inc()
	return Registered{ID: id, Name: name, Role: role, Username: username, Password: password}, nil
}

// nextID assigns the next <role><NN> id from the persisted per-role counter.
// The counter survives deletions, so ids are never reused. A missing counter
// is seeded from the live same-role count to keep the sequence of stores
// populated before counters existed.
func (s *Service) nextID(ctx context.Context, role model.Role, existing int) (string, error) {
	prefix := role.Prefix()
	if _, err := s.store.Get(ctx, store.Counters, prefix); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		err := s.store.Create(ctx, store.Counters, prefix, map[string]any{"count": existing})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return "", err
		}
	}
	n, err := s.store.Increment(ctx, store.Counters, prefix, "count", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%02d", prefix, n), nil
}

// Login checks the username/password pair and returns the user with the
// credential hash stripped.
func (s *Service) Login(ctx context.Context, username, password string) (model.User, error) {
	docs, err := s.store.Query(ctx, store.Users, store.Eq("username", username))
	if err != nil {
		return model.User{}, err
	}
	if len(docs) == 0 {
		return model.User{}, ErrUserNotFound
	}
	var user model.User
	if err := docs[0].Decode(&user); err != nil {
		return model.User{}, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return model.User{}, ErrIncorrectPassword
	}
	user.PasswordHash = ""
	return user, nil
}

// GetUser returns one user (hash stripped) or store.ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id string) (model.User, error) {
	doc, err := s.store.Get(ctx, store.Users, id)
	if err != nil {
		return model.User{}, err
	}
	var user model.User
	if err := doc.Decode(&user); err != nil {
		return model.User{}, err
	}
	user.PasswordHash = ""
	return user, nil
}

// ListUsers returns users, optionally filtered by role, hashes stripped.
func (s *Service) ListUsers(ctx context.Context, role model.Role) ([]model.User, error) {
	var wheres []store.Where
	if role != "" {
		wheres = append(wheres, store.Eq("role", string(role)))
	}
	docs, err := s.store.Query(ctx, store.Users, wheres...)
	if err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(docs))
	for _, doc := range docs {
		var user model.User
		if err := doc.Decode(&user); err != nil {
			return nil, fmt.Errorf("decoding user %s: %w", doc.ID, err)
		}
		user.PasswordHash = ""
		users = append(users, user)
	}
	return users, nil
}

// Stats are the admin dashboard headline counts.
type Stats struct {
	TotalUsers    int `json:"totalUsers"`
	TotalTeachers int `json:"totalTeachers"`
	TotalStudents int `json:"totalStudents"`
	TotalClasses  int `json:"totalClasses"`
}

// Stats counts users by role plus classes.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	users, err := s.store.Query(ctx, store.Users)
	if err != nil {
		return Stats{}, err
	}
	classes, err := s.store.Query(ctx, store.Classes)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalUsers: len(users), TotalClasses: len(classes)}
	st.TotalTeachers = countByRole(users, model.RoleTeacher)
	st.TotalStudents = countByRole(users, model.RoleStudent)
	return st, nil
}

// UsableFaceprint reports whether a stored faceprint can be sent to the
// oracle. Anything that is not an image data URI is skipped silently.
func UsableFaceprint(faceprint string) bool {
	return strings.HasPrefix(faceprint, "data:image")
}

func countByRole(docs []store.Doc, role model.Role) int {
	n := 0
	for _, doc := range docs {
		var u model.User
		if doc.Decode(&u) == nil && u.Role == role {
			n++
		}
	}
	return n
}

package registry

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/auth"
	"classattend/internal/model"
	"classattend/internal/oracle"
	"classattend/internal/store"
)

const faceprint = "data:image/png;base64,AAAA"

// scriptedOracle returns a fixed verdict per stored faceprint.
type scriptedOracle struct {
	verdicts map[string]oracle.Result
	err      error
	calls    int
}

func (o *scriptedOracle) Compare(ctx context.Context, live, stored string) (oracle.Result, error) {
	o.calls++
	if o.err != nil {
		return oracle.Result{}, o.err
	}
	return o.verdicts[stored], nil
}

func newTestService(o oracle.Oracle) (*Service, *store.Memory) {
	mem := store.NewMemory()
	if o == nil {
		o = &scriptedOracle{}
	}
	return NewService(mem, o), mem
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		reg, err := svc.Register(ctx, fmt.Sprintf("Student %d", i), model.RoleStudent, faceprint)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("student%02d", i), reg.ID)
	}

	reg, err := svc.Register(ctx, "Teacher One", model.RoleTeacher, faceprint)
	require.NoError(t, err)
	assert.Equal(t, "teacher01", reg.ID, "teacher sequence is independent of students")
}

func TestRegisterTenthStudentGetsTwoDigitID(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		_, err := svc.Register(ctx, fmt.Sprintf("Student %d", i), model.RoleStudent, faceprint)
		require.NoError(t, err)
	}
	reg, err := svc.Register(ctx, "Tenth Student", model.RoleStudent, faceprint)
	require.NoError(t, err)
	assert.Equal(t, "student10", reg.ID)
}

func TestRegisterNeverReusesIDsAfterDeletion(t *testing.T) {
	svc, mem := newTestService(nil)
	ctx := context.Background()

	first, err := svc.Register(ctx, "Ada Lovelace", model.RoleStudent, faceprint)
	require.NoError(t, err)
	require.Equal(t, "student01", first.ID)

	require.NoError(t, mem.Delete(ctx, store.Users, first.ID))

	second, err := svc.Register(ctx, "Grace Hopper", model.RoleStudent, faceprint)
	require.NoError(t, err)
	assert.Equal(t, "student02", second.ID, "counter survives deletion, ids are not reused")
}

func TestRegisterSeedsCounterFromExistingUsers(t *testing.T) {
	svc, mem := newTestService(nil)
	ctx := context.Background()

	// A store populated before counters existed.
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("student%02d", i)
		require.NoError(t, mem.Set(ctx, store.Users, id, model.User{ID: id, Name: id, Role: model.RoleStudent}))
	}

	reg, err := svc.Register(ctx, "Fifth Student", model.RoleStudent, faceprint)
	require.NoError(t, err)
	assert.Equal(t, "student05", reg.ID)
}

func TestRegisterCredentials(t *testing.T) {
	svc, mem := newTestService(nil)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Ada Lovelace King", model.RoleTeacher, faceprint)
	require.NoError(t, err)
	assert.Equal(t, "ada_teacher", reg.Username, "first name token, lowercased, role suffix")
	assert.Regexp(t, regexp.MustCompile(`^[a-z0-9]{6}$`), reg.Password)

	// Stored document holds the hash, never the plaintext.
	doc, err := mem.Get(ctx, store.Users, reg.ID)
	require.NoError(t, err)
	var stored model.User
	require.NoError(t, doc.Decode(&stored))
	assert.NotEmpty(t, stored.PasswordHash)
	assert.NotEqual(t, reg.Password, stored.PasswordHash)
	assert.True(t, auth.CheckPassword(stored.PasswordHash, reg.Password))
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	existingFace := "data:image/png;base64,EXISTING"
	o := &scriptedOracle{verdicts: map[string]oracle.Result{
		existingFace: {IsMatch: true, Confidence: 0.97},
	}}
	svc, mem := newTestService(o)
	ctx := context.Background()

	first, err := svc.Register(ctx, "Ada Lovelace", model.RoleStudent, existingFace)
	require.NoError(t, err)

	_, err = svc.Register(ctx, "Someone Else", model.RoleStudent, faceprint)
	var dup *DuplicateIdentityError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.UserID)
	assert.Equal(t, "Ada Lovelace", dup.Name)
	assert.Contains(t, dup.Error(), "already registered as Ada Lovelace")

	// No new user document was written.
	docs, err := mem.Query(ctx, store.Users)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestRegisterBelowDedupThresholdProceeds(t *testing.T) {
	existingFace := "data:image/png;base64,EXISTING"
	o := &scriptedOracle{verdicts: map[string]oracle.Result{
		// A match at exactly 0.95 is not above the threshold.
		existingFace: {IsMatch: true, Confidence: 0.95},
	}}
	svc, _ := newTestService(o)
	ctx := context.Background()

	_, err := svc.Register(ctx, "Ada Lovelace", model.RoleStudent, existingFace)
	require.NoError(t, err)
	reg, err := svc.Register(ctx, "Twin Sibling", model.RoleStudent, faceprint)
	require.NoError(t, err)
	assert.Equal(t, "student02", reg.ID)
}

func TestRegisterSkipsUnusableFaceprints(t *testing.T) {
	o := &scriptedOracle{}
	svc, mem := newTestService(o)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, store.Users, "student01", model.User{
		ID: "student01", Name: "No Face", Role: model.RoleStudent, Faceprint: "not-an-image",
	}))

	_, err := svc.Register(ctx, "New Student", model.RoleStudent, faceprint)
	require.NoError(t, err)
	assert.Zero(t, o.calls, "unusable stored faceprints are not compared")
}

func TestRegisterOracleFailureAborts(t *testing.T) {
	o := &scriptedOracle{err: fmt.Errorf("model unavailable")}
	svc, mem := newTestService(o)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, store.Users, "student01", model.User{
		ID: "student01", Name: "Existing", Role: model.RoleStudent, Faceprint: faceprint,
	}))

	_, err := svc.Register(ctx, "New Student", model.RoleStudent, faceprint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "face comparison failed")

	docs, err := mem.Query(ctx, store.Users)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()
	_, err := svc.Register(ctx, "", model.RoleStudent, faceprint)
	require.ErrorIs(t, err, ErrBadInput)
	_, err = svc.Register(ctx, "Name", model.Role("Janitor"), faceprint)
	require.ErrorIs(t, err, ErrBadInput)
	_, err = svc.Register(ctx, "Name", model.RoleStudent, "")
	require.ErrorIs(t, err, ErrBadInput)
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Ada Lovelace", model.RoleStudent, faceprint)
	require.NoError(t, err)

	user, err := svc.Login(ctx, reg.Username, reg.Password)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, user.ID)
	assert.Empty(t, user.PasswordHash, "hash never leaves the service")

	_, err = svc.Login(ctx, reg.Username, "wrongpw")
	require.ErrorIs(t, err, ErrIncorrectPassword)

	_, err = svc.Login(ctx, "ghost_student", "whatever")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestListUsersAndStats(t *testing.T) {
	svc, mem := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, "Ada Lovelace", model.RoleStudent, faceprint)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "Grace Hopper", model.RoleStudent, faceprint)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "Alan Turing", model.RoleTeacher, faceprint)
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, store.Classes, "CS101", model.Class{ID: "CS101", Name: "Intro CS"}))

	students, err := svc.ListUsers(ctx, model.RoleStudent)
	require.NoError(t, err)
	assert.Len(t, students, 2)
	for _, u := range students {
		assert.Empty(t, u.PasswordHash)
	}

	all, err := svc.ListUsers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalUsers: 3, TotalTeachers: 1, TotalStudents: 2, TotalClasses: 1}, stats)
}

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"math00ost/models"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (n *recordingNotifier) Changed(_ context.Context, c Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return n.err
}

func (n *recordingNotifier) kinds() []ChangeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ChangeKind, 0, len(n.changes))
	for _, c := range n.changes {
		out = append(out, c.Kind)
	}
	return out
}

func setup(t *testing.T, opts ...Option) (*Store, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	s := New(append([]Option{WithNotifier(n)}, opts...)...)
	return s, n
}

func seedGroup(t *testing.T, s *Store, teacher, student string) string {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateTeacher(ctx, teacher)
	require.NoError(t, err)
	code, err := s.CreateGroup(ctx, teacher, "7B Algebra")
	require.NoError(t, err)
	if student != "" {
		require.NoError(t, s.AddStudentToGroup(ctx, code, student))
	}
	return code
}

func TestCreateTeacher(t *testing.T) {
	s, n := setup(t)
	ctx := context.Background()

	t1, err := s.CreateTeacher(ctx, "  Anna ")
	require.NoError(t, err)
	assert.Equal(t, "Anna", t1.Name)
	assert.Empty(t, t1.Groups)
	assert.False(t, t1.CreatedAt.IsZero())

	t2, err := s.CreateTeacher(ctx, "Anna")
	require.NoError(t, err)
	assert.Equal(t, t1.CreatedAt, t2.CreatedAt)
	assert.Equal(t, []ChangeKind{TeacherCreated}, n.kinds(), "existing teacher must not notify")

	_, err = s.CreateTeacher(ctx, "   ")
	assert.True(t, models.IsValidation(err))
}

func TestCreateGroup(t *testing.T) {
	s, n := setup(t)
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "Nobody", "Geometry")
	assert.True(t, models.IsNotFound(err))

	code := seedGroup(t, s, "Anna", "")
	assert.Len(t, code, 6)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, code)

	teacher, err := s.Teacher("Anna")
	require.NoError(t, err)
	assert.Equal(t, []string{code}, teacher.Groups)

	g, err := s.Group(code)
	require.NoError(t, err)
	assert.Equal(t, "7B Algebra", g.Name)
	assert.Equal(t, "Anna", g.Teacher)
	assert.Equal(t, []ChangeKind{TeacherCreated, GroupCreated}, n.kinds())

	_, err = s.CreateGroup(ctx, "Anna", " ")
	assert.True(t, models.IsValidation(err))
}

func TestCreateGroupRegeneratesOnCollision(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "AAAAAA", "BBBBBB"}
	i := 0
	gen := func() string {
		c := codes[i]
		i++
		return c
	}
	s, _ := setup(t, WithCodeGenerator(gen))
	ctx := context.Background()
	_, err := s.CreateTeacher(ctx, "Anna")
	require.NoError(t, err)

	first, err := s.CreateGroup(ctx, "Anna", "one")
	require.NoError(t, err)
	second, err := s.CreateGroup(ctx, "Anna", "two")
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first)
	assert.Equal(t, "BBBBBB", second)
	g, err := s.Group(first)
	require.NoError(t, err)
	assert.Equal(t, "one", g.Name, "existing group must not be overwritten")
}

func TestCreateGroupGivesUpAfterBoundedAttempts(t *testing.T) {
	s, _ := setup(t, WithCodeGenerator(func() string { return "SAME00" }))
	ctx := context.Background()
	_, err := s.CreateTeacher(ctx, "Anna")
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, "Anna", "one")
	require.NoError(t, err)

	_, err = s.CreateGroup(ctx, "Anna", "two")
	assert.ErrorIs(t, err, errCodeExhausted)
	teacher, _ := s.Teacher("Anna")
	assert.Len(t, teacher.Groups, 1)
}

func TestAddStudentToGroupIsIdempotent(t *testing.T) {
	s, n := setup(t)
	ctx := context.Background()
	code := seedGroup(t, s, "Anna", "Mark")

	_, err := s.AddGrade(ctx, code, "Mark", 5, "Fractions")
	require.NoError(t, err)

	require.NoError(t, s.AddStudentToGroup(ctx, code, "Mark"))
	require.NoError(t, s.AddStudentToGroup(ctx, code, " Mark "))

	g, err := s.Group(code)
	require.NoError(t, err)
	assert.Len(t, g.Students, 1)
	assert.Len(t, g.Students["Mark"].Grades, 1, "rejoining must keep grades")
	assert.Equal(t, []ChangeKind{TeacherCreated, GroupCreated, StudentJoined, GradeAdded}, n.kinds())

	err = s.AddStudentToGroup(ctx, "ZZZZZZ", "Mark")
	assert.True(t, models.IsNotFound(err))
}

func TestAddStudentNormalizesCode(t *testing.T) {
	s, _ := setup(t, WithCodeGenerator(func() string { return "AB12CD" }))
	seedGroup(t, s, "Anna", "")
	require.NoError(t, s.AddStudentToGroup(context.Background(), "ab12cd ", "Mark"))
	_, err := s.Student("AB12CD", "Mark")
	assert.NoError(t, err)
}

func TestAddGradeBounds(t *testing.T) {
	tests := []struct {
		value   int
		wantErr bool
	}{
		{value: 0, wantErr: true},
		{value: 1},
		{value: 5},
		{value: 6, wantErr: true},
		{value: -3, wantErr: true},
	}
	for _, tt := range tests {
		s, _ := setup(t)
		code := seedGroup(t, s, "Anna", "Mark")

		grade, err := s.AddGrade(context.Background(), code, "Mark", tt.value, "")
		st, serr := s.Student(code, "Mark")
		require.NoError(t, serr)

		if tt.wantErr {
			assert.True(t, models.IsValidation(err), "value %d: got %v", tt.value, err)
			assert.Empty(t, st.Grades, "value %d must not mutate", tt.value)
			continue
		}
		require.NoError(t, err, "value %d", tt.value)
		require.Len(t, st.Grades, 1)
		assert.Equal(t, tt.value, st.Grades[0].Value)
		assert.Equal(t, models.DefaultTopic, st.Grades[0].Topic)
		assert.Equal(t, grade.ID, st.Grades[0].ID)
	}
}

func TestAddGradeNotFound(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	code := seedGroup(t, s, "Anna", "Mark")

	_, err := s.AddGrade(ctx, "NOPE00", "Mark", 4, "")
	assert.True(t, models.IsNotFound(err))
	_, err = s.AddGrade(ctx, code, "Ghost", 4, "")
	assert.True(t, models.IsNotFound(err))
}

func TestAddGradeBumpsGroupTimestamp(t *testing.T) {
	s, _ := setup(t)
	code := seedGroup(t, s, "Anna", "Mark")
	before, _ := s.Group(code)

	grade, err := s.AddGrade(context.Background(), code, "Mark", 3, "Equations")
	require.NoError(t, err)

	after, _ := s.Group(code)
	assert.Equal(t, grade.Date, after.LastModified)
	assert.False(t, after.LastModified.Before(before.LastModified))
	assert.Equal(t, "Equations", after.Students["Mark"].Grades[0].Topic)
}

func TestDeleteGrade(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()
	code := seedGroup(t, s, "Anna", "Mark")

	g1, err := s.AddGrade(ctx, code, "Mark", 4, "a")
	require.NoError(t, err)
	g2, err := s.AddGrade(ctx, code, "Mark", 2, "b")
	require.NoError(t, err)

	require.NoError(t, s.DeleteGrade(ctx, code, "Mark", g1.ID))
	st, _ := s.Student(code, "Mark")
	require.Len(t, st.Grades, 1)
	assert.Equal(t, g2.ID, st.Grades[0].ID)

	assert.True(t, models.IsNotFound(s.DeleteGrade(ctx, code, "Mark", g1.ID)))
	assert.True(t, models.IsNotFound(s.DeleteGrade(ctx, code, "Ghost", g2.ID)))
	assert.True(t, models.IsNotFound(s.DeleteGrade(ctx, "NOPE00", "Mark", g2.ID)))
}

func TestDeleteGroupCascades(t *testing.T) {
	s, n := setup(t)
	ctx := context.Background()
	code := seedGroup(t, s, "Anna", "Mark")
	_, err := s.AddGrade(ctx, code, "Mark", 5, "")
	require.NoError(t, err)

	_, err = s.CreateTeacher(ctx, "Boris")
	require.NoError(t, err)
	assert.True(t, models.IsNotFound(s.DeleteGroup(ctx, "Boris", code)), "only the owner can delete")

	require.NoError(t, s.DeleteGroup(ctx, "Anna", code))

	_, err = s.Group(code)
	assert.True(t, models.IsNotFound(err))
	teacher, _ := s.Teacher("Anna")
	assert.NotContains(t, teacher.Groups, code)
	assert.Equal(t, GroupDeleted, n.kinds()[len(n.kinds())-1])

	assert.True(t, models.IsNotFound(s.DeleteGroup(ctx, "Anna", code)))
	assert.True(t, models.IsNotFound(s.DeleteGroup(ctx, "Nobody", code)))
}

func TestMutationKeepsResultWhenNotifierFails(t *testing.T) {
	s, n := setup(t)
	ctx := context.Background()
	_, err := s.CreateTeacher(ctx, "Anna")
	require.NoError(t, err)

	n.err = &models.StorageQuotaError{Needed: 10, Limit: 1}
	code, err := s.CreateGroup(ctx, "Anna", "Physics")
	assert.True(t, models.IsStorageQuota(err))
	assert.NotEmpty(t, code)
	_, gerr := s.Group(code)
	assert.NoError(t, gerr)
}

func TestChangeCarriesOwner(t *testing.T) {
	s, n := setup(t)
	code := seedGroup(t, s, "Anna", "Mark")

	last := n.changes[len(n.changes)-1]
	assert.Equal(t, StudentJoined, last.Kind)
	assert.Equal(t, "Anna", last.Teacher)
	assert.Equal(t, code, last.GroupCode)
}

func TestReadsReturnCopies(t *testing.T) {
	s, _ := setup(t)
	code := seedGroup(t, s, "Anna", "Mark")

	g, _ := s.Group(code)
	g.Name = "changed"
	g.Students["Eve"] = &models.Student{}

	fresh, _ := s.Group(code)
	assert.Equal(t, "7B Algebra", fresh.Name)
	assert.NotContains(t, fresh.Students, "Eve")
}

func TestRestoreAndSnapshot(t *testing.T) {
	s, _ := setup(t)
	code := seedGroup(t, s, "Anna", "Mark")
	snap := s.Snapshot()

	other := New()
	other.Restore(snap)
	assert.Equal(t, snap, other.Snapshot())

	groups, err := other.GroupsOf("Anna")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, code, groups[0].Code)
}

func TestReplaceTeacher(t *testing.T) {
	s, _ := setup(t, WithCodeGenerator(func() string { return "LOCAL1" }))
	seedGroup(t, s, "Anna", "Mark")

	remoteTeacher := &models.Teacher{Name: "Anna", Groups: []string{"REMOT1"}}
	remoteGroup := &models.Group{
		Code:     "REMOT1",
		Name:     "remote",
		Teacher:  "Anna",
		Students: map[string]*models.Student{"Zoe": {Grades: []models.Grade{{ID: "g", Value: 5}}}},
	}
	s.ReplaceTeacher(remoteTeacher, []*models.Group{remoteGroup})

	teacher, err := s.Teacher("Anna")
	require.NoError(t, err)
	assert.Equal(t, []string{"REMOT1"}, teacher.Groups)
	assert.False(t, s.HasGroup("LOCAL1"))
	st, err := s.Student("REMOT1", "Zoe")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Grades[0].Value)
}

func TestImportGroupKeepsLocalCopy(t *testing.T) {
	s, _ := setup(t, WithCodeGenerator(func() string { return "LOCAL1" }))
	seedGroup(t, s, "Anna", "Mark")

	s.ImportGroup(&models.Group{Code: "LOCAL1", Name: "remote"})
	g, _ := s.Group("LOCAL1")
	assert.Equal(t, "7B Algebra", g.Name)

	s.ImportGroup(&models.Group{Code: "OTHER1", Name: "remote", Teacher: "Boris"})
	assert.True(t, s.HasGroup("OTHER1"))

	s.ImportGroup(&models.Group{Code: "OTHER2", Name: "remote", Teacher: "Anna"})
	tch, err := s.Teacher("Anna")
	require.NoError(t, err)
	assert.Equal(t, []string{"LOCAL1", "OTHER2"}, tch.Groups)
}

func TestOwnedGroupsWithoutTeacherRecord(t *testing.T) {
	s, _ := setup(t)
	s.ImportGroup(&models.Group{Code: "ZED002", Name: "b", Teacher: "Boris"})
	s.ImportGroup(&models.Group{Code: "ZED001", Name: "a", Teacher: "Boris"})
	s.ImportGroup(&models.Group{Code: "ANN001", Name: "c", Teacher: "Anna"})

	_, _, err := s.TeacherRecords("Boris")
	assert.True(t, models.IsNotFound(err))

	groups := s.OwnedGroups("Boris")
	if assert.Len(t, groups, 2) {
		assert.Equal(t, "ZED001", groups[0].Code)
		assert.Equal(t, "ZED002", groups[1].Code)
	}
	assert.Empty(t, s.OwnedGroups("Nobody"))
}

func TestCleanTeacherName(t *testing.T) {
	name, err := CleanTeacherName("  Anna ")
	require.NoError(t, err)
	assert.Equal(t, "Anna", name)

	_, err = CleanTeacherName("   ")
	assert.True(t, models.IsValidation(err))
}

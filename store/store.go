// Package store holds the in-memory teachers, groups and grades dataset and
// every operation that mutates it.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"math00ost/models"
)

// ChangeKind names the mutation carried by a Change.
type ChangeKind string

const (
	TeacherCreated ChangeKind = "teacher_created"
	GroupCreated   ChangeKind = "group_created"
	StudentJoined  ChangeKind = "student_joined"
	GradeAdded     ChangeKind = "grade_added"
	GradeDeleted   ChangeKind = "grade_deleted"
	GroupDeleted   ChangeKind = "group_deleted"
)

// Change describes one successful mutation.
type Change struct {
	Kind      ChangeKind
	Teacher   string // teacher whose records changed
	GroupCode string // empty for teacher-level changes
	At        time.Time
}

// Notifier is told about every successful mutation before the mutating call
// returns. A non-nil error does not undo the mutation; the Store hands it to
// the caller alongside the result.
type Notifier interface {
	Changed(ctx context.Context, change Change) error
}

type nopNotifier struct{}

func (nopNotifier) Changed(context.Context, Change) error { return nil }

var errCodeExhausted = errors.New("could not generate a unique group code")

// Store owns the canonical teacher and group mappings
type Store struct {
	mu       sync.RWMutex
	teachers map[string]*models.Teacher
	groups   map[string]*models.Group

	notifier Notifier
	newCode  func() string
	newID    func() string
	now      func() time.Time
}

type Option func(*Store)

// WithNotifier sets the receiver of change notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithCodeGenerator replaces the random group code generator.
func WithCodeGenerator(fn func() string) Option {
	return func(s *Store) { s.newCode = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		teachers: map[string]*models.Teacher{},
		groups:   map[string]*models.Group{},
		notifier: nopNotifier{},
		newCode:  randomCode,
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier swaps the notifier after construction; the reconciliation
// policy needs the store before it can be built.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *Store) notify(ctx context.Context, kind ChangeKind, teacher, code string, at time.Time) error {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	return n.Changed(ctx, Change{Kind: kind, Teacher: teacher, GroupCode: code, At: at})
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// --- Mutations ---

// CreateTeacher inserts a teacher with no groups. An existing teacher is returned unchanged.
func (s *Store) CreateTeacher(ctx context.Context, name string) (*models.Teacher, error) {
	name = cleanString(name)
	if err := check(teacherInput{Name: name}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if t, ok := s.teachers[name]; ok {
		c := t.Clone()
		s.mu.Unlock()
		return c, nil
	}
	now := s.timestamp()
	t := &models.Teacher{Name: name, Groups: []string{}, CreatedAt: now, LastModified: now}
	s.teachers[name] = t
	c := t.Clone()
	s.mu.Unlock()

	return c, s.notify(ctx, TeacherCreated, name, "", now)
}

// CreateGroup creates a group owned by teacherName and returns its code.
func (s *Store) CreateGroup(ctx context.Context, teacherName, displayName string) (string, error) {
	teacherName = cleanString(teacherName)
	displayName = cleanString(displayName)
	if err := check(groupInput{Name: displayName}); err != nil {
		return "", err
	}

	s.mu.Lock()
	t, ok := s.teachers[teacherName]
	if !ok {
		s.mu.Unlock()
		return "", models.NewNotFoundError("teacher", teacherName)
	}

	code := ""
	for i := 0; i < maxCodeAttempts; i++ {
		c := s.newCode()
		if _, taken := s.groups[c]; !taken {
			code = c
			break
		}
	}
	if code == "" {
		s.mu.Unlock()
		return "", errCodeExhausted
	}

	now := s.timestamp()
	s.groups[code] = &models.Group{
		Code:         code,
		Name:         displayName,
		Teacher:      teacherName,
		Students:     map[string]*models.Student{},
		CreatedAt:    now,
		LastModified: now,
	}
	t.Groups = append(t.Groups, code)
	t.LastModified = now
	s.mu.Unlock()

	return code, s.notify(ctx, GroupCreated, teacherName, code, now)
}

// AddStudentToGroup registers a student in a group. Joining twice is a no-op.
func (s *Store) AddStudentToGroup(ctx context.Context, code, studentName string) error {
	code = NormalizeCode(code)
	studentName = cleanString(studentName)
	if err := check(studentInput{Name: studentName}); err != nil {
		return err
	}

	s.mu.Lock()
	g, ok := s.groups[code]
	if !ok {
		s.mu.Unlock()
		return models.NewNotFoundError("group", code)
	}
	if _, exists := g.Students[studentName]; exists {
		s.mu.Unlock()
		return nil
	}
	now := s.timestamp()
	if g.Students == nil {
		g.Students = map[string]*models.Student{}
	}
	g.Students[studentName] = &models.Student{Grades: []models.Grade{}, JoinedAt: now}
	g.LastModified = now
	owner := g.Teacher
	s.mu.Unlock()

	return s.notify(ctx, StudentJoined, owner, code, now)
}

// AddGrade appends a grade to a student's list. An empty topic is stored as models.DefaultTopic.
func (s *Store) AddGrade(ctx context.Context, code, studentName string, value int, topic string) (models.Grade, error) {
	code = NormalizeCode(code)
	studentName = cleanString(studentName)
	topic = cleanString(topic)
	if err := check(gradeInput{Value: value, Topic: topic}); err != nil {
		return models.Grade{}, err
	}
	if topic == "" {
		topic = models.DefaultTopic
	}

	s.mu.Lock()
	g, ok := s.groups[code]
	if !ok {
		s.mu.Unlock()
		return models.Grade{}, models.NewNotFoundError("group", code)
	}
	st, ok := g.Students[studentName]
	if !ok {
		s.mu.Unlock()
		return models.Grade{}, models.NewNotFoundError("student", studentName)
	}
	now := s.timestamp()
	grade := models.Grade{ID: s.newID(), Value: value, Topic: topic, Date: now}
	st.Grades = append(st.Grades, grade)
	g.LastModified = now
	owner := g.Teacher
	s.mu.Unlock()

	return grade, s.notify(ctx, GradeAdded, owner, code, now)
}

// DeleteGrade removes the grade with gradeID from a student's list.
func (s *Store) DeleteGrade(ctx context.Context, code, studentName, gradeID string) error {
	code = NormalizeCode(code)
	studentName = cleanString(studentName)

	s.mu.Lock()
	g, ok := s.groups[code]
	if !ok {
		s.mu.Unlock()
		return models.NewNotFoundError("group", code)
	}
	st, ok := g.Students[studentName]
	if !ok {
		s.mu.Unlock()
		return models.NewNotFoundError("student", studentName)
	}
	idx := -1
	for i, gr := range st.Grades {
		if gr.ID == gradeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return models.NewNotFoundError("grade", gradeID)
	}
	st.Grades = append(st.Grades[:idx], st.Grades[idx+1:]...)
	now := s.timestamp()
	g.LastModified = now
	owner := g.Teacher
	s.mu.Unlock()

	return s.notify(ctx, GradeDeleted, owner, code, now)
}

// DeleteGroup removes a group together with its code in the owner's list.
func (s *Store) DeleteGroup(ctx context.Context, teacherName, code string) error {
	teacherName = cleanString(teacherName)
	code = NormalizeCode(code)

	s.mu.Lock()
	t, ok := s.teachers[teacherName]
	if !ok {
		s.mu.Unlock()
		return models.NewNotFoundError("teacher", teacherName)
	}
	g, ok := s.groups[code]
	if !ok || g.Teacher != teacherName {
		s.mu.Unlock()
		return models.NewNotFoundError("group", code)
	}
	delete(s.groups, code)
	t.Groups = removeCode(t.Groups, code)
	now := s.timestamp()
	t.LastModified = now
	s.mu.Unlock()

	return s.notify(ctx, GroupDeleted, teacherName, code, now)
}

func removeCode(codes []string, code string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c != code {
			out = append(out, c)
		}
	}
	return out
}

// --- Reads ---

func (s *Store) Teacher(name string) (*models.Teacher, error) {
	name = cleanString(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teachers[name]
	if !ok {
		return nil, models.NewNotFoundError("teacher", name)
	}
	return t.Clone(), nil
}

func (s *Store) Group(code string) (*models.Group, error) {
	code = NormalizeCode(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[code]
	if !ok {
		return nil, models.NewNotFoundError("group", code)
	}
	return g.Clone(), nil
}

// HasGroup reports whether code is known locally.
func (s *Store) HasGroup(code string) bool {
	code = NormalizeCode(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[code]
	return ok
}

func (s *Store) Student(code, name string) (*models.Student, error) {
	code = NormalizeCode(code)
	name = cleanString(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[code]
	if !ok {
		return nil, models.NewNotFoundError("group", code)
	}
	st, ok := g.Students[name]
	if !ok {
		return nil, models.NewNotFoundError("student", name)
	}
	return st.Clone(), nil
}

// GroupsOf returns the teacher's groups in the order they were created.
func (s *Store) GroupsOf(teacherName string) ([]*models.Group, error) {
	_, groups, err := s.TeacherRecords(teacherName)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// TeacherRecords returns a copy of the teacher record and every group it owns.
func (s *Store) TeacherRecords(name string) (*models.Teacher, []*models.Group, error) {
	name = cleanString(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teachers[name]
	if !ok {
		return nil, nil, models.NewNotFoundError("teacher", name)
	}
	groups := make([]*models.Group, 0, len(t.Groups))
	for _, code := range t.Groups {
		if g, ok := s.groups[code]; ok {
			groups = append(groups, g.Clone())
		}
	}
	return t.Clone(), groups, nil
}

// OwnedGroups returns copies of the groups whose owner is name, sorted by
// code. Unlike TeacherRecords it works for owners with no local record.
func (s *Store) OwnedGroups(name string) []*models.Group {
	name = cleanString(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := []*models.Group{}
	for _, g := range s.groups {
		if g.Teacher == name {
			groups = append(groups, g.Clone())
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Code < groups[j].Code })
	return groups
}

// Snapshot returns a deep copy of the whole dataset.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := models.NewSnapshot()
	for name, t := range s.teachers {
		snap.Teachers[name] = t.Clone()
	}
	for code, g := range s.groups {
		snap.Groups[code] = g.Clone()
	}
	return snap
}

// --- Bulk replacement (no notification) ---

// Restore replaces the dataset with snap.
func (s *Store) Restore(snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teachers = make(map[string]*models.Teacher, len(snap.Teachers))
	s.groups = make(map[string]*models.Group, len(snap.Groups))
	for name, t := range snap.Teachers {
		if t == nil {
			continue
		}
		c := t.Clone()
		c.Name = name
		if c.Groups == nil {
			c.Groups = []string{}
		}
		s.teachers[name] = c
	}
	for code, g := range snap.Groups {
		if g == nil {
			continue
		}
		c := g.Clone()
		c.Code = code
		s.groups[code] = c
	}
}

// ReplaceTeacher overwrites a teacher and the groups it owns with t and groups.
// Local groups owned by the teacher that are not in groups are dropped.
func (s *Store) ReplaceTeacher(t *models.Teacher, groups []*models.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, g := range s.groups {
		if g.Teacher == t.Name {
			delete(s.groups, code)
		}
	}
	c := t.Clone()
	if c.Groups == nil {
		c.Groups = []string{}
	}
	live := make([]string, 0, len(c.Groups))
	byCode := make(map[string]*models.Group, len(groups))
	for _, g := range groups {
		byCode[g.Code] = g
	}
	for _, code := range c.Groups {
		if g, ok := byCode[code]; ok {
			s.groups[code] = g.Clone()
			live = append(live, code)
		}
	}
	c.Groups = live
	s.teachers[c.Name] = c
}

// ImportGroup adds a group fetched from remote if it is not known locally.
// A locally known owner gets the code appended to its list.
func (s *Store) ImportGroup(g *models.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.Code]; ok {
		return
	}
	c := g.Clone()
	if c.Students == nil {
		c.Students = map[string]*models.Student{}
	}
	s.groups[c.Code] = c
	if t, ok := s.teachers[c.Teacher]; ok && !t.HasGroup(c.Code) {
		t.Groups = append(t.Groups, c.Code)
	}
}

package db

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"math00ost/models"
	"math00ost/store"
)

func openLocal(t *testing.T, quota int64) *LocalStore {
	t.Helper()
	s, err := OpenLocalStore(filepath.Join(t.TempDir(), "local.db"), quota, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot(t *testing.T) models.Snapshot {
	t.Helper()
	ctx := context.Background()
	st := store.New()
	_, err := st.CreateTeacher(ctx, "Anna")
	require.NoError(t, err)
	code, err := st.CreateGroup(ctx, "Anna", "7B")
	require.NoError(t, err)
	require.NoError(t, st.AddStudentToGroup(ctx, code, "Mark"))
	require.NoError(t, st.AddStudentToGroup(ctx, code, "Zoe"))
	_, err = st.AddGrade(ctx, code, "Mark", 5, "Fractions")
	require.NoError(t, err)
	_, err = st.AddGrade(ctx, code, "Mark", 3, "")
	require.NoError(t, err)
	return st.Snapshot()
}

func TestLocalStoreLoadEmpty(t *testing.T) {
	s := openLocal(t, 0)
	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
	assert.NotNil(t, snap.Teachers)
	assert.NotNil(t, snap.Groups)

	queue, err := s.LoadPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := openLocal(t, 0)
	ctx := context.Background()
	snap := sampleSnapshot(t)

	require.NoError(t, s.Save(ctx, snap))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestLocalStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()
	snap := sampleSnapshot(t)

	s, err := OpenLocalStore(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, snap))
	require.NoError(t, s.SavePending(ctx, []models.PendingSync{{Type: models.PendingSyncType, Teacher: "Anna", Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}}))
	require.NoError(t, s.Close())

	s, err = OpenLocalStore(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
	queue, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "Anna", queue[0].Teacher)
}

func TestLocalStoreRoundTripProperty(t *testing.T) {
	s := openLocal(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 9, 1, 8, 30, 0, 0, time.UTC)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("save then load reproduces the snapshot", prop.ForAll(
		func(names []string, values []int) bool {
			snap := models.NewSnapshot()
			for i, name := range names {
				code := fmt.Sprintf("G%05d", i)
				tch := snap.Teachers[name]
				if tch == nil {
					tch = &models.Teacher{Name: name, Groups: []string{}, CreatedAt: base, LastModified: base}
					snap.Teachers[name] = tch
				}
				tch.Groups = append(tch.Groups, code)
				g := &models.Group{Code: code, Name: "group " + name, Teacher: name, Students: map[string]*models.Student{}, CreatedAt: base, LastModified: base}
				st := &models.Student{Grades: []models.Grade{}, JoinedAt: base.Add(time.Duration(i) * time.Minute)}
				for j, v := range values {
					st.Grades = append(st.Grades, models.Grade{ID: fmt.Sprintf("%d-%d", i, j), Value: v, Topic: models.DefaultTopic, Date: base.Add(time.Duration(j) * time.Hour)})
				}
				g.Students[name+"-student"] = st
				snap.Groups[code] = g
			}
			if err := s.Save(ctx, snap); err != nil {
				return false
			}
			loaded, err := s.Load(ctx)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(snap, loaded)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.IntRange(models.MinGrade, models.MaxGrade)),
	))

	properties.TestingRun(t)
}

func TestLocalStoreCorruptContentLoadsEmpty(t *testing.T) {
	s := openLocal(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot(t)))

	require.NoError(t, s.write(ctx, map[string][]byte{groupsRecord: []byte("{not json")}))
	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())

	require.NoError(t, s.write(ctx, map[string][]byte{pendingSyncRecord: []byte("[{")}))
	queue, err := s.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestLocalStoreQuota(t *testing.T) {
	s := openLocal(t, 200)
	ctx := context.Background()

	small := models.NewSnapshot()
	small.Teachers["A"] = &models.Teacher{Name: "A", Groups: []string{}}
	require.NoError(t, s.Save(ctx, small))

	err := s.Save(ctx, sampleSnapshot(t))
	require.Error(t, err)
	assert.True(t, models.IsStorageQuota(err))

	loaded, lerr := s.Load(ctx)
	require.NoError(t, lerr)
	assert.Equal(t, small, loaded, "a rejected save must leave the previous snapshot")
}

func TestLocalStoreCleanup(t *testing.T) {
	s := openLocal(t, 0)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	queue := []models.PendingSync{
		{Type: models.PendingSyncType, Teacher: "Anna", Timestamp: at},
		{Type: models.PendingSyncType, Teacher: "Boris", Timestamp: at.Add(time.Minute)},
		{Type: models.PendingSyncType, Teacher: "Anna", Timestamp: at.Add(2 * time.Minute)},
		{Type: models.PendingSyncType, Teacher: "Anna", Timestamp: at.Add(3 * time.Minute)},
	}
	require.NoError(t, s.SavePending(ctx, queue))
	require.NoError(t, s.write(ctx, map[string][]byte{"mathTeachersBackup": []byte(`{"legacy":true}`)}))

	before, err := s.Usage(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Cleanup(ctx))
	after, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Less(t, after, before)

	compacted, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, compacted, 2)
	assert.Equal(t, "Anna", compacted[0].Teacher)
	assert.Equal(t, at.Add(3*time.Minute), compacted[0].Timestamp, "latest timestamp wins")
	assert.Equal(t, "Boris", compacted[1].Teacher)

	stale, err := s.get(ctx, "mathTeachersBackup")
	require.NoError(t, err)
	assert.Empty(t, stale)
}

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marker/internal/models"
)

func setupRunTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.MarkingRun{}))
	return db
}

func TestMarkingRunRepositoryLifecycle(t *testing.T) {
	repo := NewMarkingRunRepository(setupRunTestDB(t))
	ctx := context.Background()

	run := &models.MarkingRun{
		ID:           "run-1",
		StudentID:    "alice",
		SubmissionID: "mock-1",
		State:        models.RunStateIngesting,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, run))

	finished := time.Now().UTC()
	run.State = models.RunStateDone
	run.Score = 6
	run.MaxScore = 8
	run.Grade = "A"
	run.Questions = []byte(`[{"question_number":"1","max_marks":3,"awarded_marks":1}]`)
	run.FinishedAt = &finished
	require.NoError(t, repo.Update(ctx, run))

	stored, err := repo.GetByID(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunStateDone, stored.State)
	require.True(t, stored.Terminal())
	require.Equal(t, 6, stored.Score)
	require.Equal(t, "A", stored.Grade)
	require.NotNil(t, stored.FinishedAt)
	require.JSONEq(t, `[{"question_number":"1","max_marks":3,"awarded_marks":1}]`, string(stored.Questions))

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMarkingRunRepositoryListByStudent(t *testing.T) {
	repo := NewMarkingRunRepository(setupRunTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC()
	for i, student := range []string{"alice", "bob", "alice"} {
		require.NoError(t, repo.Create(ctx, &models.MarkingRun{
			ID:           fmt.Sprintf("run-%d", i),
			StudentID:    student,
			SubmissionID: "mock",
			State:        models.RunStateFailed,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := repo.ListByStudent(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID, "newest run first")
}

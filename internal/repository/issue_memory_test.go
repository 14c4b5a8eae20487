package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

type MemoryStoreSuite struct {
	storeSuite
}

func TestMemoryStoreSuite(t *testing.T) {
	s := new(MemoryStoreSuite)
	s.newStore = func() IssueStore {
		return NewMemoryIssueStore(stepClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))
	}
	suite.Run(t, s)
}

func TestMemoryStoreFrozenClockStillAdvances(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryIssueStore(func() time.Time { return frozen })
	ctx := context.Background()

	is := &model.Issue{Title: "t", Description: "d", Category: model.CategoryOther, Status: model.StatusPending, Priority: model.PriorityLow}
	_, err := store.Insert(ctx, is)
	require.NoError(t, err)

	prev := is.UpdatedAt
	for i := 0; i < 3; i++ {
		title := "t2"
		got, err := store.UpdateFields(ctx, is.ID, IssuePatch{Title: &title})
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(prev))
		prev = got.UpdatedAt
	}
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	store := NewMemoryIssueStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = store.ListAll(ctx, ListFilter{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryIssueStore(nil)
	ctx := context.Background()
	is := &model.Issue{Title: "orig", Description: "d", Category: model.CategoryOther, Status: model.StatusPending, Priority: model.PriorityLow}
	_, err := store.Insert(ctx, is)
	require.NoError(t, err)

	got, err := store.Get(ctx, is.ID)
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := store.Get(ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, "orig", again.Title)
}

func TestSQLConditions(t *testing.T) {
	reporter := uint64(9)
	f := ListFilter{ReporterID: &reporter, Category: model.CategoryServices, Status: model.StatusResolved}

	conds, args := sqlConditions(f, mysqlPlaceholder, 0)
	assert.Equal(t, []string{"reporter_id = ?", "category = ?", "status = ?"}, conds)
	assert.Equal(t, []any{int64(9), "SERVICES", "RESOLVED"}, args)

	conds, _ = sqlConditions(f, pgPlaceholder, 3)
	assert.Equal(t, []string{"reporter_id = $4", "category = $5", "status = $6"}, conds)
	assert.Equal(t, " WHERE a AND b", whereClause([]string{"a", "b"}))
	assert.Equal(t, "", whereClause(nil))
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afu9/internal/db"
	"afu9/internal/domain"
	"afu9/internal/events"
	"afu9/internal/migrate"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func insertIssue(t *testing.T, r Repo, id string, status domain.Status, createdAt string) {
	t.Helper()
	require.NoError(t, r.InsertIssue(context.Background(), nil, domain.Issue{
		ID: id, Title: "Issue " + id, Labels: []string{"afu9"}, Status: status,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}))
}

func strPtr(s string) *string { return &s }

func TestInsertAndGetIssue(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertIssue(t, r, "I-1", "", "2025-01-01T00:00:00Z")

	is, err := r.GetIssue(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, is.Status)
	assert.Equal(t, domain.HandoffUnsynced, is.HandoffState)
	assert.Equal(t, []string{"afu9"}, is.Labels)
	assert.Nil(t, is.GitHubIssueNumber)

	_, err = r.GetIssue(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionCompareAndSet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertIssue(t, r, "I-1", domain.StatusCreated, "2025-01-01T00:00:00Z")
	now := Timestamp(time.Now())

	upd := IssueUpdate{Assignee: strPtr("ops")}
	require.NoError(t, r.Transition(ctx, nil, "I-1", domain.StatusCreated, domain.StatusDraftReady, upd, now))
	assert.Equal(t, []string{"assignee"}, upd.Fields())

	err := r.Transition(ctx, nil, "I-1", domain.StatusCreated, domain.StatusDraftReady, IssueUpdate{}, now)
	assert.ErrorIs(t, err, ErrStateConflict)

	err = r.Transition(ctx, nil, "I-1", domain.StatusDraftReady, domain.StatusClosed, IssueUpdate{}, now)
	assert.ErrorContains(t, err, "illegal transition")

	is, err := r.GetIssue(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraftReady, is.Status)
	assert.Equal(t, "ops", is.Assignee)
	assert.Equal(t, now, is.UpdatedAt)
}

func TestTerminalIssuesAreFrozen(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertIssue(t, r, "I-1", domain.StatusKilled, "2025-01-01T00:00:00Z")
	now := Timestamp(time.Now())

	err := r.SetStatus(ctx, nil, "I-1", domain.StatusHold, IssueUpdate{}, now)
	assert.ErrorIs(t, err, ErrStateConflict)
	err = r.UpdateIssue(ctx, nil, "I-1", IssueUpdate{Title: strPtr("renamed")}, now)
	assert.ErrorIs(t, err, ErrStateConflict)
	err = r.UpdateIssue(ctx, nil, "missing", IssueUpdate{Title: strPtr("renamed")}, now)
	assert.ErrorIs(t, err, ErrNotFound)

	is, err := r.GetIssue(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, "Issue I-1", is.Title)
}

func TestSetStatusForcesHold(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertIssue(t, r, "I-1", domain.StatusReviewReady, "2025-01-01T00:00:00Z")

	failed := domain.HandoffFailed
	require.NoError(t, r.SetStatus(ctx, nil, "I-1", domain.StatusHold,
		IssueUpdate{HandoffState: &failed, LastError: strPtr("boom")}, Timestamp(time.Now())))
	is, err := r.GetIssue(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHold, is.Status)
	assert.Equal(t, domain.HandoffFailed, is.HandoffState)
	assert.Equal(t, "boom", is.LastError)

	counts, err := r.CountIssuesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{domain.StatusHold: 1}, counts)
}

func TestListIssuesPaginates(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		insertIssue(t, r, fmt.Sprintf("I-%d", i), domain.StatusCreated, fmt.Sprintf("2025-01-0%dT00:00:00Z", i))
	}

	page, err := r.ListIssues(ctx, IssueFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "I-5", page[0].ID)
	assert.Equal(t, "I-4", page[1].ID)

	last := page[1]
	page, err = r.ListIssues(ctx, IssueFilters{Limit: 2, CursorCreatedAt: last.CreatedAt, CursorID: last.ID})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "I-3", page[0].ID)

	page, err = r.ListIssues(ctx, IssueFilters{Status: domain.StatusHold})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestTimelineCursorPaging(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
	var ids []int64
	for i := 0; i < 4; i++ {
		evt := domain.StepPick.SuccessEvent()
		if i == 2 {
			evt = "OTHER"
		}
		id, err := w.AppendDB(ctx, r.DB, evt, "I-1", "alice", "", events.EventPayload{"n": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := w.AppendDB(ctx, r.DB, "OTHER", "I-2", "bob", domain.ActorSystem, nil)
	require.NoError(t, err)

	page, err := r.ListTimeline(ctx, TimelineFilters{IssueID: "I-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, domain.ActorUser, page[0].ActorType)
	assert.EqualValues(t, 3, page[0].EventData["n"])

	page, err = r.ListTimeline(ctx, TimelineFilters{IssueID: "I-1", Cursor: page[1].ID})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)

	page, err = r.ListTimeline(ctx, TimelineFilters{IssueID: "I-1", Cursor: ids[0], Ascending: true})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[1], page[0].ID)

	page, err = r.ListTimeline(ctx, TimelineFilters{IssueID: "I-1", EventType: "OTHER"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[2], page[0].ID)

	n, err := r.CountTimeline(ctx, "I-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, r.InsertIssue(ctx, tx, domain.Issue{ID: "I-1", Title: "t", CreatedAt: "x", UpdatedAt: "x"}))
		return fmt.Errorf("abort")
	})
	assert.EqualError(t, err, "abort")
	_, err = r.GetIssue(ctx, "I-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	hash := HashAPIKey(" secret-key ")
	assert.Equal(t, HashAPIKey("secret-key"), hash)

	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "k1", Actor: "ci-bot", Groups: []string{"ops"}, KeyHash: hash, CreatedAt: "2025-01-01T00:00:00Z",
	}))
	assert.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", Actor: "ci-bot"}))

	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", key.Actor)
	assert.Equal(t, []string{"ops"}, key.Groups)

	keys, err := r.ListAPIKeys(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "posts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var base = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func record(id string, offset time.Duration) *domain.PostRecord {
	return &domain.PostRecord{
		ID:         id,
		AuthorID:   "author-" + id,
		MediaKey:   "7_" + id,
		MediaType:  "video",
		DurationMS: 15000,
		Text:       "Tank column near Bakhmut",
		Words:      []string{"tank", "column", "near", "bakhmut"},
		IngestedAt: base.Add(offset),
	}
}

func TestRepositoryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	rec := record("1", 0)
	require.NoError(t, repo.Upsert(ctx, rec))

	got, err := repo.Get(ctx, "1")
	require.NoError(t, err)
	rec.Status = domain.StatusUnverified
	assert.Equal(t, rec, got)

	rec.Text = "edited"
	rec.Status = domain.StatusChecked
	require.NoError(t, repo.Upsert(ctx, rec))

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert must not duplicate ids")
	assert.Equal(t, "edited", all[0].Text)
	assert.Equal(t, domain.StatusChecked, all[0].Status)
}

func TestRepositoryGetMissing(t *testing.T) {
	_, err := openTestRepo(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepositoryMinimalRecord(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	require.NoError(t, repo.Upsert(ctx, &domain.PostRecord{ID: "bare", Status: domain.StatusUnchecked}))

	got, err := repo.Get(ctx, "bare")
	require.NoError(t, err)
	assert.Zero(t, got.DurationMS)
	assert.Empty(t, got.Words)
	assert.Equal(t, domain.StatusUnchecked, got.Status)

	byDuration, err := repo.FindByDuration(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, byDuration, "absent durations are stored as NULL")
}

func TestRepositoryFindByFingerprint(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	require.NoError(t, repo.Upsert(ctx, record("1", 0)))
	require.NoError(t, repo.Upsert(ctx, &domain.PostRecord{ID: "2", IngestedAt: base}))

	byKey, err := repo.FindByFingerprint(ctx, "7_1", "new")
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, "1", byKey[0].ID)

	byID, err := repo.FindByFingerprint(ctx, "", "2")
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "2", byID[0].ID)

	none, err := repo.FindByFingerprint(ctx, "", "missing")
	require.NoError(t, err)
	assert.Empty(t, none, "an empty media key must not match records without media")
}

func TestRepositoryFindByDurationOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	require.NoError(t, repo.Upsert(ctx, record("newer", time.Hour)))
	require.NoError(t, repo.Upsert(ctx, record("older", 0)))

	other := record("other", 0)
	other.DurationMS = 9000
	require.NoError(t, repo.Upsert(ctx, other))

	got, err := repo.FindByDuration(ctx, 15000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].ID)
	assert.Equal(t, "newer", got[1].ID)
}

func TestRepositoryStatus(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Upsert(ctx, record(id, time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.SetStatus(ctx, "b", domain.StatusUnchecked))
	require.NoError(t, repo.SetStatus(ctx, "c", domain.StatusDeleted))

	pending, err := repo.ListByStatus(ctx, domain.StatusUnverified, domain.StatusUnchecked)
	require.NoError(t, err)
	var ids []string
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{
		domain.StatusUnverified: 2,
		domain.StatusUnchecked:  1,
		domain.StatusDeleted:    1,
	}, counts)

	assert.ErrorIs(t, repo.SetStatus(ctx, "missing", domain.StatusChecked), domain.ErrNotFound)
}

func TestRepositoryFindByAuthor(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	first := record("1", 0)
	second := record("2", time.Minute)
	second.AuthorID = first.AuthorID
	require.NoError(t, repo.Upsert(ctx, first))
	require.NoError(t, repo.Upsert(ctx, second))
	require.NoError(t, repo.Upsert(ctx, record("3", 0)))

	got, err := repo.FindByAuthor(ctx, first.AuthorID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRepositorySnapshot(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	require.NoError(t, repo.Upsert(ctx, record("1", 0)))

	dst := filepath.Join(t.TempDir(), "posts.db.delete")
	require.NoError(t, repo.Snapshot(ctx, dst))
	require.NoError(t, repo.Upsert(ctx, record("2", time.Minute)))
	require.NoError(t, repo.Snapshot(ctx, dst), "existing snapshot is replaced")

	copyRepo, err := Open(dst)
	require.NoError(t, err)
	defer copyRepo.Close()

	all, err := copyRepo.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepositoryReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "posts.db")

	repo, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, record("1", 0)))
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.Get(ctx, "1")
	assert.NoError(t, err)
}

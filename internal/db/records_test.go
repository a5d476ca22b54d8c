package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/errors"
)

const patchNotes = "SkyBlock Patch Notes"

func newTestStore(t *testing.T) (*RecordStore, *sql.DB) {
	t.Helper()
	database, err := Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRecordStore(database), database
}

func stringPtr(s string) *string {
	return &s
}

func TestInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{
		ID: "1", Title: "Patch 0.19", Content: "notes", Notified: true, CreatedAt: 100, UpdatedAt: 100,
	}))
	require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{
		ID: "2", Title: "Patch 0.20", Content: "more", CreatedAt: 200, UpdatedAt: 200,
		MessageID: stringPtr("msg-2"),
	}))

	records, err := store.Lookup(ctx, patchNotes, []string{"1", "2", "missing"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]changes.KnownRecord{}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	require.True(t, byID["1"].Notified)
	require.Nil(t, byID["1"].MessageID)
	require.Equal(t, "Patch 0.19", byID["1"].Title)
	require.False(t, byID["2"].Notified)
	require.Equal(t, "msg-2", *byID["2"].MessageID)
	require.EqualValues(t, 200, byID["2"].CreatedAt)
}

func TestLookup_EmptyResult(t *testing.T) {
	store, _ := newTestStore(t)

	records, err := store.Lookup(context.Background(), patchNotes, []string{"nope"})
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)

	records, err = store.Lookup(context.Background(), patchNotes, nil)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestLookup_Chunked(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		id := fmt.Sprintf("%d", i)
		ids = append(ids, id)
		if i%2 == 0 {
			require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{ID: id}))
		}
	}

	records, err := store.Lookup(ctx, patchNotes, ids)
	require.NoError(t, err)
	require.Len(t, records, 600)
}

func TestInsert_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{ID: "1", Title: "first"}))
	err := store.Insert(ctx, patchNotes, changes.KnownRecord{ID: "1", Title: "second"})
	require.True(t, errors.Is(err, errors.ErrDuplicateKey), "got %v", err)

	records, err := store.Lookup(ctx, patchNotes, []string{"1"})
	require.NoError(t, err)
	require.Equal(t, "first", records[0].Title)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{ID: "1", Title: "t", Content: "c", Notified: true}))
	require.NoError(t, store.Update(ctx, patchNotes, "1", "t2", "c2"))

	records, err := store.Lookup(ctx, patchNotes, []string{"1"})
	require.NoError(t, err)
	require.Equal(t, "t2", records[0].Title)
	require.Equal(t, "c2", records[0].Content)
	require.True(t, records[0].Notified, "update keeps notification state")
	require.Positive(t, records[0].UpdatedAt)
}

func TestUpdate_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Update(context.Background(), patchNotes, "ghost", "t", "c")
	require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestMarkNotified(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{ID: "1"}))
	require.NoError(t, store.MarkNotified(ctx, patchNotes, "1", stringPtr("discord-42")))

	records, err := store.Lookup(ctx, patchNotes, []string{"1"})
	require.NoError(t, err)
	require.True(t, records[0].Notified)
	require.Equal(t, "discord-42", *records[0].MessageID)

	// A nil reference keeps the stored one
	require.NoError(t, store.MarkNotified(ctx, patchNotes, "1", nil))
	records, err = store.Lookup(ctx, patchNotes, []string{"1"})
	require.NoError(t, err)
	require.Equal(t, "discord-42", *records[0].MessageID)

	err = store.MarkNotified(ctx, patchNotes, "ghost", nil)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{
			ID: fmt.Sprintf("%d", i), CreatedAt: int64(i), UpdatedAt: int64(i),
		}))
	}

	count, err := store.Count(ctx, patchNotes)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	page, err := store.List(ctx, patchNotes, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"5", "4"}, []string{page[0].ID, page[1].ID})

	page, err = store.List(ctx, patchNotes, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "1", page[0].ID)
}

func TestCategoriesArePartitioned(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Insert(ctx, patchNotes, changes.KnownRecord{ID: "1", Title: "patch"}))
	require.NoError(t, store.Insert(ctx, "News and Announcements", changes.KnownRecord{ID: "1", Title: "news"}))

	records, err := store.Lookup(ctx, "News and Announcements", []string{"1"})
	require.NoError(t, err)
	require.Equal(t, "news", records[0].Title)

	names, err := store.Categories(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"News and Announcements", patchNotes}, names)
}

func TestEnsureCategory_RejectsInvalidNames(t *testing.T) {
	store, database := newTestStore(t)

	err := store.EnsureCategory(context.Background(), `x"; DROP TABLE categories; --`)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = store.Lookup(context.Background(), "", []string{"1"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	var name string
	require.NoError(t, database.QueryRow("SELECT name FROM sqlite_master WHERE name='categories'").Scan(&name))
}

func TestStoreUnavailable(t *testing.T) {
	store, database := newTestStore(t)
	require.NoError(t, store.EnsureCategory(context.Background(), patchNotes))
	database.Close()

	_, err := store.Lookup(context.Background(), patchNotes, []string{"1"})
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable), "got %v", err)

	err = store.Insert(context.Background(), patchNotes, changes.KnownRecord{ID: "1"})
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable), "got %v", err)
}

func TestDetectorAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	policy := staticPolicy{patchNotes: 5}
	d := changes.NewDetector(store, policy)

	res, err := d.Reconcile(ctx, changes.Snapshot{Category: patchNotes, Items: []changes.FeedItem{
		{ID: "a", Title: "T1", Content: "C1", CommentCount: 2},
		{ID: "b", Title: "T2", Content: "C2", CommentCount: 9},
	}})
	require.NoError(t, err)
	require.Len(t, res.Snapshot.Items, 1)
	require.Equal(t, "a", res.Snapshot.Items[0].ID)

	res, err = d.Reconcile(ctx, changes.Snapshot{Category: patchNotes, Items: []changes.FeedItem{
		{ID: "a", Title: "T1b", Content: "C1", CommentCount: 2},
		{ID: "b", Title: "T2", Content: "C2", CommentCount: 9},
	}})
	require.NoError(t, err)
	require.Len(t, res.Snapshot.Items, 1)
	require.True(t, res.Snapshot.Items[0].Edited)
	require.Equal(t, "T1b", res.Snapshot.Items[0].Title)

	_, err = d.Reconcile(ctx, changes.Snapshot{Category: patchNotes, Items: []changes.FeedItem{
		{ID: "dup", Title: "x"}, {ID: "dup", Title: "y"},
	}})
	require.True(t, errors.Is(err, errors.ErrDuplicateKey), "got %v", err)

	records, err := store.Lookup(ctx, patchNotes, []string{"dup"})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

type staticPolicy map[string]int

func (p staticPolicy) MaxComments(category string) (int, error) {
	n, ok := p[category]
	if !ok {
		return 0, errors.NewUnknownCategory(category)
	}
	return n, nil
}

package changes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/tidings/internal/errors"
)

// memStore is an in-memory RecordStore that counts calls.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string]KnownRecord

	lookups atomic.Int32
	inserts atomic.Int32
	updates atomic.Int32

	failInsert map[string]error
	failUpdate map[string]error
	failLookup error
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
	delay      time.Duration
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]map[string]KnownRecord)}
}

func (s *memStore) Lookup(_ context.Context, category string, ids []string) ([]KnownRecord, error) {
	s.lookups.Add(1)
	if s.failLookup != nil {
		return nil, s.failLookup
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []KnownRecord{}
	for _, id := range ids {
		if rec, ok := s.records[category][id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) Insert(_ context.Context, category string, rec KnownRecord) error {
	s.inserts.Add(1)
	s.track()
	defer s.inFlight.Add(-1)
	if err := s.failInsert[rec.ID]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[category] == nil {
		s.records[category] = make(map[string]KnownRecord)
	}
	if _, ok := s.records[category][rec.ID]; ok {
		return errors.NewDuplicateKey(category, rec.ID)
	}
	s.records[category][rec.ID] = rec
	return nil
}

func (s *memStore) Update(_ context.Context, category, id, title, content string) error {
	s.updates.Add(1)
	s.track()
	defer s.inFlight.Add(-1)
	if err := s.failUpdate[id]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[category][id]
	if !ok {
		return errors.NewNotFound(category, id)
	}
	rec.Title, rec.Content = title, content
	s.records[category][id] = rec
	return nil
}

func (s *memStore) track() {
	n := s.inFlight.Add(1)
	for {
		cur := s.maxFlight.Load()
		if n <= cur || s.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

func (s *memStore) get(category, id string) (KnownRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[category][id]
	return rec, ok
}

func (s *memStore) snapshot() map[string]map[string]KnownRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]KnownRecord, len(s.records))
	for cat, recs := range s.records {
		out[cat] = make(map[string]KnownRecord, len(recs))
		for id, rec := range recs {
			out[cat][id] = rec
		}
	}
	return out
}

func (s *memStore) writes() int32 {
	return s.inserts.Load() + s.updates.Load()
}

type staticPolicy map[string]int

func (p staticPolicy) MaxComments(category string) (int, error) {
	n, ok := p[category]
	if !ok {
		return 0, errors.NewUnknownCategory(category)
	}
	return n, nil
}

const patchNotes = "SkyBlock Patch Notes"

func newTestDetector(store RecordStore, opts ...Option) *Detector {
	return NewDetector(store, staticPolicy{patchNotes: 5, "News and Announcements": 3}, opts...)
}

func ids(items []FeedItem) []string {
	return itemIDs(items)
}

func TestReconcile_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	first := Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "a", Title: "T1", Content: "C1", CommentCount: 2},
		{ID: "b", Title: "T2", Content: "C2", CommentCount: 9},
	}}
	res, err := d.Reconcile(ctx, first)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(res.Snapshot.Items))
	require.False(t, res.Snapshot.Items[0].Edited)
	require.Equal(t, patchNotes, res.Snapshot.Category)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, Stats{Total: 2, New: 1, Suppressed: 1}, res.Stats)

	a, ok := store.get(patchNotes, "a")
	require.True(t, ok)
	require.True(t, a.Notified)
	b, ok := store.get(patchNotes, "b")
	require.True(t, ok)
	require.False(t, b.Notified)

	second := Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "a", Title: "T1b", Content: "C1", CommentCount: 2},
		{ID: "b", Title: "T2", Content: "C2", CommentCount: 9},
	}}
	res, err = d.Reconcile(ctx, second)
	require.NoError(t, err)
	require.Len(t, res.Snapshot.Items, 1)
	require.Equal(t, FeedItem{ID: "a", Title: "T1b", Content: "C1", CommentCount: 2, Edited: true}, res.Snapshot.Items[0])
	require.Equal(t, Stats{Total: 2, Edited: 1, Unchanged: 1}, res.Stats)

	a, _ = store.get(patchNotes, "a")
	require.Equal(t, "T1b", a.Title)
	b, _ = store.get(patchNotes, "b")
	require.Equal(t, "T2", b.Title)
	require.Equal(t, "C2", b.Content)
	require.EqualValues(t, 1, store.updates.Load())
}

func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	snap := Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "1", Title: "one", Content: "x", CommentCount: 0},
		{ID: "2", Title: "two", Content: "y", CommentCount: 7},
		{ID: "3", Title: "three", Content: "z", CommentCount: 1},
	}}

	res, err := d.Reconcile(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, ids(res.Snapshot.Items))
	after := store.snapshot()
	writes := store.writes()

	res, err = d.Reconcile(ctx, snap)
	require.NoError(t, err)
	require.Empty(t, res.Snapshot.Items)
	require.Equal(t, 3, res.Stats.Unchanged)
	require.Equal(t, after, store.snapshot())
	require.Equal(t, writes, store.writes(), "second run must not write")
}

func TestReconcile_ThresholdBoundary(t *testing.T) {
	store := newMemStore()
	d := newTestDetector(store)

	res, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "under", Title: "t", Content: "c", CommentCount: 4},
		{ID: "at", Title: "t", Content: "c", CommentCount: 5},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"under"}, ids(res.Snapshot.Items))

	at, ok := store.get(patchNotes, "at")
	require.True(t, ok, "suppressed items are still stored")
	require.False(t, at.Notified)
}

func TestReconcile_ZeroThresholdSuppressesEverything(t *testing.T) {
	store := newMemStore()
	d := NewDetector(store, staticPolicy{"quiet": 0})

	res, err := d.Reconcile(context.Background(), Snapshot{Category: "quiet", Items: []FeedItem{
		{ID: "1", CommentCount: 0},
	}})
	require.NoError(t, err)
	require.Empty(t, res.Snapshot.Items)
	require.Equal(t, 1, res.Stats.Suppressed)
}

func TestReconcile_ThresholdNotReevaluated(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	_, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "hot", Title: "t", Content: "c", CommentCount: 50},
	}})
	require.NoError(t, err)

	// Comment count dropping below the threshold does not admit a known id.
	res, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "hot", Title: "t", Content: "c", CommentCount: 0},
	}})
	require.NoError(t, err)
	require.Empty(t, res.Snapshot.Items)
}

func TestReconcile_EditVisibility(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	_, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "admitted", Title: "t", Content: "old", CommentCount: 1},
		{ID: "suppressed", Title: "t", Content: "old", CommentCount: 10},
	}})
	require.NoError(t, err)

	res, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "admitted", Title: "t", Content: "new", CommentCount: 1},
		{ID: "suppressed", Title: "t", Content: "new", CommentCount: 10},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"admitted"}, ids(res.Snapshot.Items))
	require.True(t, res.Snapshot.Items[0].Edited)
	require.Equal(t, 1, res.Stats.Edited)
	require.Equal(t, 1, res.Stats.Refreshed)

	for _, id := range []string{"admitted", "suppressed"} {
		rec, _ := store.get(patchNotes, id)
		require.Equal(t, "new", rec.Content, id)
	}
}

func TestReconcile_OutOfBandNotificationSurfacesEdits(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	_, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "s", Title: "t", Content: "old", CommentCount: 10},
	}})
	require.NoError(t, err)

	store.mu.Lock()
	rec := store.records[patchNotes]["s"]
	rec.Notified = true
	store.records[patchNotes]["s"] = rec
	store.mu.Unlock()

	res, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "s", Title: "t", Content: "new", CommentCount: 10},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"s"}, ids(res.Snapshot.Items))
}

func TestReconcile_DeltaOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	_, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "e1", Title: "t", Content: "c"},
		{ID: "e2", Title: "t", Content: "c"},
	}})
	require.NoError(t, err)

	res, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "e2", Title: "t2", Content: "c"},
		{ID: "n1", Title: "t", Content: "c"},
		{ID: "e1", Title: "t2", Content: "c"},
		{ID: "n2", Title: "t", Content: "c"},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"n1", "n2", "e2", "e1"}, ids(res.Snapshot.Items))
}

func TestReconcile_DuplicateIDs(t *testing.T) {
	store := newMemStore()
	d := newTestDetector(store)

	_, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "dup", Title: "first", Content: "c"},
		{ID: "dup", Title: "second", Content: "c"},
		{ID: "other", Title: "o", Content: "c"},
	}})
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrDuplicateKey), "got %v", err)

	rec, ok := store.get(patchNotes, "dup")
	require.True(t, ok, "first insert remains")
	require.Contains(t, []string{"first", "second"}, rec.Title)
	_, ok = store.get(patchNotes, "other")
	require.True(t, ok, "other writes proceed")
	require.EqualValues(t, 3, store.inserts.Load())
}

func TestReconcile_NoOpOnFullMatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := newTestDetector(store)

	snap := Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "1", Title: "a", Content: "b"},
		{ID: "2", Title: "c", Content: "d", CommentCount: 9},
	}}
	_, err := d.Reconcile(ctx, snap)
	require.NoError(t, err)

	// Comment counts are not compared.
	snap.Items[0].CommentCount = 4
	res, err := d.Reconcile(ctx, snap)
	require.NoError(t, err)
	require.Empty(t, res.Snapshot.Items)
	require.EqualValues(t, 0, store.updates.Load())
}

func TestReconcile_UnknownCategory(t *testing.T) {
	store := newMemStore()
	d := newTestDetector(store)

	_, err := d.Reconcile(context.Background(), Snapshot{Category: "Weather", Items: []FeedItem{{ID: "1"}}})
	require.True(t, errors.Is(err, errors.ErrUnknownCategory))
	require.EqualValues(t, 0, store.lookups.Load())
	require.EqualValues(t, 0, store.writes())
}

func TestReconcile_EmptySnapshot(t *testing.T) {
	store := newMemStore()
	d := newTestDetector(store)

	res, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes})
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot.Items)
	require.Empty(t, res.Snapshot.Items)
	require.EqualValues(t, 0, store.lookups.Load())
}

func TestReconcile_InvalidSnapshot(t *testing.T) {
	tests := []struct {
		name string
		item FeedItem
	}{
		{"missing id", FeedItem{Title: "t"}},
		{"negative comments", FeedItem{ID: "1", CommentCount: -1}},
		{"edited on intake", FeedItem{ID: "1", Edited: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			d := newTestDetector(store)
			_, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: []FeedItem{tt.item}})
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
			require.EqualValues(t, 0, store.lookups.Load())
		})
	}
}

func TestReconcile_LookupFailure(t *testing.T) {
	store := newMemStore()
	store.failLookup = errors.NewStoreUnavailable(fmt.Errorf("connection refused"))
	d := newTestDetector(store)

	_, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: []FeedItem{{ID: "1"}}})
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	require.EqualValues(t, 0, store.writes())
}

func TestReconcile_RecordVanishedBeforeUpdate(t *testing.T) {
	store := newMemStore()
	d := newTestDetector(store)
	ctx := context.Background()

	_, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "1", Title: "a"}, {ID: "2", Title: "b"},
	}})
	require.NoError(t, err)

	// Record 1 is deleted between lookup and update
	store.failUpdate = map[string]error{"1": errors.NewNotFound(patchNotes, "1")}

	res, err := d.Reconcile(ctx, Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "1", Title: "a2"}, {ID: "2", Title: "b2"},
	}})
	require.Nil(t, res)
	require.True(t, errors.Is(err, errors.ErrNotFound))
	require.EqualValues(t, 2, store.updates.Load(), "the other update is still attempted")

	rec, ok := store.get(patchNotes, "2")
	require.True(t, ok)
	require.Equal(t, "b2", rec.Title)
}

func TestReconcile_WriteFailuresAggregate(t *testing.T) {
	store := newMemStore()
	store.failInsert = map[string]error{
		"2": errors.NewStoreUnavailable(fmt.Errorf("disk I/O error")),
		"4": errors.NewStoreUnavailable(fmt.Errorf("disk I/O error")),
	}
	d := newTestDetector(store)

	_, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"},
	}})
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	require.EqualValues(t, 4, store.inserts.Load(), "every write is attempted")

	var committed []string
	for id := range store.snapshot()[patchNotes] {
		committed = append(committed, id)
	}
	sort.Strings(committed)
	require.Equal(t, []string{"1", "3"}, committed)
}

func TestReconcile_BoundedWriteConcurrency(t *testing.T) {
	store := newMemStore()
	store.delay = 5 * time.Millisecond
	d := newTestDetector(store, WithWriteConcurrency(2))

	items := make([]FeedItem, 10)
	for i := range items {
		items[i] = FeedItem{ID: fmt.Sprintf("id-%d", i)}
	}
	_, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: items})
	require.NoError(t, err)
	require.LessOrEqual(t, store.maxFlight.Load(), int32(2))
	require.EqualValues(t, 10, store.inserts.Load())
}

func TestReconcile_SameCategorySerialized(t *testing.T) {
	store := newMemStore()
	store.delay = time.Millisecond
	d := newTestDetector(store)

	snap := Snapshot{Category: patchNotes, Items: []FeedItem{
		{ID: "1"}, {ID: "2"}, {ID: "3"},
	}}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Reconcile(context.Background(), snap)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err, "serialized runs must not race into duplicate inserts")
	}
	require.EqualValues(t, 3, store.inserts.Load())
}

func TestCategoryLocks_FoldCase(t *testing.T) {
	var locks categoryLocks
	unlock := locks.lock("News")

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("news")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("names differing only by case must share one lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}

func TestReconcile_ClockStampsRecords(t *testing.T) {
	store := newMemStore()
	fixed := time.Unix(1700000000, 0)
	d := newTestDetector(store, WithClock(func() time.Time { return fixed }))

	_, err := d.Reconcile(context.Background(), Snapshot{Category: patchNotes, Items: []FeedItem{{ID: "1"}}})
	require.NoError(t, err)
	rec, _ := store.get(patchNotes, "1")
	require.Equal(t, fixed.Unix(), rec.CreatedAt)
	require.Equal(t, fixed.Unix(), rec.UpdatedAt)
}

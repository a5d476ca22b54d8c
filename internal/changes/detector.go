package changes

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/tidings/internal/errors"
	"github.com/hpungsan/tidings/internal/logger"
)

// DefaultWriteConcurrency bounds in-flight store writes when no option overrides it.
const DefaultWriteConcurrency = 8

// Detector classifies snapshots and persists the resulting record changes.
type Detector struct {
	store       RecordStore
	policy      PolicySource
	log         *logger.Logger
	concurrency int
	now         func() time.Time
	locks       categoryLocks
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(l *logger.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l.WithComponent("detector")
		}
	}
}

// WithWriteConcurrency bounds the number of concurrent store writes per reconciliation.
func WithWriteConcurrency(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithClock overrides the timestamp source for new records.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector returns a Detector over the given store and policy.
func NewDetector(store RecordStore, policy PolicySource, opts ...Option) *Detector {
	d := &Detector{
		store:       store,
		policy:      policy,
		log:         logger.Nop(),
		concurrency: DefaultWriteConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reconcile classifies snap against the stored records of its category, persists
// inserts and updates, and returns the delta for downstream notification.
//
// Reconciliations of the same category are serialized; different categories run
// in parallel. On a write failure every other write is still attempted, the
// committed ones stay committed, and the aggregated error is returned.
func (d *Detector) Reconcile(ctx context.Context, snap Snapshot) (*Result, error) {
	maxComments, err := d.policy.MaxComments(snap.Category)
	if err != nil {
		return nil, err
	}
	if err := Validate(snap); err != nil {
		return nil, err
	}

	runID, err := newRunID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	result := &Result{
		RunID:    runID,
		Snapshot: Snapshot{Category: snap.Category, Items: []FeedItem{}},
		Stats:    Stats{Total: len(snap.Items)},
	}
	if len(snap.Items) == 0 {
		return result, nil
	}

	unlock := d.locks.lock(snap.Category)
	defer unlock()

	known, err := d.lookup(ctx, snap)
	if err != nil {
		return nil, err
	}

	var (
		writes   []func(context.Context) error
		fresh    []FeedItem
		edited   []FeedItem
		dropped  []string
		category = snap.Category
		now      = d.now().Unix()
	)

	for _, item := range snap.Items {
		rec, ok := known[item.ID]
		if !ok {
			admitted := item.CommentCount < maxComments
			if admitted {
				fresh = append(fresh, item)
				result.Stats.New++
			} else {
				dropped = append(dropped, item.ID)
				result.Stats.Suppressed++
			}
			newRec := KnownRecord{
				ID:        item.ID,
				Title:     item.Title,
				Content:   item.Content,
				Notified:  admitted,
				CreatedAt: now,
				UpdatedAt: now,
			}
			writes = append(writes, func(ctx context.Context) error {
				return d.store.Insert(ctx, category, newRec)
			})
			continue
		}

		if rec.Title == item.Title && rec.Content == item.Content {
			result.Stats.Unchanged++
			continue
		}

		id, title, content := item.ID, item.Title, item.Content
		writes = append(writes, func(ctx context.Context) error {
			return d.store.Update(ctx, category, id, title, content)
		})
		if rec.Notified {
			item.Edited = true
			edited = append(edited, item)
			result.Stats.Edited++
		} else {
			result.Stats.Refreshed++
		}
	}

	if len(dropped) > 0 {
		d.log.Debug("comment threshold suppressed new items",
			"category", category,
			"max_comments", maxComments,
			"suppressed_ids", dropped,
			"admitted_ids", itemIDs(fresh),
		)
	}

	if err := d.applyWrites(ctx, writes); err != nil {
		d.log.Error("reconcile writes failed", "category", category, "run_id", runID, "error", err)
		return nil, err
	}

	result.Snapshot.Items = append(append(result.Snapshot.Items, fresh...), edited...)

	d.log.Info("reconciled snapshot",
		"category", category,
		"run_id", runID,
		"total", result.Stats.Total,
		"new", result.Stats.New,
		"suppressed", result.Stats.Suppressed,
		"edited", result.Stats.Edited,
		"refreshed", result.Stats.Refreshed,
		"unchanged", result.Stats.Unchanged,
	)
	return result, nil
}

// lookup fetches the stored records for every distinct id in the snapshot.
func (d *Detector) lookup(ctx context.Context, snap Snapshot) (map[string]KnownRecord, error) {
	ids := make([]string, 0, len(snap.Items))
	seen := make(map[string]bool, len(snap.Items))
	for _, item := range snap.Items {
		if !seen[item.ID] {
			seen[item.ID] = true
			ids = append(ids, item.ID)
		}
	}

	records, err := d.store.Lookup(ctx, snap.Category, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[string]KnownRecord, len(records))
	for _, rec := range records {
		known[rec.ID] = rec
	}
	return known, nil
}

// applyWrites runs every write with bounded concurrency and waits for all of them.
func (d *Detector) applyWrites(ctx context.Context, writes []func(context.Context) error) error {
	if len(writes) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	// The group only bounds concurrency. Failures are collected in errs so that
	// one failed write never cancels or hides the others.
	g.SetLimit(d.concurrency)
	for _, write := range writes {
		g.Go(func() error {
			if err := write(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func itemIDs(items []FeedItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func newRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// categoryLocks hands out one mutex per category, dropping it once unused.
type categoryLocks struct {
	mu      sync.Mutex
	entries map[string]*categoryLock
}

type categoryLock struct {
	sync.Mutex
	refs int
}

// lock keys on the case-folded name, matching how SQLite resolves table names.
func (c *categoryLocks) lock(category string) (unlock func()) {
	category = strings.ToLower(category)
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]*categoryLock)
	}
	entry, ok := c.entries[category]
	if !ok {
		entry = &categoryLock{}
		c.entries[category] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.entries, category)
		}
		c.mu.Unlock()
	}
}

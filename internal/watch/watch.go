// Package watch polls category feeds and hands reconciled deltas to a consumer.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/logger"
)

// DefaultInterval is used when a Watcher has no interval set.
const DefaultInterval = 5 * time.Minute

// Fetcher produces a snapshot for a category.
type Fetcher interface {
	Fetch(ctx context.Context, category, url string) (changes.Snapshot, error)
}

// Reconciler turns a snapshot into a delta.
type Reconciler interface {
	Reconcile(ctx context.Context, snap changes.Snapshot) (*changes.Result, error)
}

// Consumer receives every non-empty delta.
type Consumer interface {
	Consume(ctx context.Context, result *changes.Result) error
}

// Watcher polls one category.
type Watcher struct {
	Category   string
	FeedURL    string
	Fetcher    Fetcher
	Reconciler Reconciler
	Consumer   Consumer
	Interval   time.Duration
	Log        *logger.Logger
}

// Start runs one cycle immediately and then one per interval until ctx is done.
// Cycle failures are logged and retried on the next tick.
func (w *Watcher) Start(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	w.cycle(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.cycle(ctx)
		}
	}
}

func (w *Watcher) cycle(ctx context.Context) {
	if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.log().Error("watch cycle failed", "category", w.Category, "error", err)
	}
}

// RunOnce fetches, reconciles and delivers a single snapshot.
func (w *Watcher) RunOnce(ctx context.Context) error {
	snap, err := w.Fetcher.Fetch(ctx, w.Category, w.FeedURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", w.Category, err)
	}
	result, err := w.Reconciler.Reconcile(ctx, snap)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", w.Category, err)
	}
	if len(result.Snapshot.Items) == 0 || w.Consumer == nil {
		return nil
	}
	if err := w.Consumer.Consume(ctx, result); err != nil {
		return fmt.Errorf("deliver %s: %w", w.Category, err)
	}
	return nil
}

func (w *Watcher) log() *logger.Logger {
	if w.Log == nil {
		return logger.Nop()
	}
	return w.Log
}

// Manager starts and supervises one watcher per category.
type Manager struct {
	watchers []*Watcher
}

// NewManager rejects two watchers for the same category, since a category
// must never be reconciled by two pollers at once.
func NewManager(ws ...*Watcher) (*Manager, error) {
	seen := make(map[string]bool, len(ws))
	for _, w := range ws {
		if seen[w.Category] {
			return nil, fmt.Errorf("duplicate watcher for category %q", w.Category)
		}
		seen[w.Category] = true
	}
	return &Manager{watchers: ws}, nil
}

// Len returns the number of watchers.
func (m *Manager) Len() int {
	return len(m.watchers)
}

// Start runs every watcher until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(m.watchers))
	for _, w := range m.watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				errs <- err
			}
		}(w)
	}
	// Wait for context cancellation then wait for watchers to exit.
	<-ctx.Done()
	wg.Wait()
	close(errs)

	var combined error
	for err := range errs {
		combined = multierr.Append(combined, err)
	}
	return combined
}

// RunOnce runs a single cycle of every watcher concurrently and returns all failures.
func (m *Manager) RunOnce(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		combined error
	)
	for _, w := range m.watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			if err := w.RunOnce(ctx); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return combined
}

// JSONLines writes each delta as one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines returns a consumer writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

type deltaLine struct {
	Category string             `json:"category"`
	RunID    string             `json:"run_id"`
	Items    []changes.FeedItem `json:"items"`
	Stats    changes.Stats      `json:"stats"`
}

// Consume implements Consumer.
func (j *JSONLines) Consume(_ context.Context, result *changes.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(deltaLine{
		Category: result.Snapshot.Category,
		RunID:    result.RunID,
		Items:    result.Snapshot.Items,
		Stats:    result.Stats,
	})
}

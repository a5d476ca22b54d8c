// Package changes reconciles fetched feed snapshots against durable per-category state.
package changes

import "context"

// FeedItem is one entry of a fetched category feed.
type FeedItem struct {
	ID           string `json:"id" validate:"required,max=256"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	CommentCount int    `json:"comment_count" validate:"gte=0"`
	Link         string `json:"link,omitempty"`

	// Edited is set by the detector on items surfaced as edits. Intake items must leave it false.
	Edited bool `json:"edited,omitempty"`
}

// Snapshot is the ordered set of items fetched for one category.
type Snapshot struct {
	Category string     `json:"category" validate:"required,category"`
	Items    []FeedItem `json:"items" validate:"dive"`
}

// KnownRecord is the persisted state for an item id within a category.
type KnownRecord struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Notified  bool    `json:"notified"`
	MessageID *string `json:"message_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Stats counts how each snapshot item was classified.
type Stats struct {
	Total      int `json:"total"`
	New        int `json:"new"`
	Suppressed int `json:"suppressed"`
	Edited     int `json:"edited"`
	Refreshed  int `json:"refreshed"`
	Unchanged  int `json:"unchanged"`
}

// Result is the outcome of one reconciliation. Snapshot.Items is the delta:
// admitted new items first, then surfaced edits, each in source order.
type Result struct {
	RunID    string   `json:"run_id"`
	Snapshot Snapshot `json:"delta"`
	Stats    Stats    `json:"stats"`
}

// RecordStore is the durable per-category table of known records.
//
// Lookup returns the records whose ids are in ids (empty slice when none).
// Insert fails with DUPLICATE_KEY when rec.ID already exists.
// Update fails with NOT_FOUND when id does not exist.
// Infrastructure failures surface as STORE_UNAVAILABLE.
type RecordStore interface {
	Lookup(ctx context.Context, category string, ids []string) ([]KnownRecord, error)
	Insert(ctx context.Context, category string, rec KnownRecord) error
	Update(ctx context.Context, category, id, title, content string) error
}

// PolicySource resolves the comment threshold of a category.
// Unregistered categories fail with UNKNOWN_CATEGORY.
type PolicySource interface {
	MaxComments(category string) (int, error)
}

package ops

import (
	"context"

	"github.com/hpungsan/tidings/internal/changes"
)

// ReconcileInput contains parameters for the Reconcile operation.
type ReconcileInput struct {
	Category string
	Items    []changes.FeedItem
}

// ReconcileOutput contains the result of the Reconcile operation.
type ReconcileOutput struct {
	RunID    string             `json:"run_id"`
	Category string             `json:"category"`
	Items    []changes.FeedItem `json:"items"`
	Stats    changes.Stats      `json:"stats"`
}

// Reconcile classifies a snapshot and returns the delta to notify.
func Reconcile(ctx context.Context, env *Env, input ReconcileInput) (*ReconcileOutput, error) {
	items := input.Items
	if items == nil {
		items = []changes.FeedItem{}
	}

	result, err := env.Detector.Reconcile(ctx, changes.Snapshot{Category: input.Category, Items: items})
	if err != nil {
		return nil, err
	}

	return &ReconcileOutput{
		RunID:    result.RunID,
		Category: result.Snapshot.Category,
		Items:    result.Snapshot.Items,
		Stats:    result.Stats,
	}, nil
}

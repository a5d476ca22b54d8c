package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/tidings/internal/errors"
)

// MarkNotifiedInput contains parameters for the MarkNotified operation.
type MarkNotifiedInput struct {
	Category  string
	ID        string
	MessageID *string // optional downstream message reference
}

// MarkNotifiedOutput contains the result of the MarkNotified operation.
type MarkNotifiedOutput struct {
	Category  string  `json:"category"`
	ID        string  `json:"id"`
	MessageID *string `json:"message_id,omitempty"`
	Notified  bool    `json:"notified"`
}

// MarkNotified records that an item was delivered downstream. Once marked, later
// content changes to the item are surfaced as edits.
func MarkNotified(ctx context.Context, env *Env, input MarkNotifiedInput) (*MarkNotifiedOutput, error) {
	category, err := env.requireCategory(input.Category)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	if err := env.Store.MarkNotified(ctx, category, id, input.MessageID); err != nil {
		return nil, err
	}

	return &MarkNotifiedOutput{
		Category:  category,
		ID:        id,
		MessageID: input.MessageID,
		Notified:  true,
	}, nil
}

package ops

import (
	"context"

	"github.com/hpungsan/tidings/internal/changes"
)

// ListRecordsInput contains parameters for the ListRecords operation.
type ListRecordsInput struct {
	Category string // required
	Limit    int    // default: 20, max: 100
	Offset   int    // default: 0
}

// ListRecordsOutput contains the result of the ListRecords operation.
type ListRecordsOutput struct {
	Category   string                `json:"category"`
	Items      []changes.KnownRecord `json:"items"`
	Pagination Pagination            `json:"pagination"`
	Sort       string                `json:"sort"`
}

// ListRecords returns the stored records of a category, newest first.
func ListRecords(ctx context.Context, env *Env, input ListRecordsInput) (*ListRecordsOutput, error) {
	category, err := env.requireCategory(input.Category)
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := max(input.Offset, 0)

	total, err := env.Store.Count(ctx, category)
	if err != nil {
		return nil, err
	}
	records, err := env.Store.List(ctx, category, limit, offset)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []changes.KnownRecord{}
	}

	return &ListRecordsOutput{
		Category: category,
		Items:    records,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(records) < total,
			Total:   total,
		},
		Sort: "created_at_desc",
	}, nil
}

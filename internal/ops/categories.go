package ops

import (
	"context"
	"sort"
)

// CategoryInfo describes one category known to the registry or the store.
type CategoryInfo struct {
	Name        string `json:"name"`
	MaxComments *int   `json:"max_comments,omitempty"`
	FeedURL     string `json:"feed_url,omitempty"`
	Registered  bool   `json:"registered"`
	Records     int    `json:"records"`
}

// ListCategoriesOutput contains the result of the ListCategories operation.
type ListCategoriesOutput struct {
	Items []CategoryInfo `json:"items"`
}

// ListCategories merges the registry with the categories that have stored records.
// Registered categories come first in registry order; unregistered stored ones
// follow by name.
func ListCategories(ctx context.Context, env *Env) (*ListCategoriesOutput, error) {
	stored, err := env.Store.Categories(ctx)
	if err != nil {
		return nil, err
	}
	hasRecords := make(map[string]bool, len(stored))
	for _, name := range stored {
		hasRecords[name] = true
	}

	items := []CategoryInfo{}
	for _, c := range env.Policy.Categories() {
		maxComments := c.MaxComments
		info := CategoryInfo{
			Name:        c.Name,
			MaxComments: &maxComments,
			FeedURL:     c.FeedURL,
			Registered:  true,
		}
		if hasRecords[c.Name] {
			if info.Records, err = env.Store.Count(ctx, c.Name); err != nil {
				return nil, err
			}
			delete(hasRecords, c.Name)
		}
		items = append(items, info)
	}

	orphans := make([]string, 0, len(hasRecords))
	for name := range hasRecords {
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		count, err := env.Store.Count(ctx, name)
		if err != nil {
			return nil, err
		}
		items = append(items, CategoryInfo{Name: name, Records: count})
	}

	return &ListCategoriesOutput{Items: items}, nil
}

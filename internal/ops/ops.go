package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/errors"
	"github.com/hpungsan/tidings/internal/policy"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Store is a record store that also supports notification marking and inspection.
// Both the SQLite and Redis backends implement it.
type Store interface {
	changes.RecordStore
	MarkNotified(ctx context.Context, category, id string, messageID *string) error
	List(ctx context.Context, category string, limit, offset int) ([]changes.KnownRecord, error)
	Count(ctx context.Context, category string) (int, error)
	Categories(ctx context.Context) ([]string, error)
}

// Env holds the collaborators shared by every operation.
type Env struct {
	Store    Store
	Policy   *policy.Registry
	Detector *changes.Detector
}

// NewEnv wires a detector over store and registry.
func NewEnv(store Store, registry *policy.Registry, opts ...changes.Option) *Env {
	return &Env{
		Store:    store,
		Policy:   registry,
		Detector: changes.NewDetector(store, registry, opts...),
	}
}

// requireCategory trims and resolves a category against the registry.
func (e *Env) requireCategory(category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return "", errors.NewInvalidRequest("category is required")
	}
	if _, ok := e.Policy.Get(category); !ok {
		return "", errors.NewUnknownCategory(category)
	}
	return category, nil
}

// Package policy loads the per-category comment thresholds from categories.yml.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/tidings/internal/changes"
	"github.com/hpungsan/tidings/internal/errors"
)

// FileName is the registry file looked up under the base directory.
const FileName = "categories.yml"

// Category is one watched feed channel.
type Category struct {
	Name        string `yaml:"name" json:"name" validate:"category"`
	MaxComments int    `yaml:"max_comments" json:"max_comments" validate:"gte=0"`
	FeedURL     string `yaml:"feed_url,omitempty" json:"feed_url,omitempty" validate:"omitempty,http_url"`
}

type file struct {
	Categories []Category `yaml:"categories"`
}

// Registry is the in-memory category table. It implements changes.PolicySource.
type Registry struct {
	categories []Category
	byName     map[string]Category
}

// New validates categories and builds a registry from them.
func New(categories []Category) (*Registry, error) {
	r := &Registry{
		categories: make([]Category, 0, len(categories)),
		byName:     make(map[string]Category, len(categories)),
	}
	// SQLite resolves table names case-insensitively, so "News" and "news"
	// would share one partition.
	folded := make(map[string]string, len(categories))
	for i, c := range categories {
		if err := changes.ValidateStruct(c); err != nil {
			return nil, fmt.Errorf("categories[%d]: %w", i, err)
		}
		if prev, dup := folded[strings.ToLower(c.Name)]; dup {
			return nil, fmt.Errorf("categories[%d]: category %q collides with %q", i, c.Name, prev)
		}
		folded[strings.ToLower(c.Name)] = c.Name
		r.byName[c.Name] = c
		r.categories = append(r.categories, c)
	}
	return r, nil
}

// Parse decodes a categories.yml document.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return New(f.Categories)
}

// Load reads and parses the registry at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return r, nil
}

// MaxComments returns the comment threshold of a category.
func (r *Registry) MaxComments(category string) (int, error) {
	c, ok := r.byName[category]
	if !ok {
		return 0, errors.NewUnknownCategory(category)
	}
	return c.MaxComments, nil
}

// Get returns the named category.
func (r *Registry) Get(name string) (Category, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Categories returns the categories in file order.
func (r *Registry) Categories() []Category {
	out := make([]Category, len(r.categories))
	copy(out, r.categories)
	return out
}

// Defaults are the Hypixel forum channels the announcements bot follows.
func Defaults() []Category {
	return []Category{
		{Name: "News and Announcements", MaxComments: 5, FeedURL: "https://hypixel.net/forums/news-and-announcements.4/index.rss"},
		{Name: "SkyBlock Patch Notes", MaxComments: 5, FeedURL: "https://hypixel.net/forums/skyblock-patch-notes.158/index.rss"},
		{Name: "Moderation Information and Changes", MaxComments: 5, FeedURL: "https://hypixel.net/forums/moderation-information-and-changes.395/index.rss"},
	}
}

// WriteDefaults writes Defaults to path, refusing to overwrite an existing file.
func WriteDefaults(path string) error {
	data, err := yaml.Marshal(file{Categories: Defaults()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

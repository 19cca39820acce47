package models

import "strings"

// Category is a topic bucket with an ordered list of lower-cased keywords.
type Category struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// CategoryTable is the ordered category list plus the catch-all id.
// It is loaded once per cycle and treated as read-only.
type CategoryTable struct {
	Categories []Category
	DefaultID  string
}

// NewCategoryTable lower-cases keywords and guarantees the catch-all exists.
func NewCategoryTable(categories []Category, defaultID string) *CategoryTable {
	t := &CategoryTable{DefaultID: defaultID}
	hasDefault := false
	for _, c := range categories {
		kws := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				kws = append(kws, kw)
			}
		}
		t.Categories = append(t.Categories, Category{ID: c.ID, Name: c.Name, Keywords: kws})
		if c.ID == defaultID {
			hasDefault = true
		}
	}
	if !hasDefault && defaultID != "" {
		t.Categories = append(t.Categories, Category{ID: defaultID, Name: defaultID})
	}
	return t
}

// Has reports whether id is a known category.
func (t *CategoryTable) Has(id string) bool {
	for _, c := range t.Categories {
		if c.ID == id {
			return true
		}
	}
	return false
}

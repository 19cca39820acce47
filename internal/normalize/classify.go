package normalize

import (
	"strings"

	"reddot-watch/ingestor/internal/models"
)

// Classifier assigns a category by keyword frequency. It is pure: the same
// input and table always produce the same category.
type Classifier struct {
	table *models.CategoryTable
}

// NewClassifier creates a classifier over an already normalized category table.
func NewClassifier(table *models.CategoryTable) *Classifier {
	if table == nil {
		table = models.NewCategoryTable(nil, "")
	}
	return &Classifier{table: table}
}

// Classify returns the id of the category whose keywords occur most often in
// title and description. Ties go to the category listed first; no match at all
// yields the catch-all.
func (c *Classifier) Classify(title, description string) string {
	text := strings.ToLower(title + " " + description)

	best, bestScore := c.table.DefaultID, 0
	for _, cat := range c.table.Categories {
		if cat.ID == c.table.DefaultID {
			continue
		}
		if score := keywordScore(text, cat.Keywords); score > bestScore {
			best, bestScore = cat.ID, score
		}
	}
	return best
}

func keywordScore(text string, keywords []string) int {
	score := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		score += strings.Count(text, kw)
	}
	return score
}

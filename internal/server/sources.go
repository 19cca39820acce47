package server

import (
	"context"
	"fmt"

	"reddot-watch/ingestor/internal/config"
	"reddot-watch/ingestor/internal/models"
	"reddot-watch/ingestor/internal/storage"
)

// CatalogSources merges catalog definitions, imported rows and fetch status the
// same way a refresh cycle sees them.
type CatalogSources struct {
	Loader *config.CatalogLoader
	Repo   *storage.SourceRepository
}

// SourcesWithStatus returns every known source, enabled or not.
func (c CatalogSources) SourcesWithStatus(ctx context.Context) ([]models.Source, error) {
	cat, err := c.Loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	imported, err := c.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	cat.OverrideSources(imported)

	statuses, err := c.Repo.Statuses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Source, 0, len(cat.Sources))
	for _, s := range cat.Sources {
		if st, ok := statuses[s.ID]; ok {
			s.ApplyStatus(st)
		}
		out = append(out, s)
	}
	return out, nil
}

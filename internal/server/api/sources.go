package api

import (
	"context"
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"reddot-watch/ingestor/internal/models"
)

// SourceLister returns the effective source definitions with their fetch status applied.
type SourceLister interface {
	SourcesWithStatus(ctx context.Context) ([]models.Source, error)
}

var sourcesCSVHeader = []string{
	"id", "name", "feed_url", "category", "enabled", "priority", "batch_size", "daily_quota",
	"error_count", "last_error", "last_fetched_at",
}

// ExportSources returns a handler that writes every source as CSV. The first eight
// columns are the ones 'ingestor import' reads back.
func ExportSources(sources SourceLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)

		list, err := sources.SourcesWithStatus(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to list sources")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=sources.csv")

		csvWriter := csv.NewWriter(w)
		if err := csvWriter.Write(sourcesCSVHeader); err != nil {
			log.Error().Err(err).Msg("Failed to write CSV header")
			http.Error(w, "Error generating CSV", http.StatusInternalServerError)
			return
		}

		for _, s := range list {
			lastFetched := ""
			if s.LastFetchedAt.Valid {
				lastFetched = s.LastFetchedAt.Time.UTC().Format(time.RFC3339)
			}
			record := []string{
				s.ID,
				s.Name,
				s.FeedURL,
				s.CategoryID,
				strconv.FormatBool(s.Enabled),
				strconv.FormatFloat(s.Priority, 'f', -1, 64),
				strconv.Itoa(s.BatchSize),
				strconv.Itoa(s.DailyQuota),
				strconv.Itoa(s.ErrorCount),
				s.LastError.String,
				lastFetched,
			}
			if err := csvWriter.Write(record); err != nil {
				log.Error().Err(err).Msg("Failed to write CSV record")
				return
			}
		}

		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Error().Err(err).Msg("Error flushing CSV data")
			return
		}
		log.Info().Int("source_count", len(list)).Msg("Exported sources as CSV")
	}
}

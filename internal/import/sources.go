package importsources

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/models"
)

const downloadTimeout = 30 * time.Second

// SourceUpserter stores one source definition.
type SourceUpserter interface {
	Upsert(ctx context.Context, src models.Source) error
}

// Summary counts the outcome of an import.
type Summary struct {
	Rows     int
	Imported int
	Errors   []string
}

// Importer loads source definitions from CSV into the sources table
type Importer struct {
	repo      SourceUpserter
	client    *http.Client
	remoteURL string
}

// NewImporter creates a new source importer. remoteURL is downloaded when the
// local CSV file does not exist; empty disables the fallback.
func NewImporter(repo SourceUpserter, client *http.Client, remoteURL string) *Importer {
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	return &Importer{repo: repo, client: client, remoteURL: remoteURL}
}

// ImportSources imports sources from a CSV file. Bad rows are reported in the
// summary and skipped; only an unreadable file or header fails the import.
func (i *Importer) ImportSources(ctx context.Context, csvPath string) (*Summary, error) {
	log.Info().Str("csv", csvPath).Msg("Starting source import")

	data, err := i.getCSVData(ctx, csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get CSV data: %w", err)
	}

	summary, err := i.Import(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to import sources: %w", err)
	}

	log.Info().
		Int("total", summary.Rows).
		Int("success", summary.Imported).
		Int("errors", len(summary.Errors)).
		Msg("Import summary")
	return summary, nil
}

func (i *Importer) getCSVData(ctx context.Context, csvPath string) ([]byte, error) {
	data, err := os.ReadFile(csvPath)
	if err == nil {
		log.Info().Str("path", csvPath).Msg("Using local CSV file")
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) || i.remoteURL == "" {
		return nil, err
	}

	log.Info().Str("url", i.remoteURL).Str("path", csvPath).Msg("Local CSV file not found. Downloading from remote source")
	data, err = i.downloadCSV(ctx, i.remoteURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download CSV file: %w", err)
	}

	if err := os.WriteFile(csvPath, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", csvPath).Msg("Could not cache downloaded CSV")
	} else {
		log.Debug().Int("bytes", len(data)).Str("path", csvPath).Msg("Downloaded and saved CSV file")
	}
	return data, nil
}

func (i *Importer) downloadCSV(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Import reads CSV rows from r and upserts each as a source. The header must
// contain 'id' and 'feed_url'; name, category, enabled, priority, batch_size
// and daily_quota are optional.
func (i *Importer) Import(ctx context.Context, r io.Reader) (*Summary, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := newColumns(header)
	for _, required := range []string{"id", "feed_url"} {
		if cols.index(required) < 0 {
			return nil, fmt.Errorf("required column '%s' not found in CSV header", required)
		}
	}

	summary := &Summary{}
	line := 1 // Header was already read
	for {
		line++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Error reading CSV line")
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}
		summary.Rows++

		src, err := cols.source(record)
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping invalid row")
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		if err := i.repo.Upsert(ctx, src); err != nil {
			log.Error().Err(err).Int("line", line).Str("source_id", src.ID).Msg("Failed to store source")
			summary.Errors = append(summary.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		summary.Imported++
		log.Debug().Int("line", line).Str("source_id", src.ID).Str("url", src.FeedURL).Msg("Source imported")
	}

	return summary, nil
}

type columns map[string]int

func newColumns(header []string) columns {
	c := make(columns, len(header))
	for i, name := range header {
		c[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return c
}

func (c columns) index(name string) int {
	if i, ok := c[name]; ok {
		return i
	}
	return -1
}

func (c columns) value(record []string, name string) string {
	i := c.index(name)
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// source maps a record onto a Source. Blank optional fields keep their defaults;
// zero batch sizes and quotas are filled from the catalog tunables at cycle time.
func (c columns) source(record []string) (models.Source, error) {
	src := *models.NewSource()
	src.ID = c.value(record, "id")
	src.FeedURL = c.value(record, "feed_url")
	src.Name = c.value(record, "name")
	src.CategoryID = c.value(record, "category")

	if src.ID == "" {
		return src, fmt.Errorf("empty id")
	}
	u, err := url.Parse(src.FeedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return src, fmt.Errorf("invalid feed_url %q", src.FeedURL)
	}
	if src.Name == "" {
		src.Name = src.ID
	}

	if v := c.value(record, "enabled"); v != "" {
		if src.Enabled, err = strconv.ParseBool(v); err != nil {
			return src, fmt.Errorf("invalid enabled %q", v)
		}
	}
	if v := c.value(record, "priority"); v != "" {
		if src.Priority, err = strconv.ParseFloat(v, 64); err != nil {
			return src, fmt.Errorf("invalid priority %q", v)
		}
	}
	if v := c.value(record, "batch_size"); v != "" {
		if src.BatchSize, err = strconv.Atoi(v); err != nil || src.BatchSize < 0 {
			return src, fmt.Errorf("invalid batch_size %q", v)
		}
	}
	if v := c.value(record, "daily_quota"); v != "" {
		if src.DailyQuota, err = strconv.Atoi(v); err != nil || src.DailyQuota < 0 {
			return src, fmt.Errorf("invalid daily_quota %q", v)
		}
	}
	return src, nil
}

package process

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/models"
	"reddot-watch/ingestor/internal/normalize"
)

// Fetcher retrieves up to maxItems raw items from a source's feed.
type Fetcher interface {
	FetchFeed(ctx context.Context, src models.Source, maxItems int) ([]models.RawItem, error)
}

// ImageExtractor returns a validated image URL for an item, or "".
type ImageExtractor interface {
	Extract(ctx context.Context, raw models.RawItem, articleLink string) string
}

// ArticleStore is the persistence the pipeline needs.
type ArticleStore interface {
	FindByDedupKeyOrURL(ctx context.Context, dedupKey, url string) (*models.Article, error)
	StoreIfNew(ctx context.Context, a *models.Article, categories *models.CategoryTable, day string) (bool, error)
	CountStoredToday(ctx context.Context, sourceID, day string) (int, error)
}

// StatusRecorder persists per-source fetch outcomes.
type StatusRecorder interface {
	RecordFailure(ctx context.Context, sourceID, message string, at time.Time) error
	RecordSuccess(ctx context.Context, sourceID string, at time.Time) error
}

// Deps are the collaborators of a SourceProcessor. Images may be nil.
type Deps struct {
	Fetcher    Fetcher
	Images     ImageExtractor
	Store      ArticleStore
	Status     StatusRecorder
	Categories *models.CategoryTable
}

// Options tune a single run.
type Options struct {
	WorkerCount   int
	SourceTimeout time.Duration
	Location      *time.Location // calendar used for daily quotas
}

// Stats is a snapshot of the counters of a run.
type Stats struct {
	Sources      int64 `json:"sources"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	SkippedQuota int64 `json:"skipped_quota"`
	Fetched      int64 `json:"fetched"`
	Stored       int64 `json:"stored"`
	Duplicates   int64 `json:"duplicates"`
	ItemErrors   int64 `json:"item_errors"`
}

// SourceProcessor runs the enabled sources of one cycle through fetch, normalize,
// image extraction and storage with a bounded pool of workers.
type SourceProcessor struct {
	deps       Deps
	normalizer *normalize.Normalizer

	WorkerCount   int
	sourceTimeout time.Duration
	loc           *time.Location
	now           func() time.Time

	sourceQueue chan models.Source
	workerWg    sync.WaitGroup

	sources      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	skippedQuota atomic.Int64
	fetched      atomic.Int64
	stored       atomic.Int64
	duplicates   atomic.Int64
	itemErrors   atomic.Int64

	activeWorkers atomic.Int32
}

const (
	defaultSourceTimeout = 2 * time.Minute
	statusUpdateTimeout  = 15 * time.Second
	progressInterval     = 30 * time.Second
)

// NewSourceProcessor creates a processor for a single cycle.
func NewSourceProcessor(deps Deps, opts Options) (*SourceProcessor, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("article store cannot be nil")
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("status recorder cannot be nil")
	}
	if deps.Categories == nil {
		return nil, fmt.Errorf("category table cannot be nil")
	}

	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	timeout := opts.SourceTimeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &SourceProcessor{
		deps:          deps,
		normalizer:    normalize.NewNormalizer(deps.Categories),
		WorkerCount:   workerCount,
		sourceTimeout: timeout,
		loc:           loc,
		now:           time.Now,
		sourceQueue:   make(chan models.Source, workerCount*2),
	}, nil
}

// Allowance returns how many new articles src may store in this run given what it
// already stored today. skip is true when the daily quota is exhausted.
func Allowance(src models.Source, storedToday int) (n int, skip bool) {
	if src.DailyQuota > 0 && storedToday >= src.DailyQuota {
		return 0, true
	}
	n = src.BatchSize
	if src.DailyQuota > 0 {
		if remaining := src.DailyQuota - storedToday; n <= 0 || remaining < n {
			n = remaining
		}
	}
	if n <= 0 {
		return 0, true
	}
	return n, false
}

// SortByPriority orders sources by descending priority, keeping catalog order on ties.
func SortByPriority(sources []models.Source) []models.Source {
	out := make([]models.Source, len(sources))
	copy(out, sources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// ProcessSources runs every source once. Individual source failures are recorded
// and counted but never returned; an error means the run was cut short by ctx.
func (p *SourceProcessor) ProcessSources(ctx context.Context, sources []models.Source) (Stats, error) {
	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go p.logProgress(progressCtx)

	for i := 0; i < p.WorkerCount; i++ {
		p.workerWg.Add(1)
		go p.sourceWorker(ctx)
	}

	ordered := SortByPriority(sources)
	log.Info().
		Int("sources", len(ordered)).
		Int("workers", p.WorkerCount).
		Msg("Processing sources")

queueLoop:
	for _, src := range ordered {
		select {
		case p.sourceQueue <- src:
		case <-ctx.Done():
			log.Warn().
				Err(ctx.Err()).
				Msg("Context cancelled during source queuing")
			break queueLoop
		}
	}
	close(p.sourceQueue)

	p.workerWg.Wait()
	stats := p.Stats()
	log.Info().
		Int64("sources", stats.Sources).
		Int64("succeeded", stats.Succeeded).
		Int64("failed", stats.Failed).
		Int64("skipped_quota", stats.SkippedQuota).
		Int64("stored", stats.Stored).
		Int64("duplicates", stats.Duplicates).
		Msg("All sources processed")

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("source processing interrupted: %w", err)
	}
	return stats, nil
}

// Stats returns the current counters.
func (p *SourceProcessor) Stats() Stats {
	return Stats{
		Sources:      p.sources.Load(),
		Succeeded:    p.succeeded.Load(),
		Failed:       p.failed.Load(),
		SkippedQuota: p.skippedQuota.Load(),
		Fetched:      p.fetched.Load(),
		Stored:       p.stored.Load(),
		Duplicates:   p.duplicates.Load(),
		ItemErrors:   p.itemErrors.Load(),
	}
}

func (p *SourceProcessor) logProgress(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Info().
				Int64("sources", p.sources.Load()).
				Int64("stored", p.stored.Load()).
				Int64("duplicates", p.duplicates.Load()).
				Int32("active_workers", p.activeWorkers.Load()).
				Int("source_queue_size", len(p.sourceQueue)).
				Msg("Processing progress")
		case <-ctx.Done():
			return
		}
	}
}

// sourceWorker receives sources until the queue closes or ctx is done.
func (p *SourceProcessor) sourceWorker(ctx context.Context) {
	defer p.workerWg.Done()
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for {
		select {
		case src, ok := <-p.sourceQueue:
			if !ok {
				return
			}
			p.safeProcess(ctx, src)
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Msg("Source worker cancelling")
			return
		}
	}
}

// safeProcess isolates a panicking source from the rest of the run.
func (p *SourceProcessor) safeProcess(ctx context.Context, src models.Source) {
	p.sources.Add(1)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("source_id", src.ID).
				Interface("panic", r).
				Msg("Recovered from panic while processing source")
			p.failed.Add(1)
			p.recordFailure(ctx, src, fmt.Sprintf("panic: %v", r))
		}
	}()
	p.processSource(ctx, src)
}

func (p *SourceProcessor) processSource(ctx context.Context, src models.Source) {
	srcCtx, cancel := context.WithTimeout(ctx, p.sourceTimeout)
	defer cancel()

	day := models.DayKey(p.now(), p.loc)
	storedToday, err := p.deps.Store.CountStoredToday(srcCtx, src.ID, day)
	if err != nil {
		log.Error().Err(err).Str("source_id", src.ID).Msg("Cannot read daily count, skipping source")
		p.failed.Add(1)
		return
	}

	allowance, skip := Allowance(src, storedToday)
	if skip {
		log.Info().
			Str("source_id", src.ID).
			Str("day", day).
			Int("stored_today", storedToday).
			Int("daily_quota", src.DailyQuota).
			Msg("Daily quota reached, skipping source")
		p.skippedQuota.Add(1)
		return
	}

	log.Info().
		Str("source_id", src.ID).
		Str("url", src.FeedURL).
		Int("allowance", allowance).
		Msg("Processing source")

	items, err := p.deps.Fetcher.FetchFeed(srcCtx, src, allowance)
	if err != nil {
		log.Warn().Err(err).Str("source_id", src.ID).Msg("Feed fetch failed")
		p.failed.Add(1)
		p.recordFailure(ctx, src, err.Error())
		return
	}
	p.fetched.Add(int64(len(items)))

	stored := 0
	for _, raw := range items {
		if stored >= allowance {
			break
		}
		if srcCtx.Err() != nil {
			log.Warn().
				Err(srcCtx.Err()).
				Str("source_id", src.ID).
				Msg("Source deadline reached, leaving remaining items")
			break
		}
		if p.processItem(srcCtx, raw, src, day) {
			stored++
		}
	}

	p.succeeded.Add(1)
	updateCtx, cancelUpdate := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer cancelUpdate()
	if err := p.deps.Status.RecordSuccess(updateCtx, src.ID, p.now()); err != nil {
		log.Error().Err(err).Str("source_id", src.ID).Msg("Failed to update source status")
	}

	log.Info().
		Str("source_id", src.ID).
		Int("items", len(items)).
		Int("stored", stored).
		Msg("Source processed")
}

// processItem reports whether raw produced a newly stored article. The insert
// counts toward day, the same day the allowance was computed for.
func (p *SourceProcessor) processItem(ctx context.Context, raw models.RawItem, src models.Source, day string) bool {
	article, err := p.normalizer.Normalize(raw, src)
	if err != nil {
		log.Debug().Err(err).Str("source_id", src.ID).Str("link", raw.Link).Msg("Dropping item")
		p.itemErrors.Add(1)
		return false
	}

	existing, err := p.deps.Store.FindByDedupKeyOrURL(ctx, article.DedupKey, article.OriginalURL)
	if err != nil {
		log.Warn().Err(err).Str("source_id", src.ID).Str("url", article.OriginalURL).Msg("Duplicate check failed")
		p.itemErrors.Add(1)
		return false
	}
	if existing != nil {
		p.duplicates.Add(1)
		return false
	}

	if p.deps.Images != nil {
		article.SetImage(p.deps.Images.Extract(ctx, raw, article.OriginalURL))
	}

	inserted, err := p.deps.Store.StoreIfNew(ctx, article, p.deps.Categories, day)
	if err != nil {
		log.Error().Err(err).Str("source_id", src.ID).Str("url", article.OriginalURL).Msg("Failed to store article")
		p.itemErrors.Add(1)
		return false
	}
	if !inserted {
		p.duplicates.Add(1)
		return false
	}
	p.stored.Add(1)
	return true
}

func (p *SourceProcessor) recordFailure(ctx context.Context, src models.Source, message string) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer cancel()
	if err := p.deps.Status.RecordFailure(updateCtx, src.ID, message, p.now()); err != nil {
		log.Error().Err(err).Str("source_id", src.ID).Msg("Failed to update source status")
	}
}

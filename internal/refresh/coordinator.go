// Package refresh runs ingestion cycles under a distributed lock so that, however
// many instances are triggered, at most one cycle is in progress at a time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/config"
	"reddot-watch/ingestor/internal/fetch"
	"reddot-watch/ingestor/internal/images"
	"reddot-watch/ingestor/internal/lock"
	"reddot-watch/ingestor/internal/models"
	"reddot-watch/ingestor/internal/process"
)

// Trigger outcomes
const (
	OutcomeNotDue    = "not_due"
	OutcomeLockHeld  = "lock_held"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

const releaseTimeout = 10 * time.Second

// TriggerOptions modify a single trigger.
type TriggerOptions struct {
	Force bool // Skip the due check; the lock is still required
}

// Result describes what a trigger did.
type Result struct {
	Outcome        string        `json:"outcome"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	CatalogVersion string        `json:"catalog_version,omitempty"`
	Stats          process.Stats `json:"stats"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// CatalogSource supplies a fresh catalog per cycle.
type CatalogSource interface {
	Load(ctx context.Context) (*config.Catalog, error)
}

// SourceLister supplies source definitions imported into the database.
type SourceLister interface {
	List(ctx context.Context) ([]models.Source, error)
}

// RunStateStore persists the outcome of cycles for every instance to see.
type RunStateStore interface {
	LastSuccess(ctx context.Context, name string) (time.Time, bool, error)
	RecordSuccess(ctx context.Context, name, outcome string, at time.Time) error
	RecordFailure(ctx context.Context, name, outcome, reason string, at time.Time) error
}

// Deps are the collaborators of a Coordinator. Sources and HTTPClient are optional.
type Deps struct {
	Name       string
	Locks      lock.Store
	State      RunStateStore
	Catalog    CatalogSource
	Sources    SourceLister
	Articles   process.ArticleStore
	Status     process.StatusRecorder
	HTTPClient *http.Client
}

// cycleFunc runs the sources of one cycle against cat.
type cycleFunc func(ctx context.Context, cat *config.Catalog) (process.Stats, error)

// Coordinator decides whether a cycle is due, takes the lock and runs it.
type Coordinator struct {
	deps Deps
	run  cycleFunc
	now  func() time.Time
}

// NewCoordinator creates a new refresh coordinator
func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Locks == nil {
		return nil, fmt.Errorf("lock store cannot be nil")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("run state store cannot be nil")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog source cannot be nil")
	}
	if deps.Name == "" {
		deps.Name = config.DefaultLockName
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}

	c := &Coordinator{deps: deps, now: time.Now}
	c.run = c.runSources
	return c, nil
}

// Trigger runs one cycle if it is due and the lock is free. Lock contention and
// "not due" are normal outcomes, not errors. A returned error always comes with
// a Result whose outcome is failed.
func (c *Coordinator) Trigger(ctx context.Context, opts TriggerOptions) (*Result, error) {
	result := &Result{StartedAt: c.now().UTC()}

	cat, err := c.loadCatalog(ctx)
	if err != nil {
		return c.fail(ctx, result, fmt.Errorf("failed to load catalog: %w", err))
	}
	result.CatalogVersion = cat.Version
	tunables := cat.Tunables

	if !opts.Force {
		due, err := c.isDue(ctx, tunables.RefreshInterval)
		if err != nil {
			return c.fail(ctx, result, err)
		}
		if !due {
			return c.finish(result, OutcomeNotDue), nil
		}
	}

	token, acquired, err := c.deps.Locks.TryAcquire(ctx, tunables.LockTTL)
	if err != nil {
		return c.fail(ctx, result, err)
	}
	if !acquired {
		log.Info().Str("lock", c.deps.Name).Msg("Refresh lock held by another instance, exiting")
		return c.finish(result, OutcomeLockHeld), nil
	}

	stats, ran, err := c.runLocked(ctx, cat, token, opts.Force)
	result.Stats = stats
	if err != nil {
		return c.fail(ctx, result, err)
	}
	if !ran {
		return c.finish(result, OutcomeNotDue), nil
	}

	c.finish(result, OutcomeCompleted)
	if err := c.deps.State.RecordSuccess(context.WithoutCancel(ctx), c.deps.Name, OutcomeCompleted, result.FinishedAt); err != nil {
		return c.fail(ctx, result, fmt.Errorf("failed to record completed cycle: %w", err))
	}

	log.Info().
		Int64("stored", stats.Stored).
		Int64("failed_sources", stats.Failed).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Refresh cycle completed")
	return result, nil
}

// runLocked runs the cycle while holding the lock and releases it on every
// exit path. ran is false when the due check failed after acquisition.
func (c *Coordinator) runLocked(ctx context.Context, cat *config.Catalog, token string, force bool) (stats process.Stats, ran bool, err error) {
	defer c.release(ctx, token)

	log.Info().
		Str("lock", c.deps.Name).
		Dur("ttl", cat.Tunables.LockTTL).
		Bool("force", force).
		Msg("Refresh lock acquired")

	// Another instance may have completed a cycle between the check and the acquire.
	if !force {
		due, err := c.isDue(ctx, cat.Tunables.RefreshInterval)
		if err != nil || !due {
			return process.Stats{}, false, err
		}
	}

	stats, err = c.runGuarded(ctx, cat)
	return stats, true, err
}

func (c *Coordinator) loadCatalog(ctx context.Context) (*config.Catalog, error) {
	cat, err := c.deps.Catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	if c.deps.Sources == nil {
		return cat, nil
	}

	imported, err := c.deps.Sources.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot list imported sources, using catalog definitions only")
		return cat, nil
	}
	cat.OverrideSources(imported)
	return cat, nil
}

func (c *Coordinator) isDue(ctx context.Context, interval time.Duration) (bool, error) {
	last, ok, err := c.deps.State.LastSuccess(ctx, c.deps.Name)
	if err != nil {
		return false, fmt.Errorf("failed to read last run: %w", err)
	}
	if !ok {
		return true, nil
	}
	return c.now().Sub(last) >= interval, nil
}

// runGuarded bounds the cycle by the catalog's cycle timeout and turns a panic
// into an error so the lock is still released.
func (c *Coordinator) runGuarded(ctx context.Context, cat *config.Catalog) (stats process.Stats, err error) {
	cycleCtx, cancel := context.WithTimeout(ctx, cat.Tunables.CycleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in refresh cycle")
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return c.run(cycleCtx, cat)
}

// runSources wires the per-cycle pipeline from the catalog tunables.
func (c *Coordinator) runSources(ctx context.Context, cat *config.Catalog) (process.Stats, error) {
	t := cat.Tunables

	var optimizer images.Optimizer
	if t.ImageProxyURL != "" {
		opt, err := images.NewProxyOptimizer(t.ImageProxyURL, c.deps.HTTPClient, t.UserAgent, t.ImageCheckTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid image proxy, images will not be optimized")
		} else {
			optimizer = opt
		}
	}

	processor, err := process.NewSourceProcessor(process.Deps{
		Fetcher: fetch.NewFetcher(fetch.Config{
			UserAgent: t.UserAgent,
			Timeout:   t.FeedTimeout,
			Client:    c.deps.HTTPClient,
		}),
		Images: images.NewExtractor(images.Config{
			Client:       c.deps.HTTPClient,
			UserAgent:    t.UserAgent,
			CheckTimeout: t.ImageCheckTimeout,
			OGTimeout:    t.OGImageTimeout,
			OGMaxAge:     t.OGImageMaxAge,
			Optimizer:    optimizer,
		}),
		Store:      c.deps.Articles,
		Status:     c.deps.Status,
		Categories: cat.Categories,
	}, process.Options{
		WorkerCount:   t.WorkerCount,
		SourceTimeout: t.SourceTimeout,
		Location:      t.Location(),
	})
	if err != nil {
		return process.Stats{}, err
	}

	return processor.ProcessSources(ctx, cat.EnabledSources())
}

func (c *Coordinator) release(ctx context.Context, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := c.deps.Locks.Release(releaseCtx, token); err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Str("lock", c.deps.Name).Msg("Refresh lock expired before release")
			return
		}
		log.Error().Err(err).Str("lock", c.deps.Name).Msg("Failed to release refresh lock")
		return
	}
	log.Debug().Str("lock", c.deps.Name).Msg("Refresh lock released")
}

func (c *Coordinator) finish(result *Result, outcome string) *Result {
	result.Outcome = outcome
	result.FinishedAt = c.now().UTC()
	return result
}

// fail records the failure reason. The last success time is left as it was.
func (c *Coordinator) fail(ctx context.Context, result *Result, err error) (*Result, error) {
	c.finish(result, OutcomeFailed)
	result.FailureReason = err.Error()

	log.Error().Err(err).Str("lock", c.deps.Name).Msg("Refresh cycle failed")
	if recErr := c.deps.State.RecordFailure(context.WithoutCancel(ctx), c.deps.Name, OutcomeFailed, result.FailureReason, result.FinishedAt); recErr != nil {
		log.Error().Err(recErr).Msg("Failed to record refresh failure")
	}
	return result, err
}

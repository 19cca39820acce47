package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"reddot-watch/ingestor/internal/models"
)

// Tunables are the per-profile knobs of a refresh cycle.
type Tunables struct {
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	CycleTimeout      time.Duration `yaml:"cycle_timeout"`
	SourceTimeout     time.Duration `yaml:"source_timeout"`
	WorkerCount       int           `yaml:"worker_count"`
	FeedTimeout       time.Duration `yaml:"feed_timeout"`
	ImageCheckTimeout time.Duration `yaml:"image_check_timeout"`
	OGImageTimeout    time.Duration `yaml:"og_image_timeout"`
	OGImageMaxAge     time.Duration `yaml:"og_image_max_age"`
	DefaultBatchSize  int           `yaml:"default_batch_size"`
	DefaultDailyQuota int           `yaml:"default_daily_quota"`
	UserAgent         string        `yaml:"user_agent"`
	Timezone          string        `yaml:"timezone"`
	ImageProxyURL     string        `yaml:"image_proxy_url"` // Optional optimizer endpoint

	location *time.Location
}

// Location resolves Timezone, falling back to UTC.
func (t Tunables) Location() *time.Location {
	if t.location != nil {
		return t.location
	}
	return time.UTC
}

// withDefaults fills every zero field from base.
func (t Tunables) withDefaults(base Tunables) Tunables {
	if t.RefreshInterval <= 0 {
		t.RefreshInterval = base.RefreshInterval
	}
	if t.LockTTL <= 0 {
		t.LockTTL = base.LockTTL
	}
	if t.CycleTimeout <= 0 {
		t.CycleTimeout = base.CycleTimeout
	}
	if t.SourceTimeout <= 0 {
		t.SourceTimeout = base.SourceTimeout
	}
	if t.WorkerCount <= 0 {
		t.WorkerCount = base.WorkerCount
	}
	if t.FeedTimeout <= 0 {
		t.FeedTimeout = base.FeedTimeout
	}
	if t.ImageCheckTimeout <= 0 {
		t.ImageCheckTimeout = base.ImageCheckTimeout
	}
	if t.OGImageTimeout <= 0 {
		t.OGImageTimeout = base.OGImageTimeout
	}
	if t.OGImageMaxAge <= 0 {
		t.OGImageMaxAge = base.OGImageMaxAge
	}
	if t.DefaultBatchSize <= 0 {
		t.DefaultBatchSize = base.DefaultBatchSize
	}
	if t.DefaultDailyQuota <= 0 {
		t.DefaultDailyQuota = base.DefaultDailyQuota
	}
	if t.UserAgent == "" {
		t.UserAgent = base.UserAgent
	}
	if t.Timezone == "" {
		t.Timezone = base.Timezone
	}
	if t.ImageProxyURL == "" {
		t.ImageProxyURL = base.ImageProxyURL
	}
	return t
}

// boundCycleToLease keeps the lease alive for the whole cycle plus the release.
// A cycle timeout too close to the TTL is shortened; a TTL too short to hold
// any cycle is replaced, together with the timeout, by fallback's pair.
func (t Tunables) boundCycleToLease(fallback Tunables) Tunables {
	if t.LockTTL >= t.CycleTimeout+LockReleaseMargin {
		return t
	}

	if t.LockTTL >= 2*LockReleaseMargin {
		log.Warn().
			Dur("lock_ttl", t.LockTTL).
			Dur("cycle_timeout", t.CycleTimeout).
			Dur("bounded_cycle_timeout", t.LockTTL-LockReleaseMargin).
			Msg("Cycle timeout outlives the lock, shortening it")
		t.CycleTimeout = t.LockTTL - LockReleaseMargin
		return t
	}

	log.Warn().
		Dur("lock_ttl", t.LockTTL).
		Dur("cycle_timeout", t.CycleTimeout).
		Dur("fallback_lock_ttl", fallback.LockTTL).
		Dur("fallback_cycle_timeout", fallback.CycleTimeout).
		Msg("Lock TTL too short for a cycle, using built-in lock settings")
	t.LockTTL = fallback.LockTTL
	t.CycleTimeout = fallback.CycleTimeout
	return t
}

func (t *Tunables) bindTimezone() {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", t.Timezone).Msg("Unknown timezone, reverting to UTC")
		t.Timezone = DefaultTimezone
		loc = time.UTC
	}
	t.location = loc
}

// Catalog is the versioned, mostly-static data a cycle runs against.
type Catalog struct {
	Version    string
	Profile    string
	Sources    []models.Source
	Categories *models.CategoryTable
	Tunables   Tunables
}

// EnabledSources returns enabled sources in their catalog order.
func (c *Catalog) EnabledSources() []models.Source {
	out := make([]models.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// OverrideSources replaces definitions by id and appends unknown ones.
// Zero batch sizes and quotas are filled from the tunables.
func (c *Catalog) OverrideSources(overrides []models.Source) {
	index := make(map[string]int, len(c.Sources))
	for i, s := range c.Sources {
		index[s.ID] = i
	}
	for _, o := range overrides {
		o = c.applySourceDefaults(o)
		if i, ok := index[o.ID]; ok {
			c.Sources[i] = o
			continue
		}
		index[o.ID] = len(c.Sources)
		c.Sources = append(c.Sources, o)
	}
}

func (c *Catalog) applySourceDefaults(s models.Source) models.Source {
	if s.BatchSize <= 0 {
		s.BatchSize = c.Tunables.DefaultBatchSize
	}
	if s.DailyQuota <= 0 {
		s.DailyQuota = c.Tunables.DefaultDailyQuota
	}
	if s.CategoryID == "" && c.Categories != nil {
		s.CategoryID = c.Categories.DefaultID
	}
	return s
}

// sourceEntry mirrors models.Source in YAML so a missing 'enabled' key means enabled.
type sourceEntry struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name"`
	FeedURL    string  `yaml:"feed_url"`
	CategoryID string  `yaml:"category"`
	Enabled    *bool   `yaml:"enabled"`
	Priority   float64 `yaml:"priority"`
	BatchSize  int     `yaml:"batch_size"`
	DailyQuota int     `yaml:"daily_quota"`
}

// catalogFile is the on-disk YAML layout.
type catalogFile struct {
	Version         string              `yaml:"version"`
	DefaultCategory string              `yaml:"default_category"`
	Categories      []models.Category   `yaml:"categories"`
	Sources         []sourceEntry       `yaml:"sources"`
	Profiles        map[string]Tunables `yaml:"profiles"`
}

// CatalogLoader reads the catalog file for a named profile. A missing or broken
// file degrades to the built-in defaults instead of failing the cycle.
type CatalogLoader struct {
	path    string
	profile string
}

// NewCatalogLoader creates a loader; an empty profile selects production.
func NewCatalogLoader(path, profile string) *CatalogLoader {
	if profile == "" {
		profile = DefaultProfile
	}
	return &CatalogLoader{path: path, profile: profile}
}

// Load returns a fresh catalog. It only fails when ctx is done.
func (l *CatalogLoader) Load(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file := builtinCatalogFile()
	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("path", l.path).Msg("Cannot read catalog, falling back to built-in defaults")
		default:
			var parsed catalogFile
			if err := yaml.Unmarshal(raw, &parsed); err != nil {
				log.Warn().Err(err).Str("path", l.path).Msg("Cannot parse catalog, falling back to built-in defaults")
			} else {
				file = mergeCatalogFile(file, parsed)
			}
		}
	}

	return buildCatalog(file, l.profile), nil
}

// ParseCatalog builds a catalog from raw YAML without touching the filesystem.
func ParseCatalog(raw []byte, profile string) (*Catalog, error) {
	var parsed catalogFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if profile == "" {
		profile = DefaultProfile
	}
	return buildCatalog(mergeCatalogFile(builtinCatalogFile(), parsed), profile), nil
}

func mergeCatalogFile(base, override catalogFile) catalogFile {
	if override.Version != "" {
		base.Version = override.Version
	}
	if override.DefaultCategory != "" {
		base.DefaultCategory = override.DefaultCategory
	}
	if len(override.Categories) > 0 {
		base.Categories = override.Categories
	}
	if len(override.Sources) > 0 {
		base.Sources = override.Sources
	}
	for name, t := range override.Profiles {
		builtin, ok := base.Profiles[name]
		if !ok {
			builtin = base.Profiles[ProfileProduction]
		}
		base.Profiles[name] = t.withDefaults(builtin)
	}
	return base
}

func buildCatalog(file catalogFile, profile string) *Catalog {
	tunables, ok := file.Profiles[profile]
	if !ok {
		log.Warn().Str("profile", profile).Msg("Unknown catalog profile, using production")
		profile = ProfileProduction
		tunables = file.Profiles[ProfileProduction]
	}
	builtin, ok := builtinProfiles()[profile]
	if !ok {
		builtin = builtinProfiles()[ProfileProduction]
	}
	tunables = tunables.withDefaults(builtinProfiles()[ProfileProduction]).boundCycleToLease(builtin)
	tunables.bindTimezone()

	cat := &Catalog{
		Version:    file.Version,
		Profile:    profile,
		Categories: models.NewCategoryTable(file.Categories, file.DefaultCategory),
		Tunables:   tunables,
	}

	seen := make(map[string]bool, len(file.Sources))
	for _, e := range file.Sources {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" || strings.TrimSpace(e.FeedURL) == "" {
			log.Warn().Str("source_id", e.ID).Str("url", e.FeedURL).Msg("Skipping catalog source without id or feed_url")
			continue
		}
		if seen[e.ID] {
			log.Warn().Str("source_id", e.ID).Msg("Skipping duplicate catalog source")
			continue
		}
		seen[e.ID] = true

		src := models.Source{
			ID:         e.ID,
			Name:       e.Name,
			FeedURL:    strings.TrimSpace(e.FeedURL),
			CategoryID: e.CategoryID,
			Enabled:    e.Enabled == nil || *e.Enabled,
			Priority:   e.Priority,
			BatchSize:  e.BatchSize,
			DailyQuota: e.DailyQuota,
		}
		if src.Name == "" {
			src.Name = src.ID
		}
		cat.Sources = append(cat.Sources, cat.applySourceDefaults(src))
	}

	return cat
}

package config

import (
	"time"

	"reddot-watch/ingestor/internal/models"
)

// builtinProfiles is the explicit default-value table for each named profile.
func builtinProfiles() map[string]Tunables {
	return map[string]Tunables{
		ProfileProduction: {
			RefreshInterval:   defaultRefreshInterval,
			LockTTL:           defaultLockTTL,
			CycleTimeout:      defaultCycleTimeout,
			SourceTimeout:     defaultSourceTimeout,
			WorkerCount:       defaultWorkerCount,
			FeedTimeout:       defaultFeedTimeout,
			ImageCheckTimeout: defaultImageTimeout,
			OGImageTimeout:    defaultOGImageTimeout,
			OGImageMaxAge:     defaultOGImageMaxAge,
			DefaultBatchSize:  defaultBatchSize,
			DefaultDailyQuota: defaultDailyQuota,
			UserAgent:         DefaultUserAgent,
			Timezone:          DefaultTimezone,
		},
		// Preview deployments share feed origins with production, so they stay small.
		ProfilePreview: {
			RefreshInterval:   5 * time.Minute,
			LockTTL:           3 * time.Minute,
			CycleTimeout:      2 * time.Minute,
			SourceTimeout:     time.Minute,
			WorkerCount:       2,
			FeedTimeout:       defaultFeedTimeout,
			ImageCheckTimeout: defaultImageTimeout,
			OGImageTimeout:    defaultOGImageTimeout,
			OGImageMaxAge:     defaultOGImageMaxAge,
			DefaultBatchSize:  5,
			DefaultDailyQuota: 20,
			UserAgent:         DefaultUserAgent,
			Timezone:          DefaultTimezone,
		},
	}
}

func builtinCategories() []models.Category {
	return []models.Category{
		{ID: "politics", Name: "Politics", Keywords: []string{
			"parliament", "harare", "election", "minister", "president", "zanu", "ccc", "mdc",
			"senate", "cabinet", "government", "opposition", "policy", "mnangagwa",
		}},
		{ID: "economy", Name: "Economy", Keywords: []string{
			"economy", "inflation", "reserve bank", "rbz", "currency", "zig", "exchange rate",
			"budget", "treasury", "gdp", "interest rate",
		}},
		{ID: "business", Name: "Business", Keywords: []string{
			"business", "company", "market", "stock", "zse", "investment", "investor",
			"bank", "trade", "revenue", "profit",
		}},
		{ID: "agriculture", Name: "Agriculture", Keywords: []string{
			"farming", "farmer", "tobacco", "maize", "harvest", "mining", "crop",
			"livestock", "irrigation", "fertiliser", "drought",
		}},
		{ID: "sports", Name: "Sports", Keywords: []string{
			"football", "soccer", "cricket", "rugby", "warriors", "chevrons", "match",
			"league", "coach", "tournament", "athlete",
		}},
		{ID: "technology", Name: "Technology", Keywords: []string{
			"technology", "tech", "internet", "mobile", "econet", "netone", "startup",
			"software", "digital", "cyber", "artificial intelligence",
		}},
		{ID: "health", Name: "Health", Keywords: []string{
			"health", "hospital", "doctor", "nurse", "cholera", "covid", "disease",
			"vaccine", "clinic", "medical",
		}},
		{ID: "entertainment", Name: "Entertainment", Keywords: []string{
			"music", "musician", "film", "movie", "celebrity", "album", "concert",
			"award", "festival", "artist",
		}},
		{ID: DefaultDefaultCategory, Name: "General"},
	}
}

func builtinSources() []sourceEntry {
	return []sourceEntry{
		{ID: "herald", Name: "The Herald", FeedURL: "https://www.herald.co.zw/feed/", CategoryID: DefaultDefaultCategory, Priority: 10},
		{ID: "newsday", Name: "NewsDay", FeedURL: "https://www.newsday.co.zw/feed/", CategoryID: DefaultDefaultCategory, Priority: 9},
		{ID: "zimlive", Name: "ZimLive", FeedURL: "https://www.zimlive.com/feed/", CategoryID: DefaultDefaultCategory, Priority: 8},
		{ID: "nehanda", Name: "Nehanda Radio", FeedURL: "https://nehandaradio.com/feed/", CategoryID: DefaultDefaultCategory, Priority: 6},
		{ID: "techzim", Name: "Techzim", FeedURL: "https://www.techzim.co.zw/feed/", CategoryID: "technology", Priority: 5, DailyQuota: 30},
	}
}

func builtinCatalogFile() catalogFile {
	return catalogFile{
		Version:         DefaultCatalogVersion,
		DefaultCategory: DefaultDefaultCategory,
		Categories:      builtinCategories(),
		Sources:         builtinSources(),
		Profiles:        builtinProfiles(),
	}
}

package models

import (
	"zpravobot/internal/filter"
)

// SourceConfig is the per-source configuration consumed by the fetch
// coordinator and the pipeline. It is produced upstream and stored as a
// JSON column in the 'sources' table.
type SourceConfig struct {
	ID         string   `json:"id"`
	Platform   Platform `json:"platform"`
	ScreenName string   `json:"screen_name"`

	Filtering        FilteringConfig  `json:"filtering"`
	Processing       ProcessingConfig `json:"processing"`
	ThreadHandling   ThreadConfig     `json:"thread_handling"`
	NitterProcessing NitterConfig     `json:"nitter_processing"`
	Target           TargetConfig     `json:"target"`
}

// FilteringConfig controls which posts are excluded before formatting.
type FilteringConfig struct {
	SkipReplies  bool `json:"skip_replies"`
	SkipRetweets bool `json:"skip_retweets"`
	SkipQuotes   bool `json:"skip_quotes"`
	// BannedPhrases rejects a post when ANY rule matches.
	BannedPhrases []filter.Rule `json:"banned_phrases"`
	// RequiredKeywords is satisfied when ANY rule matches, or vacuously
	// when the list is empty. Any-match, not all-match.
	RequiredKeywords []filter.Rule `json:"required_keywords"`
}

// ProcessingConfig controls text shaping after formatting.
type ProcessingConfig struct {
	// TrimStrategy is one of "hard", "word", "smart".
	TrimStrategy string `json:"trim_strategy"`
	// MaxLength is the character budget for the published status. Zero
	// means the publisher default (500).
	MaxLength           int                  `json:"max_length"`
	ContentReplacements []filter.Replacement `json:"content_replacements"`
	// URLDomainFixes lists bare domains to upgrade to https:// links.
	URLDomainFixes []string `json:"url_domain_fixes"`
}

// ThreadConfig gates advanced reply-chain reconstruction.
type ThreadConfig struct {
	Enabled bool `json:"enabled"`
}

// NitterConfig gates the primary scrape tier of the fetch cascade.
type NitterConfig struct {
	Enabled bool `json:"enabled"`
	// Instance overrides the globally configured Nitter instance.
	Instance string `json:"instance,omitempty"`
}

// TargetConfig describes how posts are published to the target service.
type TargetConfig struct {
	// Visibility is the Mastodon status visibility ("public", "unlisted",
	// "private"). Empty means public.
	Visibility string `json:"visibility"`
}

// EffectiveMaxLength returns the character budget for this source.
func (p ProcessingConfig) EffectiveMaxLength() int {
	if p.MaxLength > 0 {
		return p.MaxLength
	}
	return 500
}

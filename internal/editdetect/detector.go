// Package editdetect recognizes that two distinct incoming items are the
// same logical post, one superseding the other, using text similarity
// rather than ids. It only classifies; the caller owns buffer maintenance
// and all publishing.
package editdetect

import (
	"time"

	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

// Action is the classification of an incoming post.
type Action string

const (
	ActionPublishNew       Action = "publish_new"
	ActionUpdateExisting   Action = "update_existing"
	ActionSkipOlderVersion Action = "skip_older_version"
)

// Store is the slice of the state store the detector needs.
type Store interface {
	FindByTextHash(username, hash string, within time.Duration) (*models.EditBufferEntry, error)
	FindRecentBufferEntries(username string, within time.Duration) ([]models.EditBufferEntry, error)
}

// Options holds the empirically tuned matching parameters. The defaults
// come from production tuning; changing them needs new data, not taste.
type Options struct {
	SimilarityThreshold float64
	EditWindow          time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.80,
		EditWindow:          time.Hour,
	}
}

// Result is the classification outcome.
type Result struct {
	Action         Action
	OriginalPostID string
	PublishedID    string
	Similarity     float64
	// SupersededPostID names an older, not-yet-published buffered entry
	// the caller should mark superseded so it is never separately
	// published.
	SupersededPostID string
}

// Detector classifies incoming posts against the recent-post buffer.
type Detector struct {
	store Store
	opts  Options
}

// New creates a detector. Zero-valued options fall back to defaults.
func New(store Store, opts Options) *Detector {
	def := DefaultOptions()
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.EditWindow <= 0 {
		opts.EditWindow = def.EditWindow
	}
	return &Detector{store: store, opts: opts}
}

// CheckForEdit classifies (sourceID, postID, username, text) as a new
// post, an edit of a buffered post, or a stale duplicate. A store failure
// degrades to publish-new rather than blocking the pipeline; that trades a
// possible duplicate for availability during a store outage.
func (d *Detector) CheckForEdit(sourceID, postID, username, text string) *Result {
	normalized := NormalizeText(text)
	user := NormalizeUsername(username)
	hash := TextHash(normalized)

	match, similarity := d.findMatch(user, normalized, hash)
	if match == nil {
		return &Result{Action: ActionPublishNew}
	}
	if match.SourceID == sourceID && match.PostID == postID {
		// The exact same item seen again; dedup owns that case.
		return &Result{Action: ActionPublishNew}
	}
	return d.decide(postID, match, similarity)
}

// findMatch runs the exact-hash fast path, then the similarity search.
// Both are bounded by the edit window; a buffered entry past the window is
// invisible here even when cleanup has not purged it yet.
func (d *Detector) findMatch(user, normalized, hash string) (*models.EditBufferEntry, float64) {
	entry, err := d.store.FindByTextHash(user, hash, d.opts.EditWindow)
	if err != nil {
		logging.Warn("Edit buffer hash lookup failed for @%s, treating post as new: %v", user, err)
		return nil, 0
	}
	if entry != nil {
		return entry, 1.0
	}

	entries, err := d.store.FindRecentBufferEntries(user, d.opts.EditWindow)
	if err != nil {
		logging.Warn("Edit buffer scan failed for @%s, treating post as new: %v", user, err)
		return nil, 0
	}

	var best *models.EditBufferEntry
	bestScore := 0.0
	for i := range entries {
		score := Similarity(normalized, entries[i].TextNormalized)
		if score > bestScore {
			best = &entries[i]
			bestScore = score
		}
	}
	if best == nil || bestScore < d.opts.SimilarityThreshold {
		return nil, 0
	}
	return best, bestScore
}

// decide applies the publish/update/skip decision table, ordering the new
// id against the matched id.
func (d *Detector) decide(postID string, match *models.EditBufferEntry, similarity float64) *Result {
	newer := CompareIDs(postID, match.PostID) > 0

	if match.PublishedID.Valid {
		if newer {
			return &Result{
				Action:         ActionUpdateExisting,
				OriginalPostID: match.PostID,
				PublishedID:    match.PublishedID.String,
				Similarity:     similarity,
			}
		}
		return &Result{
			Action:         ActionSkipOlderVersion,
			OriginalPostID: match.PostID,
			PublishedID:    match.PublishedID.String,
			Similarity:     similarity,
		}
	}

	// Both versions arrived in the same processing batch.
	if newer {
		return &Result{
			Action:           ActionPublishNew,
			OriginalPostID:   match.PostID,
			Similarity:       similarity,
			SupersededPostID: match.PostID,
		}
	}
	return &Result{
		Action:         ActionSkipOlderVersion,
		OriginalPostID: match.PostID,
		Similarity:     similarity,
	}
}

// Package thread detects and backfills reply chains for a platform whose
// causal ordering is only discoverable by re-scraping a rendered context
// page. It ensures every same-author ancestor of a target post has been
// published before the target, so the remote reply-to pointer is valid.
//
// This is the one place where publishing happens outside the main
// pipeline: ancestor backfills are deliberately simplified (no content
// filtering, no edit detection) because they are already-public historical
// content being made visible, not new incoming content.
package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"zpravobot/internal/api"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

// Adapter provides the scrape surface the reconstructor depends on.
type Adapter interface {
	FetchPost(ctx context.Context, username, id string) (*models.Post, error)
	FetchContextPage(ctx context.Context, username, id string) (string, error)
}

// Publisher is the slice of the publishing API used for backfills.
type Publisher interface {
	Publish(ctx context.Context, text string, mediaIDs []string, visibility, inReplyToID string) (string, error)
	UploadMediaParallel(ctx context.Context, media []models.Media) ([]string, error)
}

// Store records backfilled ancestors and looks up already-published ones.
type Store interface {
	FindByPostID(sourceID, postID string) (*models.PublishedPost, error)
	MarkPublished(sourceID, postID, url, publishedID, platformURI string) error
}

// Options holds the reconstruction tuning knobs.
type Options struct {
	// MaxChainDepth bounds the reconstructed chain; deeper chains keep
	// only the most recent entries.
	MaxChainDepth int
	// FetchRetries and RetryBaseDelay shape the context-page retry
	// policy (delays double per attempt).
	FetchRetries   int
	RetryBaseDelay time.Duration
	// BackfillDelay paces ancestor publishes to avoid bursting the
	// remote API.
	BackfillDelay time.Duration
	Visibility    string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxChainDepth:  10,
		FetchRetries:   3,
		RetryBaseDelay: time.Second,
		BackfillDelay:  500 * time.Millisecond,
	}
}

// Result is the outcome of one reconstruction.
type Result struct {
	// ReplyToID is the published id the target post should reply to.
	// Empty when the target is not part of a chain.
	ReplyToID   string
	IsThread    bool
	ChainLength int
}

// Reconstructor rebuilds one source's reply chains.
type Reconstructor struct {
	sourceID  string
	adapter   Adapter
	publisher Publisher
	store     Store
	opts      Options
}

// NewReconstructor creates a reconstructor for one source.
func NewReconstructor(sourceID string, adapter Adapter, publisher Publisher, store Store, opts Options) *Reconstructor {
	def := DefaultOptions()
	if opts.MaxChainDepth <= 0 {
		opts.MaxChainDepth = def.MaxChainDepth
	}
	if opts.FetchRetries <= 0 {
		opts.FetchRetries = def.FetchRetries
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = def.RetryBaseDelay
	}
	if opts.BackfillDelay <= 0 {
		opts.BackfillDelay = def.BackfillDelay
	}
	return &Reconstructor{
		sourceID:  sourceID,
		adapter:   adapter,
		publisher: publisher,
		store:     store,
		opts:      opts,
	}
}

// Process inspects the target post's context page and backfills any
// unpublished same-author ancestors. A persistent fetch failure reports
// "not a thread" rather than failing the caller.
func (r *Reconstructor) Process(ctx context.Context, postID, username string) (*Result, error) {
	page, err := r.fetchContextWithRetry(ctx, username, postID)
	if err != nil {
		logging.Warn("Context page for %s/%s unavailable, treating as non-thread: %v", r.sourceID, postID, err)
		return &Result{}, nil
	}

	if !HasChainMarker(page) {
		return &Result{}, nil
	}

	chain := ExtractChain(page, postID, r.opts.MaxChainDepth)
	if len(chain) == 0 {
		return &Result{IsThread: true}, nil
	}

	replyTo := r.walkChain(ctx, chain, username)
	return &Result{
		ReplyToID:   replyTo,
		IsThread:    true,
		ChainLength: len(chain),
	}, nil
}

// walkChain walks the chain oldest to newest, carrying the last resolved
// published id as the running parent, and returns the final parent.
func (r *Reconstructor) walkChain(ctx context.Context, chain []models.ThreadChainEntry, username string) string {
	var lastParent string
	for _, entry := range chain {
		rec, err := r.store.FindByPostID(r.sourceID, entry.ID)
		if err != nil {
			logging.Warn("Chain lookup failed for %s/%s, stopping walk: %v", r.sourceID, entry.ID, err)
			break
		}
		if rec != nil {
			lastParent = rec.PublishedID
			continue
		}

		// External-reply chains are not auto-backfilled; keep whatever
		// parent resolved so far.
		if !strings.EqualFold(entry.Username, username) {
			logging.Debug("Chain for %s broken at foreign author @%s", r.sourceID, entry.Username)
			break
		}

		publishedID, ok := r.backfill(ctx, entry, lastParent)
		if !ok {
			break
		}
		lastParent = publishedID

		select {
		case <-time.After(r.opts.BackfillDelay):
		case <-ctx.Done():
			return lastParent
		}
	}
	return lastParent
}

// backfill fetches, publishes and records one ancestor.
func (r *Reconstructor) backfill(ctx context.Context, entry models.ThreadChainEntry, parent string) (string, bool) {
	post, err := r.fetchPostWithRetry(ctx, entry.Username, entry.ID)
	if err != nil || post == nil {
		logging.Warn("Could not fetch chain ancestor %s/%s, stopping walk: %v", r.sourceID, entry.ID, err)
		return "", false
	}

	var mediaIDs []string
	if uploadable := post.UploadableMedia(); len(uploadable) > 0 {
		mediaIDs, err = r.publisher.UploadMediaParallel(ctx, uploadable)
		if err != nil {
			logging.Warn("Media upload failed for ancestor %s/%s, publishing without media: %v", r.sourceID, entry.ID, err)
		}
	}

	text := post.Text
	if post.URL != "" {
		text = fmt.Sprintf("%s\n\n🔗 %s", text, post.URL)
	}

	publishedID, err := r.publisher.Publish(ctx, text, mediaIDs, r.opts.Visibility, parent)
	if err != nil {
		logging.Error("Failed to backfill ancestor %s/%s: %v", r.sourceID, entry.ID, err)
		return "", false
	}

	if err := r.store.MarkPublished(r.sourceID, entry.ID, post.URL, publishedID, ""); err != nil {
		logging.Error("CRITICAL: Backfilled ancestor %s/%s as %s but could not record it. This may cause duplicates later! Error: %v",
			r.sourceID, entry.ID, publishedID, err)
	}

	logging.Info("Backfilled thread ancestor %s/%s as %s (parent: %q)", r.sourceID, entry.ID, publishedID, parent)
	return publishedID, true
}

func (r *Reconstructor) fetchContextWithRetry(ctx context.Context, username, id string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.opts.FetchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, r.opts.RetryBaseDelay, attempt); err != nil {
				return "", err
			}
		}
		page, err := r.adapter.FetchContextPage(ctx, username, id)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, api.ErrNotFound) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (r *Reconstructor) fetchPostWithRetry(ctx context.Context, username, id string) (*models.Post, error) {
	var lastErr error
	for attempt := 0; attempt < r.opts.FetchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, r.opts.RetryBaseDelay, attempt); err != nil {
				return nil, err
			}
		}
		post, err := r.adapter.FetchPost(ctx, username, id)
		if err == nil && post != nil {
			return post, nil
		}
		if errors.Is(err, api.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// sleepBackoff waits base * 2^(attempt-1), honoring cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << (attempt - 1)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry keys reconstructors by source id so each source keeps one
// instance for the lifetime of a scheduler run.
type Registry struct {
	mu        sync.Mutex
	bySource  map[string]*Reconstructor
	adapter   Adapter
	publisher Publisher
	store     Store
}

// NewRegistry creates a registry sharing one set of collaborators.
func NewRegistry(adapter Adapter, publisher Publisher, store Store) *Registry {
	return &Registry{
		bySource:  make(map[string]*Reconstructor),
		adapter:   adapter,
		publisher: publisher,
		store:     store,
	}
}

// For returns the reconstructor for a source, creating it on first use.
func (reg *Registry) For(sourceID string, opts Options) *Reconstructor {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.bySource[sourceID]; ok {
		return r
	}
	r := NewReconstructor(sourceID, reg.adapter, reg.publisher, reg.store, opts)
	reg.bySource[sourceID] = r
	return r
}

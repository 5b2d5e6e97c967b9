// Package fetch orchestrates tiered retrieval for the platform whose data
// arrives unordered and partially available: a scrape tier, a read-only
// secondary API, and a caller-supplied degraded fallback. Network errors
// drive the cascade down a tier; they never propagate to the caller.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"zpravobot/internal/api"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
	"zpravobot/internal/thread"
)

// ScrapeAdapter is the primary (richest, least reliable) tier.
type ScrapeAdapter interface {
	FetchPost(ctx context.Context, username, id string) (*models.Post, error)
}

// SecondaryAdapter is the token-less public API tier. Authoritative for
// content only; classification is inherited from the fallback.
type SecondaryAdapter interface {
	FetchPost(ctx context.Context, id string) (*models.Post, error)
}

// Store resolves reply targets from the published record.
type Store interface {
	GetLatestPublishedID(sourceID string, within time.Duration) (string, bool, error)
}

// Options holds the cascade tuning knobs. The retry counts and delays are
// empirically tuned; keep them configurable and leave the defaults alone.
type Options struct {
	Retries        int
	RetryBaseDelay time.Duration
	ReplyCacheTTL  time.Duration
	ReplyCacheSize int
	Thread         thread.Options
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Retries:        3,
		RetryBaseDelay: time.Second,
		ReplyCacheTTL:  15 * time.Minute,
		ReplyCacheSize: 256,
	}
}

// Result carries the cascade outcome: the richest post obtained and an
// optional resolved reply target. A nil Post with a nil error means the
// cascade found nothing; callers treat that as a skip, not an error.
type Result struct {
	Post      *models.Post
	ReplyToID string
}

// Coordinator runs the fetch cascade and delegates to thread
// reconstruction when a source has advanced threading enabled.
type Coordinator struct {
	scraper    ScrapeAdapter
	secondary  SecondaryAdapter
	threads    *thread.Registry
	store      Store
	replyCache *expirable.LRU[string, string]
	opts       Options
}

// NewCoordinator creates a coordinator.
func NewCoordinator(scraper ScrapeAdapter, secondary SecondaryAdapter, threads *thread.Registry, store Store, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.Retries <= 0 {
		opts.Retries = def.Retries
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = def.RetryBaseDelay
	}
	if opts.ReplyCacheTTL <= 0 {
		opts.ReplyCacheTTL = def.ReplyCacheTTL
	}
	if opts.ReplyCacheSize <= 0 {
		opts.ReplyCacheSize = def.ReplyCacheSize
	}
	return &Coordinator{
		scraper:    scraper,
		secondary:  secondary,
		threads:    threads,
		store:      store,
		replyCache: expirable.NewLRU[string, string](opts.ReplyCacheSize, nil, opts.ReplyCacheTTL),
		opts:       opts,
	}
}

// FetchPost produces the richest available post for (postID, username)
// plus an optional reply target, trying progressively degraded sources.
// Result.Post is nil when every tier came up empty.
func (c *Coordinator) FetchPost(ctx context.Context, src *models.SourceConfig, postID, username string, fallback *models.Post) (*Result, error) {
	if src.ThreadHandling.Enabled {
		return c.fetchWithThreading(ctx, src, postID, username, fallback)
	}

	// Tier 1: scrape.
	if src.NitterProcessing.Enabled {
		post, stop, err := c.primaryFetch(ctx, username, postID)
		if err != nil {
			return nil, err
		}
		if stop {
			// Definitive not-found: the whole cascade short-circuits.
			logging.Info("Post %s/%s definitively gone upstream, skipping", src.ID, postID)
			return &Result{}, nil
		}
		if post != nil {
			return &Result{Post: post, ReplyToID: c.resolveReplyTarget(src.ID, post)}, nil
		}
	}

	// Tier 2: secondary public API.
	if post := c.secondaryFetch(ctx, postID, fallback); post != nil {
		return &Result{Post: post, ReplyToID: c.resolveReplyTarget(src.ID, post)}, nil
	}

	// Tier 3: caller-supplied fallback, used as-is.
	if fallback != nil {
		fallback.Extra.FetchTier = "fallback"
		return &Result{Post: fallback, ReplyToID: c.resolveReplyTarget(src.ID, fallback)}, nil
	}

	return &Result{}, nil
}

// fetchWithThreading delegates reply-target resolution to the thread
// reconstructor, then fetches the primary content for the target itself.
func (c *Coordinator) fetchWithThreading(ctx context.Context, src *models.SourceConfig, postID, username string, fallback *models.Post) (*Result, error) {
	topts := c.opts.Thread
	topts.Visibility = src.Target.Visibility
	rec := c.threads.For(src.ID, topts)

	tres, err := rec.Process(ctx, postID, username)
	if err != nil {
		logging.Warn("Thread reconstruction failed for %s/%s: %v", src.ID, postID, err)
		tres = &thread.Result{}
	}

	var post *models.Post
	if src.NitterProcessing.Enabled {
		var stop bool
		post, stop, err = c.primaryFetch(ctx, username, postID)
		if err != nil {
			return nil, err
		}
		if stop {
			return &Result{}, nil
		}
	}
	if post == nil {
		if p := c.secondaryFetch(ctx, postID, fallback); p != nil {
			post = p
		} else if fallback != nil {
			fallback.Extra.FetchTier = "fallback"
			post = fallback
		}
	}
	if post == nil {
		return &Result{}, nil
	}
	if tres.IsThread {
		post.IsThreadPost = true
	}
	return &Result{Post: post, ReplyToID: tres.ReplyToID}, nil
}

// primaryFetch attempts the scrape tier with exponential backoff. A nil
// post or transient error triggers a retry; a definitive not-found stops
// the whole cascade (stop=true). The returned error is only non-nil for
// cancellation.
func (c *Coordinator) primaryFetch(ctx context.Context, username, postID string) (post *models.Post, stop bool, err error) {
	for attempt := 0; attempt < c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		post, ferr := c.scraper.FetchPost(ctx, username, postID)
		if ferr != nil {
			if errors.Is(ferr, api.ErrNotFound) {
				return nil, true, nil
			}
			if errors.Is(ferr, context.Canceled) || errors.Is(ferr, context.DeadlineExceeded) {
				return nil, false, ferr
			}
			logging.Warn("Primary fetch attempt %d for @%s/%s failed: %v", attempt+1, username, postID, ferr)
			continue
		}
		if post != nil {
			return post, false, nil
		}
	}
	return nil, false, nil
}

// secondaryFetch tries the public API tier. The fallback's classification
// flags are considered more authoritative than anything the secondary
// source reports; the secondary source is authoritative for content only.
func (c *Coordinator) secondaryFetch(ctx context.Context, postID string, fallback *models.Post) *models.Post {
	post, err := c.secondary.FetchPost(ctx, postID)
	if err != nil {
		logging.Warn("Secondary fetch for %s failed: %v", postID, err)
		return nil
	}

	if fallback != nil {
		post.IsRepost = fallback.IsRepost
		post.IsReply = fallback.IsReply
		post.IsQuote = fallback.IsQuote
		post.IsThreadPost = fallback.IsThreadPost
		post.RepostedBy = fallback.RepostedBy
		post.QuotedPost = fallback.QuotedPost
		if fallback.HasVideo {
			post.HasVideo = true
		}
		if len(post.Media) == 0 {
			post.Media = fallback.Media
		}
	}
	return post
}

// resolveReplyTarget answers "what did we last publish for this source"
// via a TTL-bounded cache with a store lookup behind it. Only replies and
// thread continuations get a target.
func (c *Coordinator) resolveReplyTarget(sourceID string, post *models.Post) string {
	if post == nil || (!post.IsReply && !post.IsThreadPost) {
		return ""
	}
	if id, ok := c.replyCache.Get(sourceID); ok {
		return id
	}
	id, found, err := c.store.GetLatestPublishedID(sourceID, c.opts.ReplyCacheTTL)
	if err != nil {
		logging.Warn("Reply target lookup failed for %s: %v", sourceID, err)
		return ""
	}
	if !found {
		return ""
	}
	c.replyCache.Add(sourceID, id)
	return id
}

// NoteReplyTarget records a freshly published id so subsequent posts of
// the same source thread to it without a store round trip.
func (c *Coordinator) NoteReplyTarget(sourceID, publishedID string) {
	c.replyCache.Add(sourceID, publishedID)
}

// Package pipeline runs one post through the fixed processing sequence:
// dedup, edit classification, content filtering, formatting, replacement,
// trimming, URL processing, publishing and recording. Every invocation
// ends in exactly one terminal outcome; the pipeline never retries a
// finished result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"zpravobot/internal/api"
	"zpravobot/internal/editdetect"
	"zpravobot/internal/filter"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
	"zpravobot/internal/textproc"
)

// Skip reasons recorded in the skip log. Stable strings; the status page
// and re-run dedup both read them back.
const (
	SkipAlreadyPublished = "already_published"
	SkipOlderVersion     = "older_version"
	SkipReply            = "reply"
	SkipRepost           = "repost"
	SkipQuote            = "quote"
	SkipBannedPhrase     = "banned_phrase"
	SkipMissingKeyword   = "missing_required_keyword"
)

// Publisher is the remote write surface.
type Publisher interface {
	Publish(ctx context.Context, text string, mediaIDs []string, visibility, inReplyToID string) (string, error)
	UpdateStatus(ctx context.Context, id, text string, mediaIDs []string) (string, error)
	DeleteStatus(ctx context.Context, id string) error
	UploadMediaParallel(ctx context.Context, media []models.Media) ([]string, error)
}

// Formatter renders a post into publishable plain text.
type Formatter interface {
	Format(post *models.Post) (string, error)
}

// Store is the slice of the state store the pipeline needs.
type Store interface {
	IsPublished(sourceID, postID string) (bool, error)
	FindSkip(sourceID, postID string) (string, bool, error)
	LogSkip(sourceID, postID, reason string) error
	MarkPublished(sourceID, postID, url, publishedID, platformURI string) error
	MarkUpdated(publishedID, newPostID string) error
	AddToEditBuffer(entry *models.EditBufferEntry) error
	UpdateEditBufferPublishedID(sourceID, postID, publishedID string) error
	MarkEditSuperseded(sourceID, postID string) error
}

// EditDetector classifies a post against the recent-post buffer.
type EditDetector interface {
	CheckForEdit(sourceID, postID, username, text string) *editdetect.Result
}

// Pipeline processes posts end to end.
type Pipeline struct {
	publisher Publisher
	formatter Formatter
	store     Store
	detector  EditDetector
}

// New creates a pipeline. The detector may be nil; edit detection is then
// disabled for every platform.
func New(publisher Publisher, formatter Formatter, store Store, detector EditDetector) *Pipeline {
	return &Pipeline{
		publisher: publisher,
		formatter: formatter,
		store:     store,
		detector:  detector,
	}
}

// Process runs one post through all stages and returns its terminal
// outcome. A panic anywhere inside a stage is contained here and becomes a
// failed result for this post only.
func (p *Pipeline) Process(ctx context.Context, pctx *models.ProcessingContext) (result models.ProcessingResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("CRITICAL: panic while processing %s/%s: %v", pctx.SourceID, pctx.PostID, r)
			result = models.Failed(fmt.Sprintf("panic: %v", r))
		}
	}()

	// Stage 1: dedup.
	published, err := p.store.IsPublished(pctx.SourceID, pctx.PostID)
	if err != nil {
		return models.Failed(fmt.Sprintf("dedup check: %v", err))
	}
	if published {
		logging.Debug("Post %s/%s already published, skipping", pctx.SourceID, pctx.PostID)
		return models.Skipped(SkipAlreadyPublished)
	}
	if reason, found, err := p.store.FindSkip(pctx.SourceID, pctx.PostID); err != nil {
		return models.Failed(fmt.Sprintf("skip check: %v", err))
	} else if found {
		logging.Debug("Post %s/%s previously skipped (%s)", pctx.SourceID, pctx.PostID, reason)
		return models.Skipped(reason)
	}

	// Stage 2: edit classification, for platforms whose edits arrive as
	// new items under new ids.
	if pctx.Platform.UsesEditDetection() && p.detector != nil {
		res := p.detector.CheckForEdit(pctx.SourceID, pctx.PostID, pctx.Post.Author.Username, pctx.Post.Text)
		switch res.Action {
		case editdetect.ActionSkipOlderVersion:
			logging.Info("Post %s/%s is an older version of %s (similarity %.2f), skipping",
				pctx.SourceID, pctx.PostID, res.OriginalPostID, res.Similarity)
			p.logSkip(pctx, SkipOlderVersion)
			return models.Skipped(SkipOlderVersion)
		case editdetect.ActionUpdateExisting:
			return p.processUpdate(ctx, pctx, res)
		case editdetect.ActionPublishNew:
			if res.SupersededPostID != "" {
				if err := p.store.MarkEditSuperseded(pctx.SourceID, res.SupersededPostID); err != nil {
					logging.Warn("Failed to mark %s/%s superseded: %v", pctx.SourceID, res.SupersededPostID, err)
				}
			}
			// Buffer on first sight so a newer version arriving in the
			// same batch can match and supersede this one even if it
			// never reaches publishing.
			p.bufferPost(pctx)
		}
	}

	// Stage 3: content filter.
	if reason := p.filterReason(pctx); reason != "" {
		logging.Info("Post %s/%s filtered out (%s)", pctx.SourceID, pctx.PostID, reason)
		p.logSkip(pctx, reason)
		return models.Skipped(reason)
	}

	// Stages 4-7: format, replace, trim, process URLs.
	text, err := p.buildText(pctx)
	if err != nil {
		return models.Failed(fmt.Sprintf("formatting: %v", err))
	}

	// Stage 8: publish.
	mediaIDs := p.uploadMedia(ctx, pctx.Post)
	publishedID, err := p.publish(ctx, pctx, text, mediaIDs)
	if err != nil {
		return models.Failed(fmt.Sprintf("publishing: %v", err))
	}

	// Stage 9: record.
	p.record(pctx, publishedID)
	return models.Published(publishedID)
}

// processUpdate edits the previously published status in place with the
// new version's text. When the remote refuses the edit or the status is
// gone, the new version is published fresh instead; losing an edit as a
// distinct remote event is acceptable, losing the content is not.
func (p *Pipeline) processUpdate(ctx context.Context, pctx *models.ProcessingContext, res *editdetect.Result) models.ProcessingResult {
	// The edited version re-enters the content filter. An edit that turns
	// a mirrored post into a violating one takes the stale status down
	// instead of updating it.
	if reason := p.filterReason(pctx); reason != "" {
		logging.Info("Edited post %s/%s filtered out (%s), removing stale status %s",
			pctx.SourceID, pctx.PostID, reason, res.PublishedID)
		if err := p.publisher.DeleteStatus(ctx, res.PublishedID); err != nil && !errors.Is(err, api.ErrNotFound) {
			logging.Warn("Failed to delete stale status %s: %v", res.PublishedID, err)
		}
		p.supersedeOld(pctx, res)
		p.logSkip(pctx, reason)
		return models.Skipped(reason)
	}
	p.bufferPost(pctx)

	text, err := p.buildText(pctx)
	if err != nil {
		return models.Failed(fmt.Sprintf("formatting update: %v", err))
	}

	media := pctx.Post.UploadableMedia()
	if len(media) > 0 {
		// Attachments cannot be reconciled through an in-place edit;
		// replace the status wholesale.
		return p.deleteAndRepublish(ctx, pctx, text, res)
	}

	if _, err := p.publisher.UpdateStatus(ctx, res.PublishedID, text, nil); err != nil {
		if errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrEditNotAllowed) {
			logging.Warn("In-place edit of %s rejected (%v), publishing fresh", res.PublishedID, err)
			return p.publishFresh(ctx, pctx, text, nil, res)
		}
		return models.Failed(fmt.Sprintf("updating status %s: %v", res.PublishedID, err))
	}

	logging.Info("Post %s/%s updated status %s in place (edit of %s, similarity %.2f)",
		pctx.SourceID, pctx.PostID, res.PublishedID, res.OriginalPostID, res.Similarity)

	if err := p.store.MarkUpdated(res.PublishedID, pctx.PostID); err != nil {
		logging.Error("CRITICAL: failed to record update of %s: %v", res.PublishedID, err)
	}
	p.supersedeOld(pctx, res)
	p.setBufferPublished(pctx, res.PublishedID)
	return models.Published(res.PublishedID)
}

// deleteAndRepublish removes the stale status and publishes the new
// version as a fresh one.
func (p *Pipeline) deleteAndRepublish(ctx context.Context, pctx *models.ProcessingContext, text string, res *editdetect.Result) models.ProcessingResult {
	if err := p.publisher.DeleteStatus(ctx, res.PublishedID); err != nil && !errors.Is(err, api.ErrNotFound) {
		logging.Warn("Failed to delete stale status %s: %v", res.PublishedID, err)
	}
	mediaIDs := p.uploadMedia(ctx, pctx.Post)
	return p.publishFresh(ctx, pctx, text, mediaIDs, res)
}

// publishFresh is the shared tail of the update fallbacks.
func (p *Pipeline) publishFresh(ctx context.Context, pctx *models.ProcessingContext, text string, mediaIDs []string, res *editdetect.Result) models.ProcessingResult {
	publishedID, err := p.publish(ctx, pctx, text, mediaIDs)
	if err != nil {
		return models.Failed(fmt.Sprintf("publishing: %v", err))
	}
	p.record(pctx, publishedID)
	if res != nil {
		p.supersedeOld(pctx, res)
	}
	return models.Published(publishedID)
}

// publish posts the status. When the resolved reply target no longer
// exists remotely, the post is retried once as a standalone status rather
// than dropped.
func (p *Pipeline) publish(ctx context.Context, pctx *models.ProcessingContext, text string, mediaIDs []string) (string, error) {
	visibility := pctx.Source.Target.Visibility
	publishedID, err := p.publisher.Publish(ctx, text, mediaIDs, visibility, pctx.ReplyToID)
	if err != nil && pctx.ReplyToID != "" && errors.Is(err, api.ErrNotFound) {
		logging.Warn("Reply target %s gone, publishing %s/%s standalone", pctx.ReplyToID, pctx.SourceID, pctx.PostID)
		publishedID, err = p.publisher.Publish(ctx, text, mediaIDs, visibility, "")
	}
	return publishedID, err
}

// uploadMedia uploads the post's attachments. Upload failure degrades to a
// text-only publish; the post itself is never dropped over media.
func (p *Pipeline) uploadMedia(ctx context.Context, post *models.Post) []string {
	media := post.UploadableMedia()
	if len(media) == 0 {
		return nil
	}
	ids, err := p.publisher.UploadMediaParallel(ctx, media)
	if err != nil {
		logging.Error("Media upload failed for %s, publishing without attachments: %v", post.ID, err)
		return nil
	}
	return ids
}

// record persists the publish and stamps the published id onto the post's
// buffer entry. Record failure after a successful publish is logged loudly
// but does not change the outcome; the status exists.
func (p *Pipeline) record(pctx *models.ProcessingContext, publishedID string) {
	platformURI := ""
	if pctx.Platform == models.PlatformBluesky {
		platformURI = pctx.Post.URL
	}
	if err := p.store.MarkPublished(pctx.SourceID, pctx.PostID, pctx.Post.URL, publishedID, platformURI); err != nil {
		logging.Error("CRITICAL: published %s/%s as %s but failed to record it: %v",
			pctx.SourceID, pctx.PostID, publishedID, err)
	}
	p.setBufferPublished(pctx, publishedID)
}

func (p *Pipeline) supersedeOld(pctx *models.ProcessingContext, res *editdetect.Result) {
	if res.OriginalPostID == "" {
		return
	}
	if err := p.store.MarkEditSuperseded(pctx.SourceID, res.OriginalPostID); err != nil {
		logging.Warn("Failed to mark %s/%s superseded: %v", pctx.SourceID, res.OriginalPostID, err)
	}
}

// bufferPost adds the post to the edit buffer without a published id; the
// id is stamped on at record time. Only platforms under edit detection are
// buffered.
func (p *Pipeline) bufferPost(pctx *models.ProcessingContext) {
	if !pctx.Platform.UsesEditDetection() {
		return
	}
	normalized := editdetect.NormalizeText(pctx.Post.Text)
	entry := &models.EditBufferEntry{
		SourceID:       pctx.SourceID,
		PostID:         pctx.PostID,
		Username:       editdetect.NormalizeUsername(pctx.Post.Author.Username),
		TextNormalized: normalized,
		TextHash:       editdetect.TextHash(normalized),
	}
	if err := p.store.AddToEditBuffer(entry); err != nil {
		logging.Warn("Failed to buffer %s/%s for edit detection: %v", pctx.SourceID, pctx.PostID, err)
	}
}

// setBufferPublished records the remote status id on the post's buffer
// entry so later edits of the same post can be applied in place.
func (p *Pipeline) setBufferPublished(pctx *models.ProcessingContext, publishedID string) {
	if !pctx.Platform.UsesEditDetection() || publishedID == "" {
		return
	}
	if err := p.store.UpdateEditBufferPublishedID(pctx.SourceID, pctx.PostID, publishedID); err != nil {
		logging.Warn("Failed to set published id on buffer entry %s/%s: %v", pctx.SourceID, pctx.PostID, err)
	}
}

// filterReason decides whether the post is excluded, returning the skip
// reason or "" to proceed.
func (p *Pipeline) filterReason(pctx *models.ProcessingContext) string {
	post := pctx.Post
	f := pctx.Source.Filtering

	switch {
	case post.IsRepost && f.SkipRetweets:
		return SkipRepost
	case post.IsQuote && f.SkipQuotes:
		return SkipQuote
	case post.IsReply && f.SkipReplies && !post.IsThreadPost:
		// Thread continuations are technically replies but stay in.
		return SkipReply
	}

	target := filterTarget(post)
	if filter.CheckBanned(f.BannedPhrases, target) {
		return SkipBannedPhrase
	}
	if !filter.CheckRequired(f.RequiredKeywords, target) {
		return SkipMissingKeyword
	}
	return ""
}

// filterTarget assembles the rule-evaluation target from the post text,
// quoted text and link.
func filterTarget(post *models.Post) filter.Target {
	parts := []string{post.Text}
	if post.QuotedPost != nil && post.QuotedPost.Text != "" {
		parts = append(parts, post.QuotedPost.Text)
	}
	if post.URL != "" {
		parts = append(parts, post.URL)
	}
	return filter.Target{
		Content:  strings.Join(parts, "\n"),
		Username: post.Author.Username,
		Domain:   domainOf(post.URL),
	}
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// buildText runs stages 4-7. The trailing permalink appended by the
// formatter is split off first and reattached untouched at the end, so
// replacements and trimming can never corrupt it.
func (p *Pipeline) buildText(pctx *models.ProcessingContext) (string, error) {
	proc := pctx.Source.Processing

	text, err := p.formatter.Format(pctx.Post)
	if err != nil {
		return "", err
	}

	body, tail := textproc.ExtractTrailingURL(text)
	body = filter.ApplyReplacements(body, proc.ContentReplacements)

	budget := proc.EffectiveMaxLength() - utf8.RuneCountInString(tail)
	if budget < 0 {
		budget = 0
	}
	body = textproc.Trim(body, budget, proc.TrimStrategy)
	body = textproc.ProcessURLs(body, proc.URLDomainFixes)

	return body + tail, nil
}

// logSkip records a terminal filter decision durably so later runs skip
// the post without re-evaluating it.
func (p *Pipeline) logSkip(pctx *models.ProcessingContext, reason string) {
	if err := p.store.LogSkip(pctx.SourceID, pctx.PostID, reason); err != nil {
		logging.Warn("Failed to log skip for %s/%s: %v", pctx.SourceID, pctx.PostID, err)
	}
}

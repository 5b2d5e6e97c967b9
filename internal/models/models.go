package models

import (
	"database/sql"
	"time"
)

// Platform identifies the service a post originated from.
type Platform string

const (
	PlatformTwitter Platform = "twitter"
	PlatformBluesky Platform = "bluesky"
)

// UsesEditDetection reports whether post identity on this platform is
// unstable across edits, i.e. an edit arrives as a brand new item.
func (p Platform) UsesEditDetection() bool {
	return p == PlatformTwitter
}

// MediaType classifies a media attachment. Synthetic types (link cards,
// video thumbnails next to a full video) are skipped at upload time.
type MediaType string

const (
	MediaImage     MediaType = "image"
	MediaVideo     MediaType = "video"
	MediaGif       MediaType = "gif"
	MediaLinkCard  MediaType = "link_card"
	MediaThumbnail MediaType = "thumbnail"
)

// Author describes the account that wrote a post.
type Author struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	ProfileURL  string `json:"profile_url"`
}

// Media is one attachment of a post, in display order.
type Media struct {
	Type    MediaType `json:"type"`
	URL     string    `json:"url"`
	AltText string    `json:"alt_text"`
}

// PostExtra carries cross-cutting signals between the fetch cascade, the
// formatter and the pipeline. Deliberately a closed struct, not a map, so
// the set of signals stays enumerable.
type PostExtra struct {
	// FetchTier records which cascade tier produced this post
	// ("scrape", "syndication", "fallback"). Diagnostics only.
	FetchTier string `json:"fetch_tier,omitempty"`
	// ForceReadMore marks a post known to be truncated at the source, so
	// the formatter appends a read-more indicator.
	ForceReadMore bool `json:"force_read_more,omitempty"`
	// VideoAppended marks that the formatter already appended the video
	// URL to the text, so the upload step must not attach it again.
	VideoAppended bool `json:"video_appended,omitempty"`
}

// Post is the unified representation of one source-platform item.
// (SourceID, ID) is the natural dedup key; ID alone is not globally unique
// across sources.
type Post struct {
	ID           string    `json:"id"`
	Platform     Platform  `json:"platform"`
	URL          string    `json:"url"`
	Text         string    `json:"text"`
	Author       Author    `json:"author"`
	Media        []Media   `json:"media,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	IsRepost     bool      `json:"is_repost,omitempty"`
	IsReply      bool      `json:"is_reply,omitempty"`
	IsQuote      bool      `json:"is_quote,omitempty"`
	IsThreadPost bool      `json:"is_thread_post,omitempty"`
	HasVideo     bool      `json:"has_video,omitempty"`
	RepostedBy   string    `json:"reposted_by,omitempty"`
	QuotedPost   *Post     `json:"quoted_post,omitempty"`
	Extra        PostExtra `json:"extra,omitempty"`
}

// UploadableMedia filters out synthetic attachment types that cannot be
// uploaded: link-card placeholders, the video thumbnail when a full video
// is present, and video entries already represented as an appended URL.
func (p *Post) UploadableMedia() []Media {
	var out []Media
	for _, m := range p.Media {
		switch {
		case m.URL == "" || m.Type == MediaLinkCard:
			continue
		case m.Type == MediaThumbnail && p.HasVideo:
			continue
		case m.Type == MediaVideo && p.Extra.VideoAppended:
			continue
		case m.Type == MediaVideo && m.URL == p.URL:
			// Placeholder entry pointing at the post itself.
			continue
		}
		out = append(out, m)
	}
	return out
}

// ProcessingStatus is the terminal outcome of one pipeline run.
type ProcessingStatus string

const (
	StatusPublished ProcessingStatus = "published"
	StatusSkipped   ProcessingStatus = "skipped"
	StatusFailed    ProcessingStatus = "failed"
)

// ProcessingResult is the outcome of one pipeline invocation. Terminal; the
// pipeline never retries a result itself.
type ProcessingResult struct {
	Status      ProcessingStatus
	PublishedID string
	SkipReason  string
	Err         string
}

// Published is a convenience constructor for a successful result.
func Published(publishedID string) ProcessingResult {
	return ProcessingResult{Status: StatusPublished, PublishedID: publishedID}
}

// Skipped is a convenience constructor for a terminal skip.
func Skipped(reason string) ProcessingResult {
	return ProcessingResult{Status: StatusSkipped, SkipReason: reason}
}

// Failed is a convenience constructor for a failed result.
func Failed(err string) ProcessingResult {
	return ProcessingResult{Status: StatusFailed, Err: err}
}

// ProcessingContext is the ephemeral per-invocation carrier threaded through
// pipeline steps. Owned by exactly one pipeline invocation; never shared
// across concurrent invocations.
type ProcessingContext struct {
	Post   *Post
	Source *SourceConfig
	// ReplyToID is the resolved remote reply target, if any.
	ReplyToID string

	// Derived values, filled by NewProcessingContext.
	SourceID string
	PostID   string
	Platform Platform
}

// NewProcessingContext builds a context and derives its lookup keys.
func NewProcessingContext(post *Post, src *SourceConfig, replyToID string) *ProcessingContext {
	return &ProcessingContext{
		Post:      post,
		Source:    src,
		ReplyToID: replyToID,
		SourceID:  src.ID,
		PostID:    post.ID,
		Platform:  post.Platform,
	}
}

// PublishedPost is one row of the published-posts table.
// Corresponds to the 'published_posts' table in the database.
type PublishedPost struct {
	ID          int64          `db:"id"`
	SourceID    string         `db:"source_id"`
	PostID      string         `db:"post_id"`
	URL         string         `db:"url"`
	PublishedID string         `db:"published_id"`
	PlatformURI sql.NullString `db:"platform_uri"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// EditBufferEntry is one row of the recent-post buffer used for edit
// detection, keyed by (SourceID, PostID).
type EditBufferEntry struct {
	ID             int64          `db:"id"`
	SourceID       string         `db:"source_id"`
	PostID         string         `db:"post_id"`
	Username       string         `db:"username"` // normalized: lowercase, no leading "@"
	TextNormalized string         `db:"text_normalized"`
	TextHash       string         `db:"text_hash"`
	PublishedID    sql.NullString `db:"published_id"` // set once actually published
	Superseded     bool           `db:"superseded"`
	CreatedAt      time.Time      `db:"created_at"`
}

// ThreadChainEntry describes one ancestor post inferred from a context
// fetch. Chains are ordered oldest first.
type ThreadChainEntry struct {
	ID          string
	Username    string
	TextPreview string
}

// SkipRecord is one row of the skipped-posts table.
type SkipRecord struct {
	ID        int64     `db:"id"`
	SourceID  string    `db:"source_id"`
	PostID    string    `db:"post_id"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/ipfs/go-cid"

	"zpravobot/internal/config"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

const defaultPDS = "https://bsky.social" // Default PDS host

// BlueskyClient wraps the indigo XRPC client and adapts Bluesky author
// feeds into the unified Post model. Bluesky posts carry stable ids and
// reliable reply pointers, so they skip the fetch cascade entirely.
type BlueskyClient struct {
	client     *xrpc.Client
	identifier string
	password   string
}

// NewBlueskyClient creates an unauthenticated client; Authenticate must be
// called before fetching.
func NewBlueskyClient(cfg *config.Config) *BlueskyClient {
	return &BlueskyClient{
		client:     &xrpc.Client{Host: defaultPDS},
		identifier: cfg.BlueskyIdentifier,
		password:   cfg.BlueskyPassword,
	}
}

// Authenticate creates a session with the PDS using the configured app
// password.
func (bsc *BlueskyClient) Authenticate(ctx context.Context) error {
	sess, err := comatproto.ServerCreateSession(ctx, bsc.client, &comatproto.ServerCreateSession_Input{
		Identifier: bsc.identifier,
		Password:   bsc.password,
	})
	if err != nil {
		return fmt.Errorf("bluesky authentication failed for %s: %w", bsc.identifier, err)
	}

	bsc.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	}
	logging.Info("Bluesky session created for %s (DID: %s)", sess.Handle, sess.Did)
	return nil
}

func (bsc *BlueskyClient) checkAuth(ctx context.Context) error {
	if bsc.client.Auth == nil || bsc.client.Auth.Did == "" {
		return bsc.Authenticate(ctx)
	}
	return nil
}

// FetchPosts returns the author's posts strictly newer than the given
// baseline id (an at:// URI), oldest first. An empty baseline returns the
// latest page.
func (bsc *BlueskyClient) FetchPosts(ctx context.Context, actor, since string) ([]*models.Post, error) {
	if err := bsc.checkAuth(ctx); err != nil {
		return nil, err
	}

	// filter="" means all post types; includePins=false.
	feed, err := appbsky.FeedGetAuthorFeed(ctx, bsc.client, actor, "", "", false, 30)
	if err != nil {
		if strings.Contains(err.Error(), "ExpiredToken") {
			if err := bsc.Authenticate(ctx); err != nil {
				return nil, err
			}
			feed, err = appbsky.FeedGetAuthorFeed(ctx, bsc.client, actor, "", "", false, 30)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch author feed for %s: %w", actor, err)
		}
	}

	var sinceTID string
	if since != "" {
		if tid, err := extractTIDFromAtURI(since); err == nil {
			sinceTID = tid
		} else {
			logging.Warn("Could not extract TID from baseline %s: %v. Processing full page.", since, err)
		}
	}

	var posts []*models.Post
	for _, view := range feed.Feed {
		post := bsc.convertFeedView(view)
		if post == nil {
			continue
		}
		if sinceTID != "" {
			tid, err := extractTIDFromAtURI(post.ID)
			if err != nil || tid <= sinceTID {
				continue
			}
		}
		posts = append(posts, post)
	}

	// Feed pages are newest first; callers process in causal order.
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
	return posts, nil
}

// FetchSinglePost retrieves one post by its at:// URI. Returns nil when
// the post no longer exists.
func (bsc *BlueskyClient) FetchSinglePost(ctx context.Context, uri string) (*models.Post, error) {
	if err := bsc.checkAuth(ctx); err != nil {
		return nil, err
	}
	out, err := appbsky.FeedGetPosts(ctx, bsc.client, []string{uri})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch post %s: %w", uri, err)
	}
	if len(out.Posts) == 0 {
		return nil, nil
	}
	return bsc.convertPostView(out.Posts[0], nil), nil
}

// ResolveDID resolves an account handle to its DID. Used to register
// accounts with the firehose subscriber, which filters by DID.
func (bsc *BlueskyClient) ResolveDID(ctx context.Context, handle string) (string, error) {
	if err := bsc.checkAuth(ctx); err != nil {
		return "", err
	}
	out, err := comatproto.IdentityResolveHandle(ctx, bsc.client, handle)
	if err != nil {
		return "", fmt.Errorf("failed to resolve handle %s: %w", handle, err)
	}
	return out.Did, nil
}

func (bsc *BlueskyClient) convertFeedView(view *appbsky.FeedDefs_FeedViewPost) *models.Post {
	if view == nil || view.Post == nil {
		return nil
	}
	post := bsc.convertPostView(view.Post, view.Reply)
	if post == nil {
		return nil
	}
	if view.Reason != nil && view.Reason.FeedDefs_ReasonRepost != nil {
		post.IsRepost = true
	}
	return post
}

func (bsc *BlueskyClient) convertPostView(pv *appbsky.FeedDefs_PostView, reply *appbsky.FeedDefs_ReplyRef) *models.Post {
	if pv == nil || pv.Record == nil || pv.Author == nil {
		return nil
	}
	feedPost, ok := pv.Record.Val.(*appbsky.FeedPost)
	if !ok {
		logging.Warn("Skipping Bluesky post %s: record is %T, not FeedPost", pv.Uri, pv.Record.Val)
		return nil
	}

	rkey, _ := extractTIDFromAtURI(pv.Uri)
	post := &models.Post{
		ID:       pv.Uri,
		Platform: models.PlatformBluesky,
		URL:      fmt.Sprintf("https://bsky.app/profile/%s/post/%s", pv.Author.Handle, rkey),
		Text:     feedPost.Text,
		Author: models.Author{
			Username:   pv.Author.Handle,
			ProfileURL: fmt.Sprintf("https://bsky.app/profile/%s", pv.Author.Handle),
		},
		IsReply: reply != nil && reply.Parent != nil,
	}
	if pv.Author.DisplayName != nil {
		post.Author.DisplayName = *pv.Author.DisplayName
	}
	if ts, err := time.Parse(time.RFC3339, feedPost.CreatedAt); err == nil {
		post.PublishedAt = ts
	}

	if feedPost.Embed != nil {
		if feedPost.Embed.EmbedImages != nil {
			for _, img := range feedPost.Embed.EmbedImages.Images {
				if img.Image == nil {
					continue
				}
				post.Media = append(post.Media, models.Media{
					Type:    models.MediaImage,
					URL:     bsc.blobImageURL(pv.Author.Did, img.Image.Ref.String()),
					AltText: img.Alt,
				})
			}
		}
		if feedPost.Embed.EmbedExternal != nil {
			post.Media = append(post.Media, models.Media{Type: models.MediaLinkCard})
		}
		if feedPost.Embed.EmbedRecord != nil {
			post.IsQuote = true
		}
		if feedPost.Embed.EmbedVideo != nil {
			post.HasVideo = true
		}
	}

	return post
}

// blobImageURL builds the public CDN URL for an image blob. The raw ref is
// validated as a CID before use; invalid refs produce no URL.
func (bsc *BlueskyClient) blobImageURL(did, ref string) string {
	c, err := cid.Decode(ref)
	if err != nil {
		logging.Warn("Invalid image blob CID %q: %v", ref, err)
		return ""
	}
	return fmt.Sprintf("https://cdn.bsky.app/img/feed_fullsize/plain/%s/%s@jpeg", did, c.String())
}

// extractTIDFromAtURI parses an at:// URI and returns the record key,
// e.g. at://did:plc:abc/app.bsky.feed.post/3ljmbyu4zgr2o -> 3ljmbyu4zgr2o.
// TIDs sort chronologically as plain strings.
func extractTIDFromAtURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "at://") {
		return "", fmt.Errorf("invalid AT URI format: does not start with at://")
	}
	parts := strings.Split(uri, "/")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid AT URI format: not enough parts")
	}
	tid := parts[len(parts)-1]
	if tid == "" {
		return "", fmt.Errorf("invalid AT URI format: empty record key")
	}
	return tid, nil
}

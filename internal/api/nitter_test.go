package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTweetPage = `
<div class="main-tweet">
  <div class="tweet-body">
    <a class="fullname" href="/ctk" title="ČTK">ČTK</a>
    <span class="tweet-date"><a href="/ctk/status/100#m" title="Jan 2, 2024 · 3:04 PM UTC">Jan 2</a></span>
    <div class="tweet-content media-body" dir="auto">Hello world from Prague</div>
    <div class="attachments">
      <a class="still-image" href="/pic/media%2Fabc.jpg"><img src=""/></a>
    </div>
  </div>
</div>`

func nitterTestServer(t *testing.T, status int, body string) (*NitterClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewNitterClient(srv.URL, srv.Client()), srv
}

func TestFetchPostParsesTweetPage(t *testing.T) {
	nc, srv := nitterTestServer(t, http.StatusOK, sampleTweetPage)

	post, err := nc.FetchPost(context.Background(), "ctk", "100")
	require.NoError(t, err)
	require.NotNil(t, post)

	assert.Equal(t, "100", post.ID)
	assert.Equal(t, "Hello world from Prague", post.Text)
	assert.Equal(t, "ctk", post.Author.Username)
	assert.Equal(t, "ČTK", post.Author.DisplayName)
	assert.Equal(t, "https://twitter.com/ctk/status/100", post.URL)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 4, 0, 0, time.UTC), post.PublishedAt)
	assert.Equal(t, "scrape", post.Extra.FetchTier)

	require.Len(t, post.Media, 1)
	assert.Equal(t, srv.URL+"/pic/media%2Fabc.jpg", post.Media[0].URL)

	assert.False(t, post.IsRepost)
	assert.False(t, post.IsReply)
	assert.False(t, post.HasVideo)
}

func TestFetchPostDetectsClassificationFlags(t *testing.T) {
	page := `<div class="retweet-header">RT</div>
<div class="replying-to">Replying to</div>
<div class="quote quote-big">quoted</div>
<div class="timeline-item thread"></div>
<div class="tweet-content media-body">content</div>
<div class="attachment video-container"></div>`
	nc, _ := nitterTestServer(t, http.StatusOK, page)

	post, err := nc.FetchPost(context.Background(), "ctk", "100")
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.True(t, post.IsRepost)
	assert.True(t, post.IsReply)
	assert.True(t, post.IsQuote)
	assert.True(t, post.IsThreadPost)
	assert.True(t, post.HasVideo)
}

func TestFetchPostDegradedPageReturnsNilPost(t *testing.T) {
	nc, _ := nitterTestServer(t, http.StatusOK, `<html><body>Instance error</body></html>`)

	post, err := nc.FetchPost(context.Background(), "ctk", "100")
	require.NoError(t, err)
	assert.Nil(t, post, "a rendered page without tweet content is a transient miss, not an error")
}

func TestFetchPostNotFound(t *testing.T) {
	nc, _ := nitterTestServer(t, http.StatusNotFound, "")

	_, err := nc.FetchPost(context.Background(), "ctk", "100")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetchLatestIDs(t *testing.T) {
	// The profile timeline renders newest first and can contain items by
	// other authors and duplicate links.
	page := `
<a class="tweet-link" href="/ctk/status/300#m"></a>
<a class="tweet-link" href="/ctk/status/300#m"></a>
<a class="tweet-link" href="/someoneelse/status/250#m"></a>
<a class="tweet-link" href="/ctk/status/200#m"></a>
<a class="tweet-link" href="/ctk/status/100#m"></a>`
	nc, _ := nitterTestServer(t, http.StatusOK, page)

	ids, err := nc.FetchLatestIDs(context.Background(), "ctk", "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"200", "300"}, ids, "oldest first, baseline excluded")
}

func TestFetchLatestIDsNoBaseline(t *testing.T) {
	page := `<a class="tweet-link" href="/ctk/status/300#m"></a>
<a class="tweet-link" href="/ctk/status/100#m"></a>`
	nc, _ := nitterTestServer(t, http.StatusOK, page)

	ids, err := nc.FetchLatestIDs(context.Background(), "ctk", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "300"}, ids)
}

func TestCompareNumericIDs(t *testing.T) {
	assert.Negative(t, compareNumericIDs("999", "1000"))
	assert.Positive(t, compareNumericIDs("1001", "1000"))
	assert.Zero(t, compareNumericIDs("1000", "1000"))
}

// Package firehose subscribes to the Jetstream event stream and turns
// post-creation commits from watched accounts into sync hints. The stream
// is a latency optimization only: every hint is re-verified by a regular
// fetch, and losing the connection loses nothing but immediacy.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zpravobot/internal/logging"
)

const (
	reconnectDelay = 5 * time.Second
	hintBuffer     = 64
	postCollection = "app.bsky.feed.post"
)

// Hint announces that a watched source probably has a new post. Carries
// identifiers only; the sync loop fetches the actual content.
type Hint struct {
	SourceID string
	PostID   string
}

// Subscriber maintains the Jetstream connection and emits hints.
type Subscriber struct {
	url string

	mu   sync.RWMutex
	dids map[string]string // account DID -> source id

	hints chan Hint
}

// NewSubscriber creates a subscriber for the given Jetstream endpoint.
func NewSubscriber(firehoseURL string) *Subscriber {
	return &Subscriber{
		url:   firehoseURL,
		dids:  make(map[string]string),
		hints: make(chan Hint, hintBuffer),
	}
}

// SetSources replaces the watched DID set. Takes effect on the next
// (re)connect; Jetstream filters server-side by wantedDids.
func (s *Subscriber) SetSources(dids map[string]string) {
	copied := make(map[string]string, len(dids))
	for did, id := range dids {
		copied[did] = id
	}
	s.mu.Lock()
	s.dids = copied
	s.mu.Unlock()
}

// Hints returns the channel the sync loop drains.
func (s *Subscriber) Hints() <-chan Hint {
	return s.hints
}

// Start connects and processes events until the context is cancelled,
// reconnecting on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logging.Warn("Firehose connection lost, reconnecting: %v", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
				}
			}
		}
	}
}

func (s *Subscriber) buildURL() (string, int) {
	u, err := url.Parse(s.url)
	if err != nil {
		return s.url, 0
	}
	q := u.Query()
	q.Add("wantedCollections", postCollection)

	s.mu.RLock()
	n := len(s.dids)
	for did := range s.dids {
		q.Add("wantedDids", did)
	}
	s.mu.RUnlock()

	u.RawQuery = q.Encode()
	return u.String(), n
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	wsURL, watched := s.buildURL()
	if watched == 0 {
		// Nothing to watch yet; poll for sources instead of subscribing
		// to the whole network.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
			return nil
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial firehose: %w", err)
	}
	defer conn.Close()

	logging.Info("Connected to firehose, watching %d accounts", watched)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read firehose message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			logging.Debug("Skipping unparseable firehose event: %v", err)
			continue
		}
		s.handleEvent(event)
	}
}

func (s *Subscriber) handleEvent(event *jetstreamEvent) {
	if event.Kind != "commit" || event.Commit == nil {
		return
	}
	commit := event.Commit
	if commit.Collection != postCollection || commit.Operation != "create" {
		return
	}

	s.mu.RLock()
	sourceID, watched := s.dids[event.DID]
	s.mu.RUnlock()
	if !watched {
		return
	}

	hint := Hint{SourceID: sourceID, PostID: commit.RKey}
	select {
	case s.hints <- hint:
		logging.Debug("Firehose hint: %s/%s", hint.SourceID, hint.PostID)
	default:
		// Full buffer means the sync loop is already busy; it will pick
		// the post up on its next regular pass.
	}
}

type jetstreamEvent struct {
	DID    string
	TimeUS int64
	Kind   string
	Commit *jetstreamCommit
}

type jetstreamCommit struct {
	Operation  string
	Collection string
	RKey       string
	CID        string
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var raw struct {
		DID    string          `json:"did"`
		TimeUS int64           `json:"time_us"`
		Kind   string          `json:"kind"`
		Commit json.RawMessage `json:"commit,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	event := &jetstreamEvent{DID: raw.DID, TimeUS: raw.TimeUS, Kind: raw.Kind}
	if raw.Kind == "commit" && len(raw.Commit) > 0 {
		var rc struct {
			Operation  string `json:"operation"`
			Collection string `json:"collection"`
			RKey       string `json:"rkey"`
			CID        string `json:"cid"`
		}
		if err := json.Unmarshal(raw.Commit, &rc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
		}
		event.Commit = &jetstreamCommit{
			Operation:  rc.Operation,
			Collection: rc.Collection,
			RKey:       rc.RKey,
			CID:        rc.CID,
		}
	}
	return event, nil
}

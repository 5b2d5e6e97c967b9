package database

import (
	"database/sql"
	"fmt"
	"time"

	"zpravobot/internal/models"
)

// ---- Published Post Operations ----

// IsPublished reports whether (sourceID, postID) is already recorded as
// published.
func (db *DB) IsPublished(sourceID, postID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM published_posts
			WHERE source_id = ? AND post_id = ?
		);
	`
	var exists bool
	err := db.QueryRow(query, sourceID, postID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check published status for %s/%s: %w", sourceID, postID, err)
	}
	return exists, nil
}

// MarkPublished records a successful publish. Idempotent upsert keyed by
// the natural dedup key (source_id, post_id).
func (db *DB) MarkPublished(sourceID, postID, url, publishedID, platformURI string) error {
	query := `
		INSERT INTO published_posts (source_id, post_id, url, published_id, platform_uri, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id, post_id) DO UPDATE SET
			url = excluded.url,
			published_id = excluded.published_id,
			platform_uri = excluded.platform_uri,
			updated_at = CURRENT_TIMESTAMP;
	`
	uri := sql.NullString{String: platformURI, Valid: platformURI != ""}
	_, err := db.Exec(query, sourceID, postID, url, publishedID, uri)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s published as %s: %w", sourceID, postID, publishedID, err)
	}
	return nil
}

// MarkUpdated re-points an existing published record at a newer post id
// after an in-place edit of the remote status.
func (db *DB) MarkUpdated(publishedID, newPostID string) error {
	query := `
		UPDATE published_posts
		SET post_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE published_id = ?;
	`
	res, err := db.Exec(query, newPostID, publishedID)
	if err != nil {
		return fmt.Errorf("failed to mark published status %s updated to post %s: %w", publishedID, newPostID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no published record found for status %s", publishedID)
	}
	return nil
}

// FindByPostID retrieves the published record for (sourceID, postID), or
// nil when none exists.
func (db *DB) FindByPostID(sourceID, postID string) (*models.PublishedPost, error) {
	query := `
		SELECT id, source_id, post_id, url, published_id, platform_uri, created_at, updated_at
		FROM published_posts
		WHERE source_id = ? AND post_id = ?;
	`
	var p models.PublishedPost
	err := db.QueryRow(query, sourceID, postID).Scan(
		&p.ID, &p.SourceID, &p.PostID, &p.URL, &p.PublishedID, &p.PlatformURI, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find published record for %s/%s: %w", sourceID, postID, err)
	}
	return &p, nil
}

// GetLatestPublishedID returns the most recent published id for a source
// within the given age bound. Used to resolve reply targets for thread
// continuations.
func (db *DB) GetLatestPublishedID(sourceID string, within time.Duration) (string, bool, error) {
	query := `
		SELECT published_id
		FROM published_posts
		WHERE source_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`
	cutoff := time.Now().UTC().Add(-within)
	var publishedID string
	err := db.QueryRow(query, sourceID, cutoff).Scan(&publishedID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get latest published id for %s: %w", sourceID, err)
	}
	return publishedID, true, nil
}

// ---- Skip Operations ----

// LogSkip durably records a terminal skip so repeated runs do not
// re-evaluate the same post.
func (db *DB) LogSkip(sourceID, postID, reason string) error {
	query := `
		INSERT INTO skipped_posts (source_id, post_id, reason, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id, post_id) DO UPDATE SET reason = excluded.reason;
	`
	_, err := db.Exec(query, sourceID, postID, reason)
	if err != nil {
		return fmt.Errorf("failed to log skip for %s/%s: %w", sourceID, postID, err)
	}
	return nil
}

// FindSkip returns the recorded skip reason for (sourceID, postID), if any.
func (db *DB) FindSkip(sourceID, postID string) (string, bool, error) {
	query := `SELECT reason FROM skipped_posts WHERE source_id = ? AND post_id = ?;`
	var reason string
	err := db.QueryRow(query, sourceID, postID).Scan(&reason)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to find skip record for %s/%s: %w", sourceID, postID, err)
	}
	return reason, true, nil
}

// GetRecentSkips returns the most recent skip records for the status page.
func (db *DB) GetRecentSkips(limit int) ([]models.SkipRecord, error) {
	query := `
		SELECT id, source_id, post_id, reason, created_at
		FROM skipped_posts
		ORDER BY created_at DESC
		LIMIT ?;
	`
	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent skips: %w", err)
	}
	defer rows.Close()

	var skips []models.SkipRecord
	for rows.Next() {
		var s models.SkipRecord
		if err := rows.Scan(&s.ID, &s.SourceID, &s.PostID, &s.Reason, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan skip record: %w", err)
		}
		skips = append(skips, s)
	}
	return skips, rows.Err()
}

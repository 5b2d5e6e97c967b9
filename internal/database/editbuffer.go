package database

import (
	"database/sql"
	"fmt"
	"time"

	"zpravobot/internal/models"
)

// ---- Edit Buffer Operations ----

// AddToEditBuffer inserts or refreshes the buffer entry for the post.
// Keyed by (source_id, post_id).
func (db *DB) AddToEditBuffer(entry *models.EditBufferEntry) error {
	query := `
		INSERT INTO edit_buffer (source_id, post_id, username, text_normalized, text_hash, published_id, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id, post_id) DO UPDATE SET
			username = excluded.username,
			text_normalized = excluded.text_normalized,
			text_hash = excluded.text_hash,
			published_id = excluded.published_id;
	`
	_, err := db.Exec(query,
		entry.SourceID,
		entry.PostID,
		entry.Username,
		entry.TextNormalized,
		entry.TextHash,
		entry.PublishedID,
	)
	if err != nil {
		return fmt.Errorf("failed to add %s/%s to edit buffer: %w", entry.SourceID, entry.PostID, err)
	}
	return nil
}

// UpdateEditBufferPublishedID sets the published id on a buffer entry once
// the post is actually published.
func (db *DB) UpdateEditBufferPublishedID(sourceID, postID, publishedID string) error {
	query := `
		UPDATE edit_buffer SET published_id = ?
		WHERE source_id = ? AND post_id = ?;
	`
	_, err := db.Exec(query, publishedID, sourceID, postID)
	if err != nil {
		return fmt.Errorf("failed to update edit buffer published id for %s/%s: %w", sourceID, postID, err)
	}
	return nil
}

// MarkEditSuperseded flags an older buffered entry as obsolete because a
// newer version of the same logical post was found in the same batch.
func (db *DB) MarkEditSuperseded(sourceID, postID string) error {
	query := `
		UPDATE edit_buffer SET superseded = 1
		WHERE source_id = ? AND post_id = ?;
	`
	_, err := db.Exec(query, sourceID, postID)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s superseded: %w", sourceID, postID, err)
	}
	return nil
}

// FindByTextHash returns the most recent non-superseded buffer entry with
// the given normalized-text hash for a username, created within the given
// window, or nil. Entries past the window still sit in the table until
// cleanup but must not match.
func (db *DB) FindByTextHash(username, hash string, within time.Duration) (*models.EditBufferEntry, error) {
	query := `
		SELECT id, source_id, post_id, username, text_normalized, text_hash, published_id, superseded, created_at
		FROM edit_buffer
		WHERE username = ? AND text_hash = ? AND superseded = 0 AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`
	cutoff := time.Now().UTC().Add(-within)
	entry, err := db.scanBufferRow(db.QueryRow(query, username, hash, cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to find edit buffer entry by hash for @%s: %w", username, err)
	}
	return entry, nil
}

// FindRecentBufferEntries returns non-superseded buffer entries for a
// username created within the given window, newest first.
func (db *DB) FindRecentBufferEntries(username string, within time.Duration) ([]models.EditBufferEntry, error) {
	query := `
		SELECT id, source_id, post_id, username, text_normalized, text_hash, published_id, superseded, created_at
		FROM edit_buffer
		WHERE username = ? AND superseded = 0 AND created_at >= ?
		ORDER BY created_at DESC, id DESC;
	`
	cutoff := time.Now().UTC().Add(-within)
	rows, err := db.Query(query, username, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent edit buffer entries for @%s: %w", username, err)
	}
	defer rows.Close()

	var entries []models.EditBufferEntry
	for rows.Next() {
		var e models.EditBufferEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.PostID, &e.Username, &e.TextNormalized, &e.TextHash, &e.PublishedID, &e.Superseded, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edit buffer entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupEditBuffer purges entries older than the retention window and
// returns the number removed.
func (db *DB) CleanupEditBuffer(retention time.Duration) (int64, error) {
	query := `DELETE FROM edit_buffer WHERE created_at < ?;`
	cutoff := time.Now().UTC().Add(-retention)
	res, err := db.Exec(query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up edit buffer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (db *DB) scanBufferRow(row *sql.Row) (*models.EditBufferEntry, error) {
	var e models.EditBufferEntry
	err := row.Scan(&e.ID, &e.SourceID, &e.PostID, &e.Username, &e.TextNormalized, &e.TextHash, &e.PublishedID, &e.Superseded, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

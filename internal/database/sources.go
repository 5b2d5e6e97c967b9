package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"zpravobot/internal/models"
)

// ---- Source Operations ----

// SaveSource inserts or updates a source configuration.
func (db *DB) SaveSource(cfg *models.SourceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode source config %s: %w", cfg.ID, err)
	}
	query := `
		INSERT INTO sources (id, platform, config, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			config = excluded.config,
			updated_at = CURRENT_TIMESTAMP;
	`
	if _, err := db.Exec(query, cfg.ID, string(cfg.Platform), string(raw)); err != nil {
		return fmt.Errorf("failed to save source %s: %w", cfg.ID, err)
	}
	return nil
}

// GetSource retrieves one source configuration, or nil when unknown.
func (db *DB) GetSource(id string) (*models.SourceConfig, error) {
	query := `SELECT config FROM sources WHERE id = ?;`
	var raw string
	err := db.QueryRow(query, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source %s: %w", id, err)
	}
	var cfg models.SourceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode source config %s: %w", id, err)
	}
	return &cfg, nil
}

// ListSources returns all configured sources.
func (db *DB) ListSources() ([]*models.SourceConfig, error) {
	rows, err := db.Query(`SELECT config FROM sources ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.SourceConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		var cfg models.SourceConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode source config: %w", err)
		}
		sources = append(sources, &cfg)
	}
	return sources, rows.Err()
}

// GetLastCheckedPostID retrieves the fetch baseline for a source.
func (db *DB) GetLastCheckedPostID(sourceID string) (sql.NullString, error) {
	query := `SELECT last_checked_post_id FROM sources WHERE id = ?;`
	var lastCheckedID sql.NullString
	err := db.QueryRow(query, sourceID).Scan(&lastCheckedID)
	if err != nil {
		if err == sql.ErrNoRows {
			return sql.NullString{}, nil
		}
		return sql.NullString{}, fmt.Errorf("failed to get last checked post id for %s: %w", sourceID, err)
	}
	return lastCheckedID, nil
}

// UpdateLastCheckedPostID updates the fetch baseline for a source.
func (db *DB) UpdateLastCheckedPostID(sourceID, postID string) error {
	query := `UPDATE sources SET last_checked_post_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`
	if _, err := db.Exec(query, postID, sourceID); err != nil {
		return fmt.Errorf("failed to update last checked post id for %s: %w", sourceID, err)
	}
	return nil
}

// ---- Stats Operations ----

// GetTotalPublished returns the number of published records.
func (db *DB) GetTotalPublished() (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM published_posts;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count published posts: %w", err)
	}
	return count, nil
}

// GetLastPublishTime returns the timestamp of the most recent publish for
// a source.
func (db *DB) GetLastPublishTime(sourceID string) (sql.NullTime, error) {
	var last sql.NullTime
	err := db.QueryRow(`SELECT MAX(created_at) FROM published_posts WHERE source_id = ?;`, sourceID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return last, fmt.Errorf("failed to get last publish time for %s: %w", sourceID, err)
	}
	return last, nil
}

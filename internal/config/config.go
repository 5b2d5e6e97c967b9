package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service-level application configuration. Per-source
// settings live in the database (models.SourceConfig).
type Config struct {
	DatabasePath string
	ListenAddr   string // Address for the status web server (e.g., ":8080")
	SyncInterval time.Duration

	MastodonServer      string // e.g., "https://zpravobot.news"
	MastodonAccessToken string

	BlueskyIdentifier string // Bluesky handle or email
	BlueskyPassword   string // Bluesky app password

	NitterInstance string // Base URL of the Nitter instance used for scraping
	FirehoseURL    string // Optional websocket URL for the real-time signal

	// SourcesFile optionally points at a JSON file of source configs that
	// is loaded into the database on startup.
	SourcesFile string

	// EditBufferRetention bounds how long seen-post fingerprints are kept
	// for similarity comparison.
	EditBufferRetention time.Duration
	// CleanupInterval controls the periodic edit-buffer maintenance sweep.
	CleanupInterval time.Duration

	// SuppressNoNewPostsLogs controls logging for sync cycles with no new posts.
	SuppressNoNewPostsLogs bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	return &Config{
		DatabasePath:           getEnv("DATABASE_PATH", "zpravobot.db"),
		ListenAddr:             getEnv("LISTEN_ADDR", ":8080"),
		SyncInterval:           time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 5)) * time.Minute,
		MastodonServer:         getEnv("MASTODON_SERVER", ""), // Must be provided by user
		MastodonAccessToken:    getEnv("MASTODON_ACCESS_TOKEN", ""),
		BlueskyIdentifier:      getEnv("BLUESKY_IDENTIFIER", ""),
		BlueskyPassword:        getEnv("BLUESKY_PASSWORD", ""),
		NitterInstance:         getEnv("NITTER_INSTANCE", ""),
		FirehoseURL:            getEnv("FIREHOSE_URL", ""),
		SourcesFile:            getEnv("SOURCES_FILE", ""),
		EditBufferRetention:    time.Duration(getEnvInt("EDIT_BUFFER_RETENTION_HOURS", 2)) * time.Hour,
		CleanupInterval:        time.Duration(getEnvInt("CLEANUP_INTERVAL_MINUTES", 30)) * time.Minute,
		SuppressNoNewPostsLogs: getEnvBool("SUPPRESS_NO_NEW_POSTS_LOGS", false),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid %s value '%s', using default %d: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("Invalid %s value '%s', using default %t: %v", key, raw, fallback, err)
		return fallback
	}
	return v
}

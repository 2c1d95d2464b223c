package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all process configuration read from the environment.
type Config struct {
	// StorePath is the SQLite file holding post records.
	StorePath string

	// BackupDir receives dated store snapshots.
	BackupDir string

	// BackupSchedule is the cron spec of the daily backup.
	BackupSchedule string

	// BackupKeep is the number of snapshots retained.
	BackupKeep int

	// Port is the HTTP server port for health, metrics and stats.
	Port int

	// Twitter API credentials (OAuth 2.0 user context).
	APIBase      string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string

	// BotUsername identifies the bot among retweeters when the API does not
	// return its id.
	BotUsername string

	// DetectorURL is the websocket endpoint of the frame classifier. Empty
	// disables visual inspection.
	DetectorURL string

	// External tools.
	YTDLPPath   string
	FFprobePath string
	FFmpegPath  string

	// WorkDir holds temporary downloads and frames.
	WorkDir string

	// PolicyPath is an optional YAML filter policy file.
	PolicyPath string

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envInt("PORT", 9090)
	if err != nil {
		return nil, err
	}
	keep, err := envInt("BACKUP_KEEP", 7)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	accessToken := os.Getenv("TWITTER_ACCESS_TOKEN")
	if accessToken == "" {
		return nil, fmt.Errorf("TWITTER_ACCESS_TOKEN is required")
	}

	return &Config{
		StorePath:      envOrDefault("STORE_PATH", "war_retweets.db"),
		BackupDir:      envOrDefault("BACKUP_DIR", "backups"),
		BackupSchedule: envOrDefault("BACKUP_SCHEDULE", "0 4 * * *"),
		BackupKeep:     keep,
		Port:           port,
		APIBase:        os.Getenv("TWITTER_API_BASE"),
		ClientID:       os.Getenv("TWITTER_CLIENT_ID"),
		ClientSecret:   os.Getenv("TWITTER_CLIENT_SECRET"),
		AccessToken:    accessToken,
		RefreshToken:   os.Getenv("TWITTER_REFRESH_TOKEN"),
		BotUsername:    envOrDefault("BOT_USERNAME", "UkraineWarClips"),
		DetectorURL:    os.Getenv("DETECTOR_URL"),
		YTDLPPath:      envOrDefault("YTDLP_PATH", "yt-dlp"),
		FFprobePath:    envOrDefault("FFPROBE_PATH", "ffprobe"),
		FFmpegPath:     envOrDefault("FFMPEG_PATH", "ffmpeg"),
		WorkDir:        envOrDefault("WORK_DIR", os.TempDir()),
		PolicyPath:     os.Getenv("POLICY_PATH"),
		LogLevel:       level,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

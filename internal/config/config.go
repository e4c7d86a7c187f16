package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	IdentityURL        string
	IdentityTokensFile string

	MatchTTL            time.Duration
	SessionIdle         time.Duration
	SweepInterval       time.Duration
	MaxResidentSessions int
	CodeRetryLimit      int

	AllowedOrigins []string
	MessagesDir    string
	SendBuffer     int
}

// LoadDotEnv loads key=value pairs from path without overriding variables
// already present in the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:          ":8080",
		MatchTTL:            72 * time.Hour,
		SessionIdle:         30 * time.Minute,
		SweepInterval:       time.Minute,
		MaxResidentSessions: 10000,
		CodeRetryLimit:      5,
		SendBuffer:          64,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.IdentityURL = strings.TrimSpace(os.Getenv("IDENTITY_URL"))
	cfg.IdentityTokensFile = strings.TrimSpace(os.Getenv("IDENTITY_TOKENS_FILE"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))
	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))

	// 0 disables expiry of match records.
	if n, ok := intEnv("MATCH_TTL_SEC", 0); ok {
		cfg.MatchTTL = time.Duration(n) * time.Second
	}
	if n, ok := intEnv("SESSION_IDLE_SEC", 1); ok {
		cfg.SessionIdle = time.Duration(n) * time.Second
	}
	if n, ok := intEnv("SWEEP_INTERVAL_SEC", 1); ok {
		cfg.SweepInterval = time.Duration(n) * time.Second
	}
	if n, ok := intEnv("MAX_RESIDENT_SESSIONS", 1); ok {
		cfg.MaxResidentSessions = n
	}
	if n, ok := intEnv("CODE_RETRY_LIMIT", 1); ok {
		cfg.CodeRetryLimit = n
	}
	if n, ok := intEnv("SEND_BUFFER", 1); ok {
		cfg.SendBuffer = n
	}

	if cfg.IdentityURL == "" && cfg.IdentityTokensFile == "" {
		return nil, errors.New("IDENTITY_URL or IDENTITY_TOKENS_FILE is required")
	}
	return cfg, nil
}

// intEnv returns the parsed value when it is set, numeric and at least min.
func intEnv(key string, min int) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

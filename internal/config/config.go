package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int

	// Identify
	IdentifyMaxAttempts int
	IdentifyTimeout     time.Duration

	// Rate Limit
	RateLimitIdentify int // req/min per client IP
	RateLimitBurst    int

	// Repair worker
	RepairInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// TrustedProxies はX-Forwarded-For等を信頼する接続元。空の場合は転送ヘッダーを使わない。
	TrustedProxies []netip.Prefix
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if !isSupportedDatabaseURL(cfg.DatabaseURL) {
		return nil, fmt.Errorf("DATABASE_URL must start with postgres://, postgresql:// or sqlite: (got %q)", redactURL(cfg.DatabaseURL))
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.IdentifyMaxAttempts = getEnvInt("IDENTIFY_MAX_ATTEMPTS", 3)
	cfg.IdentifyTimeout = getEnvDuration("IDENTIFY_TIMEOUT", 5*time.Second)
	cfg.RateLimitIdentify = getEnvInt("RATE_LIMIT_IDENTIFY", 120)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 20)
	cfg.RepairInterval = getEnvDuration("REPAIR_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")

	trusted, err := parseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = trusted

	if cfg.IdentifyMaxAttempts < 1 {
		cfg.IdentifyMaxAttempts = 1
	}
	if cfg.DBMaxOpenConns < 1 {
		cfg.DBMaxOpenConns = 1
	}

	return cfg, nil
}

// isSupportedDatabaseURL は対応するデータベースURLのスキームかどうかを判定する。
func isSupportedDatabaseURL(databaseURL string) bool {
	for _, prefix := range []string{"postgres://", "postgresql://", "sqlite:"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return true
		}
	}
	return false
}

// redactURL はエラーメッセージ用にURLのスキーム以降を伏せる。
func redactURL(databaseURL string) string {
	if i := strings.Index(databaseURL, "://"); i >= 0 {
		return databaseURL[:i+3] + "***"
	}
	return "***"
}

// parseTrustedProxies はカンマ区切りのIPアドレスまたはCIDRを解析する。
// 単独のIPアドレスは/32（IPv6は/128）のプレフィックスとして扱う。空文字列はnilを返す。
func parseTrustedProxies(s string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", part, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", part, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

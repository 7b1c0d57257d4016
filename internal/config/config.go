package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server configures the development chat backend.
type Server struct {
	AppName     string
	Env         string
	Host        string
	Port        int
	DatabaseURL string

	JWTSecret          string
	AccessTokenMinutes int
	EncryptKey         string

	CORSOrigins     []string
	Debug           bool
	LogLevel        string
	LogFormat       string
	HistoryMaxLimit int

	// Per-connection limiter for inbound sendMessage frames.
	WSSendRate  float64
	WSSendBurst int
}

// Client configures the sync core and the terminal client.
type Client struct {
	APIURL string
	WSURL  string
	Token  string
	SelfID string

	HistoryPageSize   int
	SendTimeout       time.Duration
	EchoMatchWindow   time.Duration
	ReadBatchWindow   time.Duration
	AckConcurrency    int
	AckMaxAttempts    int
	ResyncOnReconnect bool

	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration

	LogLevel  string
	LogFormat string
}

func LoadServer() (*Server, error) {
	cfg := &Server{
		AppName:     getEnv("APP_NAME", "vibechat dev server"),
		Env:         getEnv("APP_ENV", "development"),
		Host:        getEnv("HTTP_HOST", "0.0.0.0"),
		Port:        getEnvAsInt("HTTP_PORT", 8000),
		DatabaseURL: getEnv("DATABASE_URL", "file:vibechat.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		AccessTokenMinutes: getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),
		EncryptKey:         os.Getenv("ENCRYPTION_KEY"),

		Debug:           getEnvAsBool("DEBUG", true),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		HistoryMaxLimit: getEnvAsInt("HISTORY_MAX_LIMIT", 200),

		WSSendRate:  getEnvAsFloat("WS_SEND_RATE", 5),
		WSSendBurst: getEnvAsInt("WS_SEND_BURST", 10),
	}

	cfg.CORSOrigins = getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"})

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.HistoryMaxLimit <= 0 {
		return nil, fmt.Errorf("HISTORY_MAX_LIMIT must be positive")
	}
	return cfg, nil
}

func (c *Server) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Driver picks the database driver from the DATABASE_URL scheme.
func (c *Server) Driver() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func LoadClient() (*Client, error) {
	cfg := &Client{
		APIURL: strings.TrimRight(getEnv("CHAT_API_URL", "http://localhost:8000/api"), "/"),
		WSURL:  getEnv("CHAT_WS_URL", "ws://localhost:8000/ws"),
		Token:  os.Getenv("CHAT_TOKEN"),
		SelfID: os.Getenv("CHAT_SELF_ID"),

		HistoryPageSize:   getEnvAsInt("CHAT_HISTORY_PAGE_SIZE", 50),
		SendTimeout:       getEnvAsDuration("CHAT_SEND_TIMEOUT", 10*time.Second),
		EchoMatchWindow:   getEnvAsDuration("CHAT_ECHO_MATCH_WINDOW", 2*time.Minute),
		ReadBatchWindow:   getEnvAsDuration("CHAT_READ_BATCH_WINDOW", 300*time.Millisecond),
		AckConcurrency:    getEnvAsInt("CHAT_ACK_CONCURRENCY", 4),
		AckMaxAttempts:    getEnvAsInt("CHAT_ACK_MAX_ATTEMPTS", 3),
		ResyncOnReconnect: getEnvAsBool("CHAT_RESYNC_ON_RECONNECT", true),

		HandshakeTimeout: getEnvAsDuration("CHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
		ReconnectMin:     getEnvAsDuration("CHAT_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax:     getEnvAsDuration("CHAT_RECONNECT_MAX", 30*time.Second),
		PingInterval:     getEnvAsDuration("CHAT_PING_INTERVAL", 25*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if cfg.HistoryPageSize <= 0 {
		return nil, fmt.Errorf("CHAT_HISTORY_PAGE_SIZE must be positive")
	}
	if cfg.SendTimeout <= 0 {
		return nil, fmt.Errorf("CHAT_SEND_TIMEOUT must be positive")
	}
	if cfg.AckConcurrency <= 0 {
		cfg.AckConcurrency = 1
	}
	if cfg.AckMaxAttempts <= 0 {
		cfg.AckMaxAttempts = 1
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("CHAT_RECONNECT_MIN/MAX: invalid range %s..%s", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvAsDuration accepts Go durations ("1.5s") or bare milliseconds.
func getEnvAsDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getEnvAsList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

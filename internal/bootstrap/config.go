package bootstrap

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	DeepgramAPIKey string
	DeepgramURL    string

	KeepAliveInterval time.Duration
	ReconnectOnClose  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StaticDir string
	IndexHTML string
}

// LoadConfig reads the environment, after loading a .env file from the
// working directory when one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()
	return configFromEnv()
}

func configFromEnv() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":5000"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramURL:    getEnv("DEEPGRAM_URL", ""),

		KeepAliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 10*time.Second),
		ReconnectOnClose:  getEnvBool("RECONNECT_ON_CLOSE", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StaticDir: getEnv("STATIC_DIR", "./public"),
		IndexHTML: getEnv("INDEX_HTML", "./public/index.html"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

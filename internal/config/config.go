package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Store    StoreConfig
	Security SecurityConfig
	Identity IdentityConfig
	Alert    AlertConfig
}

type ServerConfig struct {
	Port                    string
	Env                     string
	LogLevel                string
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	TrustedProxies          []string
	SecureCookies           bool
	GlobalRequestsPerMinute int
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type StoreConfig struct {
	Backend       string
	KeyPrefix     string
	SweepInterval time.Duration
}

// SecurityConfig is the single place every guard threshold comes from
type SecurityConfig struct {
	MaxLoginAttempts   int
	LockoutDuration    time.Duration
	SessionTimeout     time.Duration
	RotationInterval   time.Duration
	CSRFTokenLifetime  time.Duration
	CSRFCheckIP        bool
	CSRFCheckUserAgent bool
	CSRFFieldName      string

	LoginRateLimit       int
	LoginRateWindow      time.Duration
	ProgressiveBaseDelay time.Duration
	ProgressiveMaxDelay  time.Duration
}

// IdentityConfig describes the static user directory (username -> bcrypt hash)
type IdentityConfig struct {
	Users  map[string]string
	Admins []string
}

type AlertConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
	Recipients  []string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Server: ServerConfig{
			Port:                    getEnv("PORT", "8080"),
			Env:                     env,
			LogLevel:                getEnv("LOG_LEVEL", "info"),
			ReadTimeout:             getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:            getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:             getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies:          getEnvAsList("TRUSTED_PROXIES"),
			SecureCookies:           getEnvAsBool("SECURE_COOKIES", env == "production"),
			GlobalRequestsPerMinute: getEnvAsInt("GLOBAL_REQUESTS_PER_MINUTE", 300),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "ladderguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			KeyPrefix:     getEnv("STORE_KEY_PREFIX", "ladderguard:"),
			SweepInterval: getEnvAsDuration("STORE_SWEEP_INTERVAL", 10*time.Minute),
		},
		Security: SecurityConfig{
			MaxLoginAttempts:     getEnvAsInt("MAX_LOGIN_ATTEMPTS", 5),
			LockoutDuration:      getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			SessionTimeout:       getEnvAsDuration("SESSION_TIMEOUT", 30*time.Minute),
			RotationInterval:     getEnvAsDuration("SESSION_ROTATION_INTERVAL", 30*time.Minute),
			CSRFTokenLifetime:    getEnvAsDuration("CSRF_TOKEN_LIFETIME", 1*time.Hour),
			CSRFCheckIP:          getEnvAsBool("CSRF_CHECK_IP", false),
			CSRFCheckUserAgent:   getEnvAsBool("CSRF_CHECK_USER_AGENT", true),
			CSRFFieldName:        getEnv("CSRF_FIELD_NAME", "csrf_token"),
			LoginRateLimit:       getEnvAsInt("LOGIN_RATE_LIMIT", 10),
			LoginRateWindow:      getEnvAsDuration("LOGIN_RATE_WINDOW", 1*time.Minute),
			ProgressiveBaseDelay: getEnvAsDuration("PROGRESSIVE_BASE_DELAY", 1*time.Second),
			ProgressiveMaxDelay:  getEnvAsDuration("PROGRESSIVE_MAX_DELAY", 5*time.Minute),
		},
		Identity: IdentityConfig{
			Users:  parseUsers(getEnv("IDENTITY_USERS", "")),
			Admins: getEnvAsList("IDENTITY_ADMINS"),
		},
		Alert: AlertConfig{
			Enabled:     getEnvAsBool("ALERT_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("ALERT_FROM_ADDRESS", ""),
			Recipients:  getEnvAsList("ALERT_RECIPIENTS"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, postgres (got %q)", c.Store.Backend)
	}

	if c.Server.Env == "production" && c.Store.Backend == BackendMemory {
		return fmt.Errorf("the memory store backend cannot be shared between workers; use redis or postgres in production")
	}

	s := c.Security
	if s.MaxLoginAttempts < 1 {
		return fmt.Errorf("MAX_LOGIN_ATTEMPTS must be at least 1")
	}
	if s.LockoutDuration <= 0 || s.SessionTimeout <= 0 || s.RotationInterval <= 0 || s.CSRFTokenLifetime <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION, SESSION_TIMEOUT, SESSION_ROTATION_INTERVAL and CSRF_TOKEN_LIFETIME must be positive")
	}
	if strings.TrimSpace(s.CSRFFieldName) == "" {
		return fmt.Errorf("CSRF_FIELD_NAME cannot be empty")
	}
	if s.ProgressiveMaxDelay < s.ProgressiveBaseDelay {
		return fmt.Errorf("PROGRESSIVE_MAX_DELAY must not be smaller than PROGRESSIVE_BASE_DELAY")
	}

	if c.Alert.Enabled && (c.Alert.FromAddress == "" || len(c.Alert.Recipients) == 0) {
		return fmt.Errorf("ALERT_FROM_ADDRESS and ALERT_RECIPIENTS are required when ALERT_ENABLED is set")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

// getEnvAsDuration accepts Go duration syntax ("15m") or a plain number of seconds ("900")
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseUsers reads "alice:<bcrypt>,bob:<bcrypt>"
func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, hash, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" || hash == "" {
			continue
		}
		users[strings.ToLower(name)] = hash
	}
	return users
}

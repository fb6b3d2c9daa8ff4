package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	AppPort string
	AppMode string
	LogMode string

	StoreBackend string
	StoreTimeout time.Duration
	DatabaseURL  string
	DBHost       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBPort       string
	DBMaxConns   int

	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTIssuer string

	PresenceTTL     time.Duration
	TypingTimeout   time.Duration
	WSSendBuffer    int
	WSMaxConnPerMin int
	MessagesPerMin  int

	// WSCheckParticipant makes join:conversation verify membership against the
	// store. Off by default: the store already guards history and sends.
	WSCheckParticipant bool

	KafkaBrokers []string
	KafkaTopic   string

	CORSOrigins []string
}

// fileConfig mirrors the optional TOML file named by CONFIG_FILE.
// Values found there become the defaults that environment variables override.
type fileConfig struct {
	App struct {
		Port        string   `toml:"port"`
		Mode        string   `toml:"mode"`
		LogMode     string   `toml:"log_mode"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"app"`
	Store struct {
		Backend   string `toml:"backend"`
		TimeoutMS int    `toml:"timeout_ms"`
		URL       string `toml:"url"`
		MaxConns  int    `toml:"max_conns"`
	} `toml:"store"`
	Redis struct {
		Enabled  *bool  `toml:"enabled"`
		Host     string `toml:"host"`
		Port     string `toml:"port"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`
	Auth struct {
		Secret string `toml:"jwt_secret"`
		Issuer string `toml:"jwt_issuer"`
	} `toml:"auth"`
	Realtime struct {
		PresenceTTLSec   int   `toml:"presence_ttl_sec"`
		TypingTimeoutSec int   `toml:"typing_timeout_sec"`
		SendBuffer       int   `toml:"send_buffer"`
		MaxConnPerMin    int   `toml:"max_conn_per_min"`
		MessagesPerMin   int   `toml:"messages_per_min"`
		CheckParticipant *bool `toml:"check_participant"`
	} `toml:"realtime"`
	Kafka struct {
		Brokers []string `toml:"brokers"`
		Topic   string   `toml:"topic"`
	} `toml:"kafka"`
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	var file fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			log.Printf("Ignoring config file %s: %v", path, err)
		} else {
			file = *loaded
		}
	}

	redisEnabled := false
	if file.Redis.Enabled != nil {
		redisEnabled = *file.Redis.Enabled
	}
	checkParticipant := false
	if file.Realtime.CheckParticipant != nil {
		checkParticipant = *file.Realtime.CheckParticipant
	}

	return &Config{
		AppPort: getEnv("APP_PORT", or(file.App.Port, "8080")),
		AppMode: getEnv("APP_MODE", or(file.App.Mode, "debug")),
		LogMode: getEnv("LOG_MODE", or(file.App.LogMode, "development")),

		StoreBackend: getEnv("STORE_BACKEND", or(file.Store.Backend, StoreBackendPostgres)),
		StoreTimeout: getEnvAsMillis("STORE_TIMEOUT_MS", orInt(file.Store.TimeoutMS, 5000)),
		DatabaseURL:  getEnv("DATABASE_URL", file.Store.URL),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBUser:       getEnv("DB_USER", "postgres"),
		DBPassword:   getEnv("DB_PASSWORD", "postgres"),
		DBName:       getEnv("DB_NAME", "marketchat"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBMaxConns:   getEnvAsInt("DB_MAX_CONNS", orInt(file.Store.MaxConns, 20)),

		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", redisEnabled),
		RedisHost:     getEnv("REDIS_HOST", or(file.Redis.Host, "localhost")),
		RedisPort:     getEnv("REDIS_PORT", or(file.Redis.Port, "6379")),
		RedisPassword: getEnv("REDIS_PASSWORD", file.Redis.Password),
		RedisDB:       getEnvAsInt("REDIS_DB", file.Redis.DB),

		JWTSecret: getEnv("JWT_SECRET", or(file.Auth.Secret, "change-me")),
		JWTIssuer: getEnv("JWT_ISSUER", file.Auth.Issuer),

		PresenceTTL:     getEnvAsSeconds("PRESENCE_TTL_SEC", orInt(file.Realtime.PresenceTTLSec, 120)),
		TypingTimeout:   getEnvAsSeconds("TYPING_TIMEOUT_SEC", orInt(file.Realtime.TypingTimeoutSec, 5)),
		WSSendBuffer:    getEnvAsInt("WS_SEND_BUFFER", orInt(file.Realtime.SendBuffer, 256)),
		WSMaxConnPerMin: getEnvAsInt("WS_MAX_CONN_PER_MIN", orInt(file.Realtime.MaxConnPerMin, 30)),
		MessagesPerMin:  getEnvAsInt("MESSAGES_PER_MIN", orInt(file.Realtime.MessagesPerMin, 60)),

		WSCheckParticipant: getEnvAsBool("WS_CHECK_PARTICIPANT", checkParticipant),

		KafkaBrokers: getEnvAsList("KAFKA_BROKERS", file.Kafka.Brokers),
		KafkaTopic:   getEnv("KAFKA_TOPIC", or(file.Kafka.Topic, "marketchat.messages")),

		CORSOrigins: getEnvAsList("CORS_ORIGINS", orList(file.App.CORSOrigins, []string{"*"})),
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.AppMode == "release" && c.JWTSecret == "change-me" {
		errs = append(errs, errors.New("JWT_SECRET must be changed in release mode"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT_MS must be positive"))
	}
	if c.TypingTimeout <= 0 {
		errs = append(errs, errors.New("TYPING_TIMEOUT_SEC must be positive"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	return errors.Join(errs...)
}

// PostgresDSN returns DATABASE_URL when set, otherwise a DSN built from the DB_* parts.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func loadFile(path string) (*fileConfig, error) {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback)) * time.Second
}

func getEnvAsMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback)) * time.Millisecond
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func orList(value, fallback []string) []string {
	if len(value) > 0 {
		return value
	}
	return fallback
}

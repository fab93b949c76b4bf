package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Provider  ProviderConfig
	Alert     AlertConfig
	Schedule  ScheduleConfig
	Transport TransportConfig
	HTTP      HTTPConfig
	Log       LogConfig

	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver     string
	URL        string
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// ConnectionString returns the DSN for the configured driver. DATABASE_URL
// wins over the individual postgres settings when present.
func (d DatabaseConfig) ConnectionString() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Driver == DriverSQLite {
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", d.SQLitePath)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether the station snapshot cache should be used.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type KafkaConfig struct {
	Brokers            []string
	TopicNotifications string
	GroupID            string
}

type ProviderConfig struct {
	APIKey      string
	StationsURL string
	ReadingsURL string
	Schema      string
	Timeout     time.Duration
	Timezone    *time.Location
}

type AlertConfig struct {
	Cooldown         time.Duration
	DefaultThreshold int
}

// JobSchedule pairs a schedule expression with its misfire grace window.
type JobSchedule struct {
	Spec  string
	Grace time.Duration
}

type ScheduleConfig struct {
	Stations     JobSchedule
	Readings     JobSchedule
	Alerts       JobSchedule
	LocationPush JobSchedule
}

type TransportConfig struct {
	Kind                string
	LineChannelToken    string
	LinePushURL         string
	Timeout             time.Duration
	RatePerSecond       float64
	LocationConcurrency int
}

const (
	TransportLog   = "log"
	TransportLine  = "line"
	TransportKafka = "kafka"
)

type HTTPConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := &envReader{}

	config := &Config{
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", DriverPostgres),
			URL:        getEnv("DATABASE_URL", ""),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       env.getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "aqi_user"),
			Password:   getEnv("DB_PASSWORD", "aqi_pass"),
			DBName:     getEnv("DB_NAME", "air_quality_db"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "data/air_quality.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       env.getEnvAsInt("REDIS_DB", 0),
			TTL:      env.getEnvAsDuration("STATION_CACHE_TTL", 10*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:            splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			TopicNotifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "aqi.notifications"),
			GroupID:            getEnv("KAFKA_GROUP_ID", "aqi-notifier"),
		},
		Provider: ProviderConfig{
			APIKey:      getEnv("EPA_API_KEY", ""),
			StationsURL: getEnv("EPA_STATIONS_URL", "https://data.moenv.gov.tw/api/v2/aqx_p_07"),
			ReadingsURL: getEnv("EPA_READINGS_URL", "https://data.moenv.gov.tw/api/v2/aqx_p_13"),
			Schema:      strings.ToLower(getEnv("PROVIDER_SCHEMA", "v2")),
			Timeout:     env.getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
			Timezone:    env.getEnvAsLocation("PROVIDER_TIMEZONE", "Asia/Taipei"),
		},
		Alert: AlertConfig{
			Cooldown:         env.getEnvAsDuration("ALERT_COOLDOWN", 3*time.Hour),
			DefaultThreshold: env.getEnvAsInt("DEFAULT_THRESHOLD", 100),
		},
		Schedule: ScheduleConfig{
			Stations: JobSchedule{
				Spec:  getEnv("SCHEDULE_STATIONS", "@every 24h"),
				Grace: env.getEnvAsDuration("GRACE_STATIONS", time.Hour),
			},
			Readings: JobSchedule{
				Spec:  getEnv("SCHEDULE_READINGS", "@every 1h"),
				Grace: env.getEnvAsDuration("GRACE_READINGS", 15*time.Minute),
			},
			Alerts: JobSchedule{
				Spec:  getEnv("SCHEDULE_ALERTS", "@every 30m"),
				Grace: env.getEnvAsDuration("GRACE_ALERTS", 10*time.Minute),
			},
			LocationPush: JobSchedule{
				Spec:  getEnv("SCHEDULE_LOCATION_PUSH", "0 8 * * *"),
				Grace: env.getEnvAsDuration("GRACE_LOCATION_PUSH", 10*time.Minute),
			},
		},
		Transport: TransportConfig{
			Kind:                strings.ToLower(getEnv("TRANSPORT", TransportLog)),
			LineChannelToken:    getEnv("LINE_CHANNEL_TOKEN", ""),
			LinePushURL:         getEnv("LINE_PUSH_URL", "https://api.line.me/v2/bot/message/push"),
			Timeout:             env.getEnvAsDuration("TRANSPORT_TIMEOUT", 10*time.Second),
			RatePerSecond:       env.getEnvAsFloat("TRANSPORT_RATE", 10),
			LocationConcurrency: env.getEnvAsInt("LOCATION_PUSH_CONCURRENCY", 4),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		ShutdownTimeout: env.getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	switch c.Provider.Schema {
	case "v1", "v2":
	default:
		return fmt.Errorf("PROVIDER_SCHEMA must be v1 or v2, got %q", c.Provider.Schema)
	}
	switch c.Transport.Kind {
	case TransportLog, TransportKafka:
	case TransportLine:
		if c.Transport.LineChannelToken == "" {
			return errors.New("TRANSPORT is line but LINE_CHANNEL_TOKEN is not set")
		}
	default:
		return fmt.Errorf("TRANSPORT must be log, line or kafka, got %q", c.Transport.Kind)
	}
	if c.Transport.Kind == TransportKafka && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when TRANSPORT is kafka")
	}
	if c.Alert.DefaultThreshold <= 0 {
		return errors.New("DEFAULT_THRESHOLD must be positive")
	}
	if c.Alert.Cooldown <= 0 {
		return errors.New("ALERT_COOLDOWN must be positive")
	}
	if c.Transport.LocationConcurrency <= 0 {
		return errors.New("LOCATION_PUSH_CONCURRENCY must be positive")
	}
	if c.Transport.RatePerSecond <= 0 {
		return errors.New("TRANSPORT_RATE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envReader parses typed variables and remembers every malformed one so
// Load can report them together.
type envReader struct {
	errs []error
}

func (r *envReader) getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, valueStr, err))
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, valueStr, err))
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, valueStr, err))
		return defaultValue
	}
	if value <= 0 {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: must be positive", key, valueStr))
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsLocation(key, defaultValue string) *time.Location {
	name := getEnv(key, defaultValue)
	loc, err := time.LoadLocation(name)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, name, err))
		return time.UTC
	}
	return loc
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

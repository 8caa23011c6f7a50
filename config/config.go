package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadnexy/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

type SMSConfig struct {
	GatewayURL string `json:"gateway_url"`
	APIKey     string `json:"-"`
	From       string `json:"from"`
}

type IMAPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username"`
	Password     string        `json:"-"`
	Encryption   string        `json:"encryption"` // SSL, STARTTLS or plain
	PollInterval time.Duration `json:"poll_interval"`
}

// EngineConfig carries the dispatch policy knobs.
type EngineConfig struct {
	DispatchConcurrency int           `json:"dispatch_concurrency"`
	MaxSendAttempts     int           `json:"max_send_attempts"`
	BaseBackoff         time.Duration `json:"base_backoff"`
	MaxBackoff          time.Duration `json:"max_backoff"`
	SendTimeout         time.Duration `json:"send_timeout"`
	DefaultToken        string        `json:"default_token"`
	QuietHoursStart     string        `json:"quiet_hours_start"`
	QuietHoursEnd       string        `json:"quiet_hours_end"`
	Timezone            string        `json:"timezone"`
	GateTriggeredSends  bool          `json:"gate_triggered_sends"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret       string `json:"-"`
	SentryDSN       string `json:"-"`
	RateLimitEvents int    `json:"rate_limit_events"`

	Redis  RedisConfig  `json:"redis"`
	SMTP   SMTPConfig   `json:"smtp"`
	SMS    SMSConfig    `json:"sms"`
	IMAP   IMAPConfig   `json:"imap"`
	Engine EngineConfig `json:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadnexy"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		RateLimitEvents: getEnvAsInt("RATE_LIMIT_EVENTS", 120),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
			FromName:  getEnv("SMTP_FROM_NAME", ""),
		},
		SMS: SMSConfig{
			GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
			APIKey:     getEnv("SMS_GATEWAY_API_KEY", ""),
			From:       getEnv("SMS_FROM", ""),
		},
		IMAP: IMAPConfig{
			Host:         getEnv("IMAP_HOST", ""),
			Port:         getEnvAsInt("IMAP_PORT", 993),
			Username:     getEnv("IMAP_USERNAME", ""),
			Password:     getEnv("IMAP_PASSWORD", ""),
			Encryption:   getEnv("IMAP_ENCRYPTION", "SSL"),
			PollInterval: getEnvAsDuration("IMAP_POLL_INTERVAL", 2*time.Minute),
		},
		Engine: EngineConfig{
			DispatchConcurrency: getEnvAsInt("ENGINE_DISPATCH_CONCURRENCY", 8),
			MaxSendAttempts:     getEnvAsInt("ENGINE_MAX_SEND_ATTEMPTS", 5),
			BaseBackoff:         getEnvAsDuration("ENGINE_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:          getEnvAsDuration("ENGINE_MAX_BACKOFF", time.Hour),
			SendTimeout:         getEnvAsDuration("ENGINE_SEND_TIMEOUT", 30*time.Second),
			DefaultToken:        getEnv("ENGINE_DEFAULT_TOKEN", "there"),
			QuietHoursStart:     getEnv("ENGINE_QUIET_HOURS_START", "21:00"),
			QuietHoursEnd:       getEnv("ENGINE_QUIET_HOURS_END", "08:00"),
			Timezone:            getEnv("ENGINE_TIMEZONE", "UTC"),
			GateTriggeredSends:  getEnv("ENGINE_GATE_TRIGGERED_SENDS", "false") == "true",
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Channels: email(%t), sms(%t), reply-inbox(%t)",
		AppConfig.SMTP.Host != "",
		AppConfig.SMS.GatewayURL != "",
		AppConfig.IMAP.Host != "")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Lead{},
		&models.TenantSettings{},
		&models.Enrollment{},
		&models.DispatchRecord{},
		&models.SendClaim{},
		&models.ProcessedEvent{},
	)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ttacon/libphonenumber"
)

const devJWTSecret = "dev-secret-key"

// MinEscalationWindow is the floor applied to ESCALATION_WINDOW_MINUTES.
const MinEscalationWindow = time.Minute

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Identity tokens for the admin dashboard
	JWTSecret string

	// Web push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string // contact e-mail or https URL sent to push services

	// AWS Services
	AWSRegion string
	SNSRegion string // AWS region for SNS (SMS + event mirror)

	// SMS
	SMSSenderNumber  string   // origination number
	SMSAdminNumbers  []string // E.164, normalised at load
	SMSDefaultRegion string   // region used to parse numbers without a country code

	// Escalation e-mail via SES
	SESFromEmail     string
	EscalationEmails []string

	// Order ingestion queue
	SQSRegion        string
	SQSOrderQueueURL string

	// Event mirror topic
	NotifyTopicARN string

	EscalationWindow time.Duration
	StreamHeartbeat  time.Duration
	StreamMaxAge     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "orderalert",
		DBName:    "orderalert",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:        "us-east-1",
		SMSDefaultRegion: "US",
		SESFromEmail:     "noreply@orderalert.local",

		EscalationWindow: 5 * time.Minute,
		StreamHeartbeat:  25 * time.Second,
		StreamMaxAge:     6 * time.Hour,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// the development secret is public, so production must bring its own
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if cfg.Env == "production" {
			return nil, errors.New("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = devJWTSecret
	}

	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	cfg.VAPIDSubject = os.Getenv("VAPID_SUBJECT")

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SMSSenderNumber = strings.TrimSpace(os.Getenv("SMS_SENDER_NUMBER"))
	if region := os.Getenv("SMS_DEFAULT_REGION"); region != "" {
		cfg.SMSDefaultRegion = strings.ToUpper(region)
	}
	cfg.SMSAdminNumbers, err = ParsePhoneList(os.Getenv("SMS_ADMIN_NUMBERS"), cfg.SMSDefaultRegion)
	if err != nil {
		return nil, fmt.Errorf("invalid SMS_ADMIN_NUMBERS: %w", err)
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.EscalationEmails = splitList(os.Getenv("ESCALATION_EMAILS"))

	cfg.SQSOrderQueueURL = os.Getenv("SQS_ORDER_QUEUE_URL")
	cfg.NotifyTopicARN = os.Getenv("NOTIFY_TOPIC_ARN")

	minutes, err := intEnv("ESCALATION_WINDOW_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	cfg.EscalationWindow = time.Duration(minutes) * time.Minute
	if cfg.EscalationWindow < MinEscalationWindow {
		cfg.EscalationWindow = MinEscalationWindow
	}

	heartbeat, err := intEnv("STREAM_HEARTBEAT_SECONDS", 25)
	if err != nil {
		return nil, err
	}
	if heartbeat > 0 {
		cfg.StreamHeartbeat = time.Duration(heartbeat) * time.Second
	}

	maxAge, err := intEnv("STREAM_MAX_AGE_HOURS", 6)
	if err != nil {
		return nil, err
	}
	if maxAge > 0 {
		cfg.StreamMaxAge = time.Duration(maxAge) * time.Hour
	}

	return cfg, nil
}

// PushEnabled reports whether both VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// SMSEnabled reports whether SMS can be sent: a real sender number and at
// least one destination.
func (c *Config) SMSEnabled() bool {
	return !IsPlaceholderNumber(c.SMSSenderNumber) && len(c.SMSAdminNumbers) > 0
}

// EmailEnabled reports whether escalation e-mail has recipients.
func (c *Config) EmailEnabled() bool {
	return c.SESFromEmail != "" && len(c.EscalationEmails) > 0
}

// EscalationWindowMinutes is the window exposed to dashboard clients.
func (c *Config) EscalationWindowMinutes() int {
	return int(c.EscalationWindow / time.Minute)
}

var placeholderMarkers = []string{"xxx", "your", "changeme", "placeholder", "0000000"}

// IsPlaceholderNumber reports whether a sender number was left as a template
// value in the deployment environment.
func IsPlaceholderNumber(number string) bool {
	n := strings.ToLower(strings.TrimSpace(number))
	if n == "" {
		return true
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(n, marker) {
			return true
		}
	}
	return false
}

// ParsePhoneList splits a comma separated list and normalises each entry to E.164.
func ParsePhoneList(raw, defaultRegion string) ([]string, error) {
	var numbers []string
	for _, item := range splitList(raw) {
		num, err := libphonenumber.Parse(item, defaultRegion)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", item, err)
		}
		if !libphonenumber.IsValidNumber(num) {
			return nil, fmt.Errorf("invalid phone number %q", item)
		}
		numbers = append(numbers, libphonenumber.Format(num, libphonenumber.E164))
	}
	return numbers, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

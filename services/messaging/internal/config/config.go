package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the service binary.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string   `yaml:"port"`
	LogLevel                    string   `yaml:"logLevel"`
	DatabaseURL                 string   `yaml:"databaseURL"`
	RedisAddr                   string   `yaml:"redisAddr"`
	RedisPassword               string   `yaml:"redisPassword"`
	AMQPURL                     string   `yaml:"amqpURL"`
	EventsExchange              string   `yaml:"eventsExchange"`
	EventsQueue                 string   `yaml:"eventsQueue"`
	MinioEndpoint               string   `yaml:"minioEndpoint"`
	MinioAccessKey              string   `yaml:"minioAccessKey"`
	MinioSecretKey              string   `yaml:"minioSecretKey"`
	MinioBucket                 string   `yaml:"minioBucket"`
	MinioUseSSL                 bool     `yaml:"minioUseSSL"`
	JobsServiceURL              string   `yaml:"jobsServiceURL"`
	UserJWKSURL                 string   `yaml:"userJwksURL"`
	UserJWTIssuer               string   `yaml:"userJwtIssuer"`
	UserJWTAudience             string   `yaml:"userJwtAudience"`
	UserJWTLeeway               string   `yaml:"userJwtLeeway"`
	InternalJWTPrivateKeyPath   string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTAllowedIssuers   []string `yaml:"internalJwtAllowedIssuers"`
	AllowedOrigins              []string `yaml:"allowedOrigins"`
	TrustedProxies              []string `yaml:"trustedProxies"`
	ConnectRateLimitPerMinute   int      `yaml:"connectRateLimitPerMinute"`
	EventsRateLimitPerMinute    int      `yaml:"eventsRateLimitPerMinute"`
	MaxAttachmentBytes          int64    `yaml:"maxAttachmentBytes"`
	AttachmentURLTTLSeconds     int      `yaml:"attachmentUrlTtlSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MESSAGING_EVENTS_EXCHANGE"); v != "" {
		cfg.EventsExchange = v
	}
	if v := os.Getenv("MESSAGING_EVENTS_QUEUE"); v != "" {
		cfg.EventsQueue = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("JOBS_SERVICE_URL"); v != "" {
		cfg.JobsServiceURL = v
	}
	if v := os.Getenv("USER_JWKS_URL"); v != "" {
		cfg.UserJWKSURL = v
	}
	if v := os.Getenv("USER_JWT_ISSUER"); v != "" {
		cfg.UserJWTIssuer = v
	}
	if v := os.Getenv("USER_JWT_AUDIENCE"); v != "" {
		cfg.UserJWTAudience = v
	}
	if v := os.Getenv("USER_JWT_LEEWAY"); v != "" {
		cfg.UserJWTLeeway = v
	}
	if v := os.Getenv("GIGWIRE_INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("GIGWIRE_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("GIGWIRE_INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if v := os.Getenv("GIGWIRE_INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("GIGWIRE_INTERNAL_JWT_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalJWTAllowedIssuers = splitCSV(v)
	}
	if v := os.Getenv("MESSAGING_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("MESSAGING_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("MESSAGING_CONNECT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MESSAGING_EVENTS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventsRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MESSAGING_MAX_ATTACHMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxAttachmentBytes = n
		}
	}
	if v := os.Getenv("MESSAGING_ATTACHMENT_URL_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AttachmentURLTTLSeconds = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AMQPURL == "" {
		return errors.New("config: amqpURL is required (set in config.yaml or AMQP_URL)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return errors.New("config: minio credentials are required (set MINIO_ACCESS_KEY + MINIO_SECRET_KEY)")
	}
	if cfg.JobsServiceURL == "" {
		return errors.New("config: jobsServiceURL is required (set in config.yaml)")
	}
	if cfg.UserJWKSURL == "" {
		return errors.New("config: userJwksURL is required (set in config.yaml or USER_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" || strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" {
		return errors.New("config: internal service auth requires GIGWIRE_INTERNAL_JWT_PRIVATE_KEY_PATH + GIGWIRE_INTERNAL_JWT_PUBLIC_KEY_PATH")
	}
	if cfg.ConnectRateLimitPerMinute < 0 {
		return errors.New("config: connectRateLimitPerMinute must be >= 0")
	}
	if cfg.EventsRateLimitPerMinute < 0 {
		return errors.New("config: eventsRateLimitPerMinute must be >= 0")
	}
	if cfg.MaxAttachmentBytes < 0 {
		return errors.New("config: maxAttachmentBytes must be >= 0")
	}
	if cfg.AttachmentURLTTLSeconds < 0 {
		return errors.New("config: attachmentUrlTtlSeconds must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseUserJWTLeeway parses optional user JWT leeway duration string.
func ParseUserJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid userJwtLeeway duration: %w", err)
	}
	return dur, nil
}

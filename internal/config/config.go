package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config holds all configuration values, loaded from an optional config file
// and RESERVOIR_* environment variables.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	Minio   MinioConfig   `mapstructure:"minio"`
	S3      S3Config      `mapstructure:"s3"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

type AppConfig struct {
	Port      string `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	BodyLimit int    `mapstructure:"body_limit"`
	// ScratchDir holds spooled uploads and extraction scratch space.
	ScratchDir string `mapstructure:"scratch_dir"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	ModelRoot string `mapstructure:"model_root"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	SSL       bool   `mapstructure:"ssl"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

type CacheConfig struct {
	RedisAddr      string        `mapstructure:"redis_addr"`
	MemoryBytes    int64         `mapstructure:"memory_bytes"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxObjectBytes int64         `mapstructure:"max_object_bytes"`
}

type AuthConfig struct {
	DevEmail string `mapstructure:"dev_email"`
}

const (
	BackendFilesystem = "filesystem"
	BackendMinio      = "minio"
	BackendS3         = "s3"
)

var defaults = map[string]interface{}{
	"app.port":               "8080",
	"app.mode":               "dev",
	"app.body_limit":         110 * 1024 * 1024,
	"app.scratch_dir":        "",
	"db.driver":              "postgres",
	"db.host":                "",
	"db.port":                "5432",
	"db.user":                "",
	"db.password":            "",
	"db.name":                "",
	"db.sslmode":             "disable",
	"db.path":                "reservoir.db",
	"storage.backend":        BackendFilesystem,
	"storage.model_root":     "models",
	"minio.endpoint":         "",
	"minio.access_key":       "",
	"minio.secret_key":       "",
	"minio.bucket":           "",
	"minio.ssl":              false,
	"s3.endpoint":            "",
	"s3.region":              "us-east-1",
	"s3.access_key":          "",
	"s3.secret_key":          "",
	"s3.bucket":              "",
	"cache.redis_addr":       "",
	"cache.memory_bytes":     256 * 1024 * 1024,
	"cache.ttl":              time.Hour,
	"cache.max_object_bytes": 32 * 1024 * 1024,
	"auth.dev_email":         "",
}

// Environment names the service was deployed with before the RESERVOIR_ prefix.
var legacyEnv = map[string]string{
	"app.port":           "STORAGE_PORT",
	"db.host":            "DB_HOST",
	"db.port":            "DB_PORT",
	"db.user":            "DB_USER",
	"db.password":        "DB_PASSWORD",
	"db.name":            "DB_NAME",
	"storage.model_root": "MODEL_ROOT",
	"minio.endpoint":     "MINIO_ENDPOINT",
	"minio.access_key":   "MINIO_ACCESS_KEY",
	"minio.secret_key":   "MINIO_SECRET_KEY",
	"minio.bucket":       "MINIO_BUCKET",
	"minio.ssl":          "MINIO_SSL",
}

// LoadConfig reads configuration from path (optional) and the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("RESERVOIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		envKey := "RESERVOIR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects incomplete database or blob store settings.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Host == "" || c.DB.User == "" || c.DB.Name == "" {
			return fmt.Errorf("database configuration is incomplete")
		}
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("sqlite database path is empty")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.DB.Driver)
	}

	switch c.Storage.Backend {
	case BackendFilesystem:
		if c.Storage.ModelRoot == "" {
			return fmt.Errorf("model root is empty")
		}
	case BackendMinio:
		if c.Minio.Endpoint == "" || c.Minio.AccessKey == "" || c.Minio.SecretKey == "" || c.Minio.Bucket == "" {
			return fmt.Errorf("minio configuration is incomplete")
		}
	case BackendS3:
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3 configuration is incomplete")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.App.BodyLimit <= 0 {
		return fmt.Errorf("body limit must be positive")
	}
	return nil
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return c.App.Mode == "prod" || c.App.Mode == "production"
}

// ConnectDatabase initializes a GORM connection for the configured driver.
// Constraint violations surface as gorm.ErrDuplicatedKey.
func ConnectDatabase(cfg *Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
	switch cfg.DB.Driver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.DB.Path+"?_busy_timeout=5000&_foreign_keys=on"), gcfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode)
		return gorm.Open(postgres.Open(dsn), gcfg)
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env             string
	HTTPPort        string
	DBDriver        string
	DatabaseURL     string
	RedisAddr       string
	QueueBackend    string
	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	RateLimitPerMin int

	StorageRoot      string
	MaxUploadBytes   int64
	SubmitTimeout    time.Duration
	ReservationTTL   time.Duration
	SweepInterval    time.Duration
	UniquenessPolicy string

	S3 S3

	RollbarToken string
}

// S3 configures the optional submission mirror.
type S3 struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Enabled reports whether a mirror bucket is configured.
func (s S3) Enabled() bool { return s.Bucket != "" }

var defaults = map[string]any{
	"APP_ENV":            "dev",
	"HTTP_PORT":          "8081",
	"DB_DRIVER":          "sqlite3",
	"DATABASE_URL":       "./data/examgate.db",
	"REDIS_ADDR":         "localhost:6379",
	"QUEUE_BACKEND":      "memory",
	"JWT_ISSUER":         "examgate",
	"JWT_SIGNING_KEY":    "dev-signing-secret-change",
	"ACCESS_TTL":         "12h",
	"RATE_LIMIT_PER_MIN": 120,
	"STORAGE_ROOT":       "./submissions",
	"MAX_UPLOAD_BYTES":   int64(50 << 20),
	"SUBMIT_TIMEOUT":     "2m",
	"RESERVATION_TTL":    "5m",
	"SWEEP_INTERVAL":     "30s",
	"UNIQUENESS_POLICY":  "either",
	"S3_REGION":          "us-east-1",
}

// Load returns application config populated from environment variables with sensible defaults.
// A .env file in the working directory is read first when present; real environment
// variables win over it.
func Load() App {
	loadDotEnv(".env")
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	return v
}

// FromViper maps an already populated viper instance onto App.
func FromViper(v *viper.Viper) App {
	cfg := App{
		Env:             v.GetString("APP_ENV"),
		HTTPPort:        v.GetString("HTTP_PORT"),
		DBDriver:        v.GetString("DB_DRIVER"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisAddr:       v.GetString("REDIS_ADDR"),
		QueueBackend:    v.GetString("QUEUE_BACKEND"),
		JWTIssuer:       v.GetString("JWT_ISSUER"),
		JWTSigningKey:   v.GetString("JWT_SIGNING_KEY"),
		AccessTTL:       durationOf(v, "ACCESS_TTL"),
		RateLimitPerMin: v.GetInt("RATE_LIMIT_PER_MIN"),

		StorageRoot:      v.GetString("STORAGE_ROOT"),
		MaxUploadBytes:   v.GetInt64("MAX_UPLOAD_BYTES"),
		SubmitTimeout:    durationOf(v, "SUBMIT_TIMEOUT"),
		ReservationTTL:   durationOf(v, "RESERVATION_TTL"),
		SweepInterval:    durationOf(v, "SWEEP_INTERVAL"),
		UniquenessPolicy: strings.ToLower(v.GetString("UNIQUENESS_POLICY")),

		S3: S3{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			Bucket:          v.GetString("S3_BUCKET"),
		},

		RollbarToken: v.GetString("ROLLBAR_TOKEN"),
	}
	return cfg
}

// ErrInvalid wraps every configuration problem found by Validate.
var ErrInvalid = errors.New("invalid config")

// Validate checks the combinations the binaries cannot start with.
func (a App) Validate() error {
	switch a.QueueBackend {
	case "memory":
	case "redis":
		if a.RedisAddr == "" {
			return fmt.Errorf("%w: QUEUE_BACKEND=redis needs REDIS_ADDR", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown QUEUE_BACKEND %q", ErrInvalid, a.QueueBackend)
	}
	if a.StorageRoot == "" {
		return fmt.Errorf("%w: STORAGE_ROOT is empty", ErrInvalid)
	}
	return nil
}

// durationOf parses key as a duration, falling back to the registered default on bad input.
func durationOf(v *viper.Viper, key string) time.Duration {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fallback, _ := time.ParseDuration(defaults[key].(string))
		log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
		return fallback
	}
	return d
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("config: stat %s: %v", path, err)
		}
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("config: load %s: %v", path, err)
	}
}

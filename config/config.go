package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MATH00OST_REDIS_ADDR.
const EnvPrefix = "MATH00OST"

type Config struct {
	Debug         bool
	ServerAddr    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LocalPath     string
	LocalQuota    int64 // bytes, 0 = unlimited
	RemoteTimeout time.Duration
	ProbeInterval time.Duration
	LogLevel      slog.Level
}

func defaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("local.path", "math00ost.db")
	v.SetDefault("local.quota_bytes", int64(5<<20))
	v.SetDefault("remote.timeout", 5*time.Second)
	v.SetDefault("sync.probe_interval", 30*time.Second)
	v.SetDefault("log.level", "info")
}

// Load reads defaults, then dotEnvPath if it exists, then the environment.
// An empty dotEnvPath skips the file.
func Load(dotEnvPath string) (Config, error) {
	if dotEnvPath != "" {
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return Config{}, errors.Wrapf(err, "loading %s", dotEnvPath)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "checking %s", dotEnvPath)
		}
	}

	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return Config{}, errors.Wrap(err, "parsing log.level")
	}

	cfg := Config{
		Debug:         v.GetBool("debug"),
		ServerAddr:    v.GetString("server.addr"),
		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		LocalPath:     v.GetString("local.path"),
		LocalQuota:    v.GetInt64("local.quota_bytes"),
		RemoteTimeout: v.GetDuration("remote.timeout"),
		ProbeInterval: v.GetDuration("sync.probe_interval"),
		LogLevel:      level,
	}
	if cfg.ProbeInterval <= 0 {
		return Config{}, errors.Errorf("sync.probe_interval must be positive, got %s", cfg.ProbeInterval)
	}
	if cfg.LocalQuota < 0 {
		return Config{}, errors.Errorf("local.quota_bytes must not be negative, got %d", cfg.LocalQuota)
	}
	return cfg, nil
}

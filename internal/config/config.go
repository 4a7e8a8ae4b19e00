// Package config loads settings and the channel catalogue with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/example/slotwatch/internal/domain/reservation"
)

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Booking    BookingConfig   `mapstructure:"booking"`
	Retry      RetryConfig     `mapstructure:"retry"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	ResetCycle ResetConfig     `mapstructure:"reset_cycle"`
	Store      StoreConfig     `mapstructure:"store"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Session    SessionConfig   `mapstructure:"session"`
	Telegram   TelegramConfig  `mapstructure:"telegram"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Notify     NotifyConfig    `mapstructure:"notify"`
	Channels   []Channel       `mapstructure:"channels"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// AdminTokenHash is the bcrypt hash of the admin bearer token.
	AdminTokenHash string `mapstructure:"admin_token_hash"`
}

type BookingConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	SiteURL     string        `mapstructure:"site_url"`
	Email       string        `mapstructure:"email"`
	Prefixes    []string      `mapstructure:"prefixes"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	Timezone    string        `mapstructure:"timezone"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
	MaxElapsed   time.Duration `mapstructure:"max_elapsed"`
}

type SchedulerConfig struct {
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	DatesPerTick            int           `mapstructure:"dates_per_tick"`
	MaxFutureDays           int           `mapstructure:"max_future_days"`
	Concurrency             int64         `mapstructure:"concurrency"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace"`
	PersistTimeout          time.Duration `mapstructure:"persist_timeout"`
	PersistenceFailureLimit int           `mapstructure:"persistence_failure_limit"`
	ReservePauseMin         time.Duration `mapstructure:"reserve_pause_min"`
	ReservePauseMax         time.Duration `mapstructure:"reserve_pause_max"`
}

type ResetConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Schedule   string `mapstructure:"schedule"`
	WindowDays int    `mapstructure:"window_days"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
	Path        string `mapstructure:"path"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	LockPrefix   string        `mapstructure:"lock_prefix"`
	SessionCache bool          `mapstructure:"session_cache"`
}

type SessionConfig struct {
	Secret   string        `mapstructure:"secret"`
	CacheKey string        `mapstructure:"cache_key"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIURL   string `mapstructure:"api_url"`
	// PollTimeout bounds one getUpdates long poll for button presses.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type NotifyConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type Channel struct {
	ID       string    `mapstructure:"id"`
	Name     string    `mapstructure:"name"`
	ChatID   string    `mapstructure:"chat_id"`
	Services []Service `mapstructure:"services"`
}

type Service struct {
	BranchID           string `mapstructure:"branch_id"`
	BranchName         string `mapstructure:"branch_name"`
	ServiceID          string `mapstructure:"service_id"`
	ServiceName        string `mapstructure:"service_name"`
	QPID               string `mapstructure:"qp_id"`
	Adults             int    `mapstructure:"adults"`
	VisitsPerDay       int    `mapstructure:"visits_per_day"`
	LastRegisteredDate string `mapstructure:"last_registered_date"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.admin_token_hash", "")

	v.SetDefault("booking.base_url", "")
	v.SetDefault("booking.site_url", "")
	v.SetDefault("booking.email", "")
	v.SetDefault("booking.prefixes", []string{})
	v.SetDefault("booking.call_timeout", 30*time.Second)
	v.SetDefault("booking.rate_limit", 2.0)
	v.SetDefault("booking.rate_burst", 4)
	v.SetDefault("booking.timezone", "Europe/Warsaw")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", time.Minute)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_elapsed", 10*time.Minute)

	v.SetDefault("scheduler.poll_interval", 30*time.Minute)
	v.SetDefault("scheduler.dates_per_tick", 7)
	v.SetDefault("scheduler.max_future_days", 30)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.shutdown_grace", 30*time.Second)
	v.SetDefault("scheduler.persist_timeout", 10*time.Second)
	v.SetDefault("scheduler.persistence_failure_limit", 5)
	v.SetDefault("scheduler.reserve_pause_min", 5*time.Second)
	v.SetDefault("scheduler.reserve_pause_max", 10*time.Second)

	v.SetDefault("reset_cycle.enabled", false)
	v.SetDefault("reset_cycle.schedule", "0 3 * * 1")
	v.SetDefault("reset_cycle.window_days", 7)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.path", "state.json")
	v.SetDefault("store.max_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("redis.lock_prefix", "slotwatch:lock")
	v.SetDefault("redis.session_cache", false)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.cache_key", "slotwatch:session")
	v.SetDefault("session.cache_ttl", 30*time.Minute)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "slotwatch.reservations")

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.initial_delay", time.Second)
	v.SetDefault("notify.multiplier", 2.0)
	v.SetDefault("notify.max_delay", time.Minute)
	v.SetDefault("notify.attempt_timeout", 15*time.Second)
}

// Load reads path (or ./config.* when path is empty) and applies
// SLOTWATCH_ environment overrides, e.g. SLOTWATCH_STORE_DATABASE_URL.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SLOTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Booking.BaseURL == "" {
		add("booking.base_url is required")
	}
	if c.Booking.SiteURL == "" {
		add("booking.site_url is required")
	}
	if len(c.Booking.Prefixes) == 0 {
		add("booking.prefixes must list at least one phone prefix")
	}
	if _, err := time.LoadLocation(c.Booking.Timezone); err != nil {
		add("booking.timezone: %v", err)
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}
	if c.Scheduler.PollInterval <= 0 {
		add("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.Concurrency < 1 {
		add("scheduler.concurrency must be at least 1")
	}
	if c.Scheduler.ReservePauseMax < c.Scheduler.ReservePauseMin {
		add("scheduler.reserve_pause_max is below reserve_pause_min")
	}
	if c.ResetCycle.Enabled {
		if _, err := cron.ParseStandard(c.ResetCycle.Schedule); err != nil {
			add("reset_cycle.schedule: %v", err)
		}
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	case "file":
		if c.Store.Path == "" {
			add("store.path is required for the file driver")
		}
	case "memory":
	default:
		add("store.driver %q: want postgres, file or memory", c.Store.Driver)
	}

	if c.Redis.SessionCache {
		if c.Redis.Addr == "" {
			add("redis.addr is required when redis.session_cache is on")
		}
		if len(c.Session.Secret) < 16 {
			add("session.secret must be at least 16 bytes when redis.session_cache is on")
		}
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		add("telegram.bot_token is required when telegram is enabled")
	}

	if len(c.Channels) == 0 {
		add("at least one channel must be configured")
	}
	seen := map[reservation.ServiceKey]bool{}
	for i, ch := range c.Channels {
		if ch.ID == "" {
			add("channels[%d].id is required", i)
		}
		if c.Telegram.Enabled && ch.ChatID == "" {
			add("channels[%d].chat_id is required when telegram is enabled", i)
		}
		for j, s := range ch.Services {
			where := fmt.Sprintf("channels[%d].services[%d]", i, j)
			if s.BranchID == "" || s.ServiceID == "" {
				add("%s: branch_id and service_id are required", where)
			}
			if s.Adults < 0 {
				add("%s: adults must not be negative", where)
			}
			if s.VisitsPerDay < 1 {
				add("%s: visits_per_day must be at least 1", where)
			}
			if s.LastRegisteredDate != "" {
				if _, err := reservation.ParseDate(s.LastRegisteredDate); err != nil {
					add("%s: last_registered_date: %v", where, err)
				}
			}
			key := reservation.ServiceKey{ChannelID: ch.ID, ServiceID: s.ServiceID}
			if seen[key] {
				add("%s: duplicate service %s", where, key)
			}
			seen[key] = true
		}
	}
	return errors.Join(errs...)
}

// Services returns one immutable snapshot per configured service.
func (c Config) Services() ([]reservation.ServiceConfig, error) {
	var out []reservation.ServiceConfig
	for _, ch := range c.Channels {
		channel := reservation.Channel{ID: ch.ID, Name: ch.Name, ChatID: ch.ChatID}
		for _, s := range ch.Services {
			sc := reservation.ServiceConfig{
				Channel:      channel,
				BranchID:     s.BranchID,
				BranchName:   s.BranchName,
				ServiceID:    s.ServiceID,
				ServiceName:  s.ServiceName,
				QPID:         s.QPID,
				Adults:       s.Adults,
				VisitsPerDay: s.VisitsPerDay,
			}
			if sc.Adults == 0 {
				sc.Adults = 1
			}
			if s.LastRegisteredDate != "" {
				d, err := reservation.ParseDate(s.LastRegisteredDate)
				if err != nil {
					return nil, fmt.Errorf("service %s: %w", sc.Key(), err)
				}
				sc.LastRegisteredDate = &d
			}
			out = append(out, sc)
		}
	}
	return out, nil
}

func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Booking.Timezone)
}

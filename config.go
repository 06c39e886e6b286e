package pondsync

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config holds the timing policy of every component.
type Config struct {
	// Debounce is the default trailing-edge window for channel subscriptions.
	Debounce time.Duration `validate:"gte=0"`
	// ErrorRetryDelay is the reconnect delay after a channel error.
	ErrorRetryDelay time.Duration `validate:"gt=0"`
	// TimeoutRetryDelay is the reconnect delay after a subscribe timeout.
	TimeoutRetryDelay time.Duration `validate:"gt=0"`
	// MaxReconnectAttempts caps reconnects before a session gives up.
	MaxReconnectAttempts int `validate:"gte=1"`
	// DisposeGrace delays releasing a disposed session.
	DisposeGrace time.Duration `validate:"gte=0"`

	SendRetries     int           `validate:"gte=0"`
	SendRetryDelay  time.Duration `validate:"gt=0"`
	SendTimeout     time.Duration `validate:"gt=0"`
	DuplicateWindow time.Duration `validate:"gte=0"`
	MatchWindow     time.Duration `validate:"gt=0"`

	HeartbeatInterval time.Duration `validate:"gt=0"`
	StalenessWindow   time.Duration `validate:"gt=0"`
	TypingExpiry      time.Duration `validate:"gt=0"`
	SyncDebounce      time.Duration `validate:"gte=0"`

	Debug bool
}

// DefaultConfig returns the standard timing policy.
func DefaultConfig() Config {
	return Config{
		Debounce:             300 * time.Millisecond,
		ErrorRetryDelay:      10 * time.Second,
		TimeoutRetryDelay:    8 * time.Second,
		MaxReconnectAttempts: 5,
		DisposeGrace:         250 * time.Millisecond,
		SendRetries:          2,
		SendRetryDelay:       2 * time.Second,
		SendTimeout:          15 * time.Second,
		DuplicateWindow:      2 * time.Second,
		MatchWindow:          10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		StalenessWindow:      30 * time.Second,
		TypingExpiry:         3 * time.Second,
		SyncDebounce:         time.Second,
	}
}

var validate = validator.New()

// Validate checks the config bounds.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return wrap(err, "invalid config").withDetails(err.Error())
	}
	return nil
}

// LoadConfig starts from DefaultConfig, loads the given .env files (a missing file is not an
// error; with no paths ".env" is tried) and applies PONDSYNC_* environment overrides.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, wrap(err, "failed to load env file")
	}

	cfg := DefaultConfig()
	var errs error
	durations := map[string]*time.Duration{
		"PONDSYNC_DEBOUNCE":            &cfg.Debounce,
		"PONDSYNC_ERROR_RETRY_DELAY":   &cfg.ErrorRetryDelay,
		"PONDSYNC_TIMEOUT_RETRY_DELAY": &cfg.TimeoutRetryDelay,
		"PONDSYNC_DISPOSE_GRACE":       &cfg.DisposeGrace,
		"PONDSYNC_SEND_RETRY_DELAY":    &cfg.SendRetryDelay,
		"PONDSYNC_SEND_TIMEOUT":        &cfg.SendTimeout,
		"PONDSYNC_DUPLICATE_WINDOW":    &cfg.DuplicateWindow,
		"PONDSYNC_MATCH_WINDOW":        &cfg.MatchWindow,
		"PONDSYNC_HEARTBEAT_INTERVAL":  &cfg.HeartbeatInterval,
		"PONDSYNC_STALENESS_WINDOW":    &cfg.StalenessWindow,
		"PONDSYNC_TYPING_EXPIRY":       &cfg.TypingExpiry,
		"PONDSYNC_SYNC_DEBOUNCE":       &cfg.SyncDebounce,
	}
	for key, target := range durations {
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = addError(errs, wrapF(err, "%s", key))
			continue
		}
		*target = d
	}

	ints := map[string]*int{
		"PONDSYNC_MAX_RECONNECT_ATTEMPTS": &cfg.MaxReconnectAttempts,
		"PONDSYNC_SEND_RETRIES":           &cfg.SendRetries,
	}
	for key, target := range ints {
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := cast.ToIntE(value)
		if err != nil {
			errs = addError(errs, wrapF(err, "%s", key))
			continue
		}
		*target = n
	}

	if value, ok := os.LookupEnv("PONDSYNC_DEBUG"); ok {
		cfg.Debug = cast.ToBool(value)
	}

	if errs != nil {
		return Config{}, errs
	}
	return cfg, cfg.Validate()
}

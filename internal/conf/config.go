// Package conf holds application configuration loaded from YAML via viper.
package conf

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Dispatcher setting bounds. Out-of-range values are clamped, not rejected,
// so a bad config line degrades rather than refuses to start.
const (
	DebounceMsMin     = 50
	DebounceMsMax     = 2000
	DebounceMsDefault = 200

	BatchSizeLimitMin     = 1
	BatchSizeLimitMax     = 1000
	BatchSizeLimitDefault = 100

	RateLimitPerSecMin     = 1
	RateLimitPerSecDefault = 10

	RateLimitBurstMin     = 1
	RateLimitBurstDefault = 50

	WorkerConcurrencyMin     = 1
	WorkerConcurrencyMax     = 16
	WorkerConcurrencyDefault = 4

	QueueMaxDepthMin     = 10
	QueueMaxDepthDefault = 1000
)

// DispatcherSettings configures the entity-change dispatcher.
type DispatcherSettings struct {
	DebounceMs        int `mapstructure:"debounce_ms" json:"debounce_ms"`
	BatchSizeLimit    int `mapstructure:"batch_size_limit" json:"batch_size_limit"`
	RateLimitPerSec   int `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateLimitBurst    int `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	WorkerConcurrency int `mapstructure:"worker_concurrency" json:"worker_concurrency"`
	QueueMaxDepth     int `mapstructure:"queue_max_depth" json:"queue_max_depth"`
}

// DefaultDispatcherSettings returns the documented defaults.
func DefaultDispatcherSettings() DispatcherSettings {
	return DispatcherSettings{
		DebounceMs:        DebounceMsDefault,
		BatchSizeLimit:    BatchSizeLimitDefault,
		RateLimitPerSec:   RateLimitPerSecDefault,
		RateLimitBurst:    RateLimitBurstDefault,
		WorkerConcurrency: WorkerConcurrencyDefault,
		QueueMaxDepth:     QueueMaxDepthDefault,
	}
}

// Clamp returns a copy with every value forced into its legal range.
// Zero values fall back to defaults first.
func (s DispatcherSettings) Clamp() DispatcherSettings {
	out := s
	if out.DebounceMs == 0 {
		out.DebounceMs = DebounceMsDefault
	}
	if out.BatchSizeLimit == 0 {
		out.BatchSizeLimit = BatchSizeLimitDefault
	}
	if out.RateLimitPerSec == 0 {
		out.RateLimitPerSec = RateLimitPerSecDefault
	}
	if out.RateLimitBurst == 0 {
		out.RateLimitBurst = RateLimitBurstDefault
	}
	if out.WorkerConcurrency == 0 {
		out.WorkerConcurrency = WorkerConcurrencyDefault
	}
	if out.QueueMaxDepth == 0 {
		out.QueueMaxDepth = QueueMaxDepthDefault
	}

	out.DebounceMs = clampInt(out.DebounceMs, DebounceMsMin, DebounceMsMax)
	out.BatchSizeLimit = clampInt(out.BatchSizeLimit, BatchSizeLimitMin, BatchSizeLimitMax)
	out.RateLimitPerSec = max(out.RateLimitPerSec, RateLimitPerSecMin)
	out.RateLimitBurst = max(out.RateLimitBurst, RateLimitBurstMin)
	out.WorkerConcurrency = clampInt(out.WorkerConcurrency, WorkerConcurrencyMin, WorkerConcurrencyMax)
	out.QueueMaxDepth = max(out.QueueMaxDepth, QueueMaxDepthMin)
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DatabaseSettings selects the sqlite database file.
type DatabaseSettings struct {
	Path string `mapstructure:"path"`
}

// KVStoreSettings selects the shared key/value store used for debounce keys
// and per-rule locks. "memory" is fine for single-process deployments;
// "redis" is required when multiple processes share the rule catalogue.
type KVStoreSettings struct {
	Backend   string `mapstructure:"backend"` // "memory" or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// HomeAssistantSettings configures the Home Assistant HTTP gateway.
type HomeAssistantSettings struct {
	BaseURL string   `mapstructure:"base_url"`
	Token   string   `mapstructure:"token"`
	Timeout Duration `mapstructure:"timeout"`
}

// MQTTSettings configures the MQTT broker connection shared by the
// zigbee2mqtt and zwavejs gateways.
type MQTTSettings struct {
	Broker           string `mapstructure:"broker"`
	ClientID         string `mapstructure:"client_id"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	Zigbee2MQTTTopic string `mapstructure:"zigbee2mqtt_topic"`
	ZWaveJSTopic     string `mapstructure:"zwavejs_topic"`
}

// FrigateSettings configures the vision-system integration.
type FrigateSettings struct {
	// StaleAfter is how long without a heartbeat before the integration is
	// considered unavailable.
	StaleAfter Duration `mapstructure:"stale_after"`
	// MQTTTopic is the Frigate topic prefix on the shared broker.
	MQTTTopic string `mapstructure:"mqtt_topic"`
}

// AlarmSettings configures the alarm panel behavior.
type AlarmSettings struct {
	// ExitDelay is the arming grace period; zero arms immediately.
	ExitDelay Duration `mapstructure:"exit_delay"`
}

// SchedulerSettings configures the periodic rule tick.
type SchedulerSettings struct {
	TickInterval Duration `mapstructure:"tick_interval"`
}

// ServerSettings configures the HTTP API listener. When AdminToken is empty
// every request is treated as admin, which suits single-user installs.
type ServerSettings struct {
	Listen     string `mapstructure:"listen"`
	AdminToken string `mapstructure:"admin_token"`
}

// Settings is the root configuration document.
type Settings struct {
	Server        ServerSettings        `mapstructure:"server"`
	Database      DatabaseSettings      `mapstructure:"database"`
	KVStore       KVStoreSettings       `mapstructure:"kvstore"`
	Dispatcher    DispatcherSettings    `mapstructure:"dispatcher"`
	HomeAssistant HomeAssistantSettings `mapstructure:"home_assistant"`
	MQTT          MQTTSettings          `mapstructure:"mqtt"`
	Frigate       FrigateSettings       `mapstructure:"frigate"`
	Alarm         AlarmSettings         `mapstructure:"alarm"`
	// Notifications maps provider ids to shoutrrr service URLs.
	Notifications map[string]string `mapstructure:"notifications"`
	Scheduler     SchedulerSettings `mapstructure:"scheduler"`
	LogLevel      string            `mapstructure:"log_level"`
}

// Load reads settings from the given config file path (or the default
// search locations when empty), applies environment overrides with the
// LATCHPOINT_ prefix, and clamps dispatcher values into range.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/latchpoint")
	}
	v.SetEnvPrefix("LATCHPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen", ":8099")
	v.SetDefault("database.path", "latchpoint.db")
	v.SetDefault("kvstore.backend", "memory")
	v.SetDefault("scheduler.tick_interval", "2s")
	v.SetDefault("frigate.stale_after", "60s")
	v.SetDefault("frigate.mqtt_topic", "frigate")
	v.SetDefault("mqtt.zigbee2mqtt_topic", "zigbee2mqtt")
	v.SetDefault("mqtt.zwavejs_topic", "zwave")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults plus env cover it.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	s.Dispatcher = s.Dispatcher.Clamp()
	return &s, nil
}

// errorsAs is a tiny indirection so Load reads cleanly above.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// LiveServer is the top-level configuration, normally loaded from
// liveserver.yaml with environment variable overrides applied on top.
type LiveServer struct {
	Server        Server        `yaml:"server"`
	Rooms         Rooms         `yaml:"rooms"`
	Turns         Turns         `yaml:"turns"`
	Batch         Batch         `yaml:"batch"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	RateLimiting  RateLimiting  `yaml:"rate_limiting"`
	Rules         Rules         `yaml:"rules"`
	Database      Database      `yaml:"database"`
	Auth          Auth          `yaml:"auth"`
	Sentry        Sentry        `yaml:"sentry"`

	// Logging describes extra logrus hooks. Console logging is always on.
	Logging []LogrusHook `yaml:"logging"`
}

type Server struct {
	Port        int    `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`
	LogLevel    string `yaml:"log_level"`

	HealthCheckTimeoutMS int64 `yaml:"health_check_timeout_ms"`
	WSHeartbeatMS        int64 `yaml:"ws_heartbeat_interval_ms"`
	WSConnTimeoutMS      int64 `yaml:"ws_connection_timeout_ms"`
}

func (c *Server) Defaults() {
	c.Port = 8810
	c.FrontendURL = "*"
	c.LogLevel = "info"
	c.HealthCheckTimeoutMS = 5000
	c.WSHeartbeatMS = 30000
	c.WSConnTimeoutMS = 60000
}

func (c *Server) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "server.port", int64(c.Port))
	checkPositive(configErrs, "server.ws_heartbeat_interval_ms", c.WSHeartbeatMS)
	checkPositive(configErrs, "server.ws_connection_timeout_ms", c.WSConnTimeoutMS)
	if c.WSConnTimeoutMS <= c.WSHeartbeatMS {
		configErrs.Add("server.ws_connection_timeout_ms must exceed server.ws_heartbeat_interval_ms")
	}
}

type Rooms struct {
	MaxRoomsPerServer   int   `yaml:"max_rooms_per_server"`
	InactivityTimeoutMS int64 `yaml:"room_inactivity_timeout_ms"`
	ReconnectGraceMS    int64 `yaml:"reconnect_grace_ms"`
	SnapshotIntervalMS  int64 `yaml:"snapshot_interval_ms"`
}

func (c *Rooms) Defaults() {
	c.MaxRoomsPerServer = 100
	c.InactivityTimeoutMS = 1800000
	c.ReconnectGraceMS = 60000
	c.SnapshotIntervalMS = 5000
}

func (c *Rooms) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "rooms.max_rooms_per_server", int64(c.MaxRoomsPerServer))
	checkPositive(configErrs, "rooms.room_inactivity_timeout_ms", c.InactivityTimeoutMS)
	checkPositive(configErrs, "rooms.snapshot_interval_ms", c.SnapshotIntervalMS)
}

type Turns struct {
	TimeLimitMS int64 `yaml:"turn_time_limit_ms"`
}

func (c *Turns) Defaults() {
	c.TimeLimitMS = 90000
}

func (c *Turns) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "turns.turn_time_limit_ms", c.TimeLimitMS)
}

type Batch struct {
	MessageBatchSize      int   `yaml:"message_batch_size"`
	MessageBatchTimeoutMS int64 `yaml:"message_batch_timeout_ms"`
	MaxQueueSize          int   `yaml:"max_queue_size"`
	PriorityThreshold     int   `yaml:"priority_threshold"`
}

func (c *Batch) Defaults() {
	c.MessageBatchSize = 25
	c.MessageBatchTimeoutMS = 50
	c.MaxQueueSize = 100
	c.PriorityThreshold = 5
}

func (c *Batch) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "batch.message_batch_size", int64(c.MessageBatchSize))
	checkPositive(configErrs, "batch.message_batch_timeout_ms", c.MessageBatchTimeoutMS)
	checkPositive(configErrs, "batch.max_queue_size", int64(c.MaxQueueSize))
}

type Subscriptions struct {
	TTLMS             int64 `yaml:"subscription_ttl_ms"`
	MaxPerUser        int   `yaml:"max_subscriptions_per_user"`
	CleanupIntervalMS int64 `yaml:"cleanup_interval_ms"`
}

func (c *Subscriptions) Defaults() {
	c.TTLMS = 1800000
	c.MaxPerUser = 10
	c.CleanupIntervalMS = 60000
}

func (c *Subscriptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "subscriptions.subscription_ttl_ms", c.TTLMS)
	checkPositive(configErrs, "subscriptions.max_subscriptions_per_user", int64(c.MaxPerUser))
}

type RateLimiting struct {
	WindowMS    int64 `yaml:"rate_limit_window_ms"`
	MaxRequests int   `yaml:"rate_limit_max_requests"`
}

func (c *RateLimiting) Defaults() {
	c.WindowMS = 60000
	c.MaxRequests = 100
}

func (c *RateLimiting) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "rate_limiting.rate_limit_window_ms", c.WindowMS)
	checkPositive(configErrs, "rate_limiting.rate_limit_max_requests", int64(c.MaxRequests))
}

type Rules struct {
	MovementBudget int `yaml:"movement_budget"`
	AttackRange    int `yaml:"attack_range"`
	HealingAmount  int `yaml:"healing_amount"`
}

func (c *Rules) Defaults() {
	c.MovementBudget = 6
	c.AttackRange = 5
	c.HealingAmount = 10
}

func (c *Rules) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "rules.movement_budget", int64(c.MovementBudget))
	checkPositive(configErrs, "rules.attack_range", int64(c.AttackRange))
}

type Database struct {
	ConnectionString string `yaml:"connection_string"`
}

func (c *Database) Defaults() {
	c.ConnectionString = "file:liveserver.db"
}

func (c *Database) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "database.connection_string", c.ConnectionString)
}

// Auth selects the token verifier. Mode "jwt" verifies HMAC-signed tokens
// locally with Secret; mode "remote" POSTs tokens to URL for verification.
type Auth struct {
	Mode   string `yaml:"mode"`
	Secret string `yaml:"secret"`
	URL    string `yaml:"url"`
}

func (c *Auth) Defaults() {
	c.Mode = "jwt"
}

func (c *Auth) Verify(configErrs *ConfigErrors) {
	switch c.Mode {
	case "jwt":
		checkNotEmpty(configErrs, "auth.secret", c.Secret)
	case "remote":
		checkNotEmpty(configErrs, "auth.url", c.URL)
	default:
		configErrs.Add(fmt.Sprintf("invalid auth.mode %q, must be jwt or remote", c.Mode))
	}
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "sentry.dsn", c.DSN)
	}
}

// LogrusHook represents a single logrus hook. At this point, only `file`
// is supported.
type LogrusHook struct {
	// The type of hook, currently only `file` is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

func (c *LogrusHook) Verify(configErrs *ConfigErrors) {
	if c.Type != "file" {
		configErrs.Add(fmt.Sprintf("unknown logging hook type %q", c.Type))
	}
	if c.Type == "file" {
		if _, ok := c.Params["path"]; !ok {
			configErrs.Add("file logging hook requires a params.path")
		}
	}
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

func (c *LiveServer) Defaults() {
	c.Server.Defaults()
	c.Rooms.Defaults()
	c.Turns.Defaults()
	c.Batch.Defaults()
	c.Subscriptions.Defaults()
	c.RateLimiting.Defaults()
	c.Rules.Defaults()
	c.Database.Defaults()
	c.Auth.Defaults()
}

func (c *LiveServer) Verify() error {
	configErrs := ConfigErrors{}
	c.Server.Verify(&configErrs)
	c.Rooms.Verify(&configErrs)
	c.Turns.Verify(&configErrs)
	c.Batch.Verify(&configErrs)
	c.Subscriptions.Verify(&configErrs)
	c.RateLimiting.Verify(&configErrs)
	c.Rules.Verify(&configErrs)
	c.Database.Verify(&configErrs)
	c.Auth.Verify(&configErrs)
	c.Sentry.Verify(&configErrs)
	for i := range c.Logging {
		c.Logging[i].Verify(&configErrs)
	}
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// Load reads the yaml config at path (if path is non-empty), applies
// environment overrides, then verifies the result.
func Load(path string) (*LiveServer, error) {
	var cfg LiveServer
	cfg.Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %q", path)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %q", path)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers well-known environment variables over the file
// config so containerized deployments need no yaml at all.
func (c *LiveServer) applyEnvOverrides() {
	envInt(&c.Server.Port, "PORT")
	envString(&c.Server.FrontendURL, "FRONTEND_URL")
	envString(&c.Server.LogLevel, "LOG_LEVEL")
	envInt64(&c.Server.HealthCheckTimeoutMS, "HEALTH_CHECK_TIMEOUT")
	envInt64(&c.Server.WSHeartbeatMS, "WS_HEARTBEAT_INTERVAL")
	envInt64(&c.Server.WSConnTimeoutMS, "WS_CONNECTION_TIMEOUT")

	envInt(&c.Rooms.MaxRoomsPerServer, "MAX_ROOMS_PER_SERVER")
	envInt64(&c.Rooms.InactivityTimeoutMS, "ROOM_INACTIVITY_TIMEOUT")
	envInt64(&c.Rooms.ReconnectGraceMS, "RECONNECT_GRACE")
	envInt64(&c.Rooms.SnapshotIntervalMS, "SNAPSHOT_INTERVAL")

	envInt64(&c.Turns.TimeLimitMS, "TURN_TIME_LIMIT")

	envInt(&c.Batch.MessageBatchSize, "MESSAGE_BATCH_SIZE")
	envInt64(&c.Batch.MessageBatchTimeoutMS, "MESSAGE_BATCH_TIMEOUT")

	envInt64(&c.RateLimiting.WindowMS, "RATE_LIMIT_WINDOW")
	envInt(&c.RateLimiting.MaxRequests, "RATE_LIMIT_MAX_REQUESTS")

	envString(&c.Database.ConnectionString, "DATABASE_URL")
	envString(&c.Auth.Mode, "AUTH_MODE")
	envString(&c.Auth.Secret, "AUTH_SECRET")
	envString(&c.Auth.URL, "AUTH_URL")
	envString(&c.Sentry.DSN, "SENTRY_DSN")
	if c.Sentry.DSN != "" && os.Getenv("SENTRY_DSN") != "" {
		c.Sentry.Enabled = true
	}
}

func envString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

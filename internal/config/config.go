// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Collector holds the collector daemon configuration.
type Collector struct {
	ListenAddr string `json:"listen_addr"`
	HTTPAddr   string `json:"http_addr"`
	RulesDir   string `json:"rules_dir"`
	LogLevel   string `json:"log_level"`

	// Empty PostgresDSN or NATSURL disables that sink.
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	NATSURL     string `json:"nats_url,omitempty"`

	HeartbeatTimeout       time.Duration `json:"heartbeat_timeout"`
	AckBatch               int           `json:"ack_batch"`
	AckInterval            time.Duration `json:"ack_interval"`
	ReorderWindow          int           `json:"reorder_window"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`

	PersistQueueSize  int           `json:"persist_queue_size"`
	PersistRetryDelay time.Duration `json:"persist_retry_delay"`
	PersistMaxRetries int           `json:"persist_max_retries"`

	AlertHistory  int           `json:"alert_history"`
	DedupeCap     int           `json:"dedupe_cap"`
	HubBuffer     int           `json:"hub_buffer"`
	ScoreCap      int           `json:"score_cap"`
	PruneInterval time.Duration `json:"prune_interval"`
	PruneMaxAge   time.Duration `json:"prune_max_age"`
}

// LoadCollector reads the collector configuration from the environment.
func LoadCollector() (*Collector, error) {
	cfg := &Collector{
		ListenAddr:  getEnv("COLLECTOR_LISTEN_ADDR", ":7600"),
		HTTPAddr:    getEnv("COLLECTOR_HTTP_ADDR", ":8080"),
		RulesDir:    getEnv("COLLECTOR_RULES_DIR", ""),
		LogLevel:    getEnv("COLLECTOR_LOG_LEVEL", "info"),
		PostgresDSN: getEnv("COLLECTOR_POSTGRES_DSN", ""),
		NATSURL:     getEnv("COLLECTOR_NATS_URL", ""),

		HeartbeatTimeout:       getDurationEnv("COLLECTOR_HEARTBEAT_TIMEOUT", 15*time.Second),
		AckBatch:               getIntEnv("COLLECTOR_ACK_BATCH", 16),
		AckInterval:            getDurationEnv("COLLECTOR_ACK_INTERVAL", time.Second),
		ReorderWindow:          getIntEnv("COLLECTOR_REORDER_WINDOW", 64),
		MaxConsecutiveFailures: getIntEnv("COLLECTOR_MAX_CONSECUTIVE_FAILURES", 3),

		PersistQueueSize:  getIntEnv("COLLECTOR_PERSIST_QUEUE_SIZE", 4096),
		PersistRetryDelay: getDurationEnv("COLLECTOR_PERSIST_RETRY_DELAY", 2*time.Second),
		PersistMaxRetries: getIntEnv("COLLECTOR_PERSIST_MAX_RETRIES", 3),

		AlertHistory:  getIntEnv("COLLECTOR_ALERT_HISTORY", 10000),
		DedupeCap:     getIntEnv("COLLECTOR_DEDUPE_CAP", 100000),
		HubBuffer:     getIntEnv("COLLECTOR_HUB_BUFFER", 256),
		ScoreCap:      getIntEnv("COLLECTOR_SCORE_CAP", 100),
		PruneInterval: getDurationEnv("COLLECTOR_PRUNE_INTERVAL", time.Minute),
		PruneMaxAge:   getDurationEnv("COLLECTOR_PRUNE_MAX_AGE", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("collector configuration invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the collector configuration.
func (c *Collector) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if c.AckBatch <= 0 {
		return fmt.Errorf("ack_batch must be positive")
	}
	if c.AckInterval <= 0 {
		return fmt.Errorf("ack_interval must be positive")
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("reorder_window cannot be negative")
	}
	if c.PersistQueueSize <= 0 {
		return fmt.Errorf("persist_queue_size must be positive")
	}
	if c.ScoreCap <= 0 {
		return fmt.Errorf("score_cap must be positive")
	}
	return nil
}

// Agent holds the agent daemon configuration.
type Agent struct {
	CollectorAddr     string        `json:"collector_addr"`
	AgentID           string        `json:"agent_id"`
	LogLevel          string        `json:"log_level"`
	CollectInterval   time.Duration `json:"collect_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	DialTimeout       time.Duration `json:"dial_timeout"`
	QueueSize         int           `json:"queue_size"`
	ReconnectBase     time.Duration `json:"reconnect_base"`
	ReconnectMax      time.Duration `json:"reconnect_max"`
	MaxRetries        int           `json:"max_retries"`
}

// LoadAgent reads the agent configuration from the environment. The agent
// ID defaults to the hostname so a bare binary is operable.
func LoadAgent() (*Agent, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	cfg := &Agent{
		CollectorAddr:     getEnv("AGENT_COLLECTOR_ADDR", "localhost:7600"),
		AgentID:           getEnv("AGENT_ID", hostname),
		LogLevel:          getEnv("AGENT_LOG_LEVEL", "info"),
		CollectInterval:   getDurationEnv("AGENT_COLLECT_INTERVAL", 10*time.Second),
		HeartbeatInterval: getDurationEnv("AGENT_HEARTBEAT_INTERVAL", 5*time.Second),
		DialTimeout:       getDurationEnv("AGENT_DIAL_TIMEOUT", 5*time.Second),
		QueueSize:         getIntEnv("AGENT_QUEUE_SIZE", 1024),
		ReconnectBase:     getDurationEnv("AGENT_RECONNECT_BASE", time.Second),
		ReconnectMax:      getDurationEnv("AGENT_RECONNECT_MAX", 30*time.Second),
		MaxRetries:        getIntEnv("AGENT_MAX_RETRIES", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent configuration invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the agent configuration.
func (c *Agent) Validate() error {
	if c.CollectorAddr == "" {
		return fmt.Errorf("collector_addr cannot be empty")
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent_id cannot be empty")
	}
	if c.CollectInterval <= 0 {
		return fmt.Errorf("collect_interval must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable with a default
// value. Accepts Go duration strings ("15s", "5m") or a bare number of
// seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

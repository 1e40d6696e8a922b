// Package params holds the environment-driven configuration shared by the
// ingestion service, the evaluation worker and the alert dispatcher. Every
// knob is optional; missing or malformed values fall back to defaults.
package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"
)

const (
	DefaultStream       = "transactions_stream"
	DefaultGroup        = "1"
	DefaultDedupSet     = "tx_seen_tokens"
	DefaultIdempNS      = "tx_idemp"
	DefaultFpgNS        = "tx_fpg"
	DefaultAlertsQueue  = "alerts_queue"
	DefaultTgQueue      = "tg_alert_queue"
	DefaultMLQueue      = "ml_eval_queue"
	DefaultRulesChannel = "rules_reload"
)

type Config struct {
	RedisHost string
	RedisPort int
	AlertsDB  int // redis logical DB for the alert queue and its dedup keys

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	Stream   string
	Group    string
	Consumer string

	ReadCount     int
	BlockMS       int
	ClaimEverySec int
	MinIdleMS     int
	BulkChunk     int
	RulesTTLSec   int

	StopMode        string
	StopCriticality string

	UseDedup   bool
	DedupKeys  []string
	DedupSet   string
	DedupTTL   int
	DedupChunk int

	ValidateChunk int
	XAddChunk     int
	MaxBatch      int
	LookupChunk   int
	StreamMaxLen  int64
	TrimApprox    bool

	IdempTTL int
	IdempNS  string
	FpgNS    string
	FpgTTL   int

	WebhookWorkers  int
	WebhookDedupTTL int
	WebhookBaseURL  string
	FrontendBaseURL string
	AlertsQueue     string
	BrpopTimeoutSec int

	KafkaBrokers    []string
	KafkaAlertTopic string

	HTTPListen string
}

// FromEnv builds a Config from the process environment, applying the
// documented defaults for anything unset or unparseable.
func FromEnv() *Config {
	return &Config{
		RedisHost: envStr("REDIS_HOST", "localhost"),
		RedisPort: envInt("REDIS_PORT", 6379),
		AlertsDB:  envInt("ALERTS_DB", 1),

		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 3306),
		DBUser:     envStr("DB_USER", "txguard"),
		DBPassword: envStr("DB_PASSWORD", ""),
		DBName:     envStr("DB_NAME", "txguard"),

		Stream:   envStr("TX_STREAM", DefaultStream),
		Group:    envStr("TX_GROUP", DefaultGroup),
		Consumer: envStr("TX_CONSUMER", ""),

		ReadCount:     envInt("TX_READ_COUNT", 8000),
		BlockMS:       envInt("TX_BLOCK_MS", 5000),
		ClaimEverySec: envInt("TX_CLAIM_INTERVAL", 10),
		MinIdleMS:     envInt("TX_MIN_IDLE_MS", 300000),
		BulkChunk:     envInt("TX_BULK_CHUNK", 5000),
		RulesTTLSec:   envInt("TX_RULES_TTL_SEC", 30),

		StopMode:        envStr("TX_STOP_MODE", ""),
		StopCriticality: envStr("TX_STOP_CRITICALITY", ""),

		UseDedup:   envBool("TX_USE_DEDUP"),
		DedupKeys:  envList("TX_DEDUP_KEYS", "correlation_id,transaction_id"),
		DedupSet:   envStr("TX_DEDUP_SET", DefaultDedupSet),
		DedupTTL:   envInt("TX_DEDUP_TTL", 86400),
		DedupChunk: envInt("TX_DEDUP_CHECK_CHUNK", 50000),

		ValidateChunk: envInt("TX_VALIDATE_CHUNK", 10000),
		XAddChunk:     envInt("TX_XADD_CHUNK", 5000),
		MaxBatch:      envInt("TX_MAX_BATCH", 90000),
		LookupChunk:   envInt("TX_LOOKUP_CHUNK", 5000),
		StreamMaxLen:  int64(envInt("TX_STREAM_MAXLEN", 2000000)),
		TrimApprox:    envBool("TX_TRIM_APPROX"),

		IdempTTL: envInt("TX_IDEMP_TTL", 86400),
		IdempNS:  envStr("TX_IDEMP_NS", DefaultIdempNS),
		FpgNS:    envStr("TX_FPG_NS", DefaultFpgNS),
		FpgTTL:   envInt("TX_FPG_TTL", 604800),

		WebhookWorkers:  envInt("WEBHOOK_WORKERS", 4),
		WebhookDedupTTL: envInt("WEBHOOK_DEDUP_TTL", 600),
		WebhookBaseURL:  envStr("WEBHOOK_BASE_URL", "http://webhook-server:8002"),
		FrontendBaseURL: envStr("FRONTEND_BASE_URL", "http://127.0.0.1:8001/transaction-details.html"),
		AlertsQueue:     envStr("ALERTS_QUEUE", DefaultAlertsQueue),
		BrpopTimeoutSec: envInt("ALERTS_BRPOP_TIMEOUT", 5),

		KafkaBrokers:    envList("KAFKA_BROKERS", ""),
		KafkaAlertTopic: envStr("KAFKA_ALERT_TOPIC", "txguard-alerts"),

		HTTPListen: envStr("TX_HTTP_LISTEN", ":8000"),
	}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// ConsumerName returns the configured consumer id, generating a stable
// uuid-suffixed one for the lifetime of the process when unset.
func (c *Config) ConsumerName(prefix string) string {
	if c.Consumer != "" {
		return c.Consumer
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = strconv.Itoa(os.Getpid())
	}
	c.Consumer = fmt.Sprintf("%s-%s", prefix, id)
	return c.Consumer
}

func (c *Config) Block() time.Duration     { return time.Duration(c.BlockMS) * time.Millisecond }
func (c *Config) MinIdle() time.Duration   { return time.Duration(c.MinIdleMS) * time.Millisecond }
func (c *Config) ClaimEvery() time.Duration {
	return time.Duration(c.ClaimEverySec) * time.Second
}
func (c *Config) RulesTTL() time.Duration { return time.Duration(c.RulesTTLSec) * time.Second }

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func envList(name, def string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		raw = def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
